package catalog

import "time"

type Category string

const (
	CategoryMen   Category = "men"
	CategoryWomen Category = "women"
)

type Kind string

const (
	KindShoe  Kind = "shoe"
	KindCloth Kind = "cloth"
)

type StockStatus string

const (
	StockIn  StockStatus = "in_stock"
	StockLow StockStatus = "low"
	StockOut StockStatus = "out_of_stock"
)

// Product is owned by the inventory collaborator; this service only reads it.
type Product struct {
	ID          string
	Name        string
	Description string
	Category    Category
	Kind        Kind
	PriceCents  int64 // KES minor units, never negative
	Stock       StockStatus
	ImageURL    string
	Sizes       []string
	Active      bool
	CreatedAt   time.Time
}

// Sellable reports whether the product may enter a checkout.
func (p Product) Sellable() bool {
	return p.Active && p.Stock != StockOut
}
