package orders

import "time"

// Order is a single purchase attempt. AmountCents snapshots the product
// price at selection time and never tracks later catalog changes.
type Order struct {
	ID          string
	UserID      string
	ProductID   string
	Size        string
	AmountCents int64
	Status      Status
	Provider    string // set when the link is issued
	ExternalRef string // provider's transaction reference, empty until issued
	CreatedAt   time.Time
	ExpiresAt   time.Time // link expiry, zero until issued
}
