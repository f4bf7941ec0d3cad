package catalog

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct{ DB *pgxpool.Pool }

func (r *Repo) Get(ctx context.Context, id string) (Product, error) {
	var p Product
	err := r.DB.QueryRow(ctx, `
		SELECT id, name, COALESCE(description, ''), category, kind, price_cents,
		       stock, COALESCE(image_url, ''), COALESCE(sizes, '{}'), active, created_at
		FROM products WHERE id=$1
	`, id).Scan(
		&p.ID, &p.Name, &p.Description, &p.Category, &p.Kind, &p.PriceCents,
		&p.Stock, &p.ImageURL, &p.Sizes, &p.Active, &p.CreatedAt,
	)
	return p, err
}

// ListByCategory returns up to limit sellable products for the showroom
// carousel (the platform caps generic templates at 10 elements).
func (r *Repo) ListByCategory(ctx context.Context, cat Category, limit int) ([]Product, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, name, COALESCE(description, ''), category, kind, price_cents,
		       stock, COALESCE(image_url, ''), COALESCE(sizes, '{}'), active, created_at
		FROM products
		WHERE category=$1 AND active AND stock <> 'out_of_stock'
		ORDER BY name
		LIMIT $2
	`, cat, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(
			&p.ID, &p.Name, &p.Description, &p.Category, &p.Kind, &p.PriceCents,
			&p.Stock, &p.ImageURL, &p.Sizes, &p.Active, &p.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
