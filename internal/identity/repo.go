package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

type Repo struct{ DB *pgxpool.Pool }

// Resolve returns the user for an Instagram id, creating the row on first
// contact. The unique index on instagram_id is the source of truth for the
// duplicate-insert race: losing the race means the row exists, so re-fetch.
func (r *Repo) Resolve(ctx context.Context, instagramID string) (User, error) {
	u, err := r.byInstagramID(ctx, instagramID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return User{}, err
	}

	id := uuid.NewString()
	_, err = r.DB.Exec(ctx, `
		INSERT INTO users(id, instagram_id) VALUES ($1, $2)
	`, id, instagramID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return r.byInstagramID(ctx, instagramID)
		}
		return User{}, err
	}
	return r.byInstagramID(ctx, instagramID)
}

func (r *Repo) byInstagramID(ctx context.Context, instagramID string) (User, error) {
	return r.one(ctx, `WHERE instagram_id=$1`, instagramID)
}

func (r *Repo) ByID(ctx context.Context, id string) (User, error) {
	return r.one(ctx, `WHERE id=$1`, id)
}

func (r *Repo) one(ctx context.Context, where string, arg any) (User, error) {
	var u User
	err := r.DB.QueryRow(ctx, `
		SELECT id, instagram_id,
		       COALESCE(name, ''), COALESCE(phone_number, ''), COALESCE(location, ''),
		       COALESCE(pending_product_id, ''), COALESCE(pending_size, ''),
		       created_at
		FROM users `+where, arg).Scan(
		&u.ID, &u.InstagramID,
		&u.Name, &u.PhoneNumber, &u.Location,
		&u.PendingProductID, &u.PendingSize,
		&u.CreatedAt,
	)
	return u, err
}

func (r *Repo) SavePhone(ctx context.Context, userID, phone string) error {
	_, err := r.DB.Exec(ctx, `UPDATE users SET phone_number=$2 WHERE id=$1`, userID, phone)
	return err
}

func (r *Repo) SaveLocation(ctx context.Context, userID, location string) error {
	_, err := r.DB.Exec(ctx, `UPDATE users SET location=$2 WHERE id=$1`, userID, location)
	return err
}

func (r *Repo) SetPendingProduct(ctx context.Context, userID, productID, size string) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE users SET pending_product_id=$2, pending_size=$3 WHERE id=$1
	`, userID, productID, size)
	return err
}

func (r *Repo) ClearPendingProduct(ctx context.Context, userID string) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE users SET pending_product_id=NULL, pending_size=NULL WHERE id=$1
	`, userID)
	return err
}
