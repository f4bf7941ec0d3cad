package orders

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("order not found")

	// ErrStaleOrder: a transition was attempted against an order whose
	// current state no longer matches the precondition. Signals a race or a
	// duplicate delivery; the row is untouched.
	ErrStaleOrder = errors.New("order state does not match transition precondition")
)

type Repo struct{ DB *pgxpool.Pool }

const orderColumns = `id, user_id, product_id, size, amount_cents, status,
       COALESCE(provider, ''), COALESCE(external_ref, ''),
       created_at, COALESCE(expires_at, 'epoch'::timestamptz)`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.UserID, &o.ProductID, &o.Size, &o.AmountCents, &o.Status,
		&o.Provider, &o.ExternalRef,
		&o.CreatedAt, &o.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	return o, err
}

func (r *Repo) Get(ctx context.Context, id string) (Order, error) {
	return scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
}

func (r *Repo) ByExternalRef(ctx context.Context, ref string) (Order, error) {
	return scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE external_ref=$1`, ref))
}

// CreateSuperseding inserts a new CREATED order after expiring any
// non-terminal order the user still has, in one transaction. Whatever
// happens concurrently, at most one non-terminal order per user survives.
// Returns the ids of the superseded orders.
func (r *Repo) CreateSuperseding(ctx context.Context, o Order) ([]string, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize starts per user. With no prior open order the supersede
	// UPDATE below matches zero rows and takes no lock, so without this two
	// concurrent starts would both insert. The user row is the lock.
	if _, err := tx.Exec(ctx, `SELECT id FROM users WHERE id=$1 FOR UPDATE`, o.UserID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
		UPDATE orders SET status=$2
		WHERE user_id=$1 AND status IN ($3, $4)
		RETURNING id
	`, o.UserID, StatusExpired, StatusCreated, StatusLinkIssued)
	if err != nil {
		return nil, err
	}
	var superseded []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		superseded = append(superseded, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, user_id, product_id, size, amount_cents, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, o.ID, o.UserID, o.ProductID, o.Size, o.AmountCents, StatusCreated, o.CreatedAt)
	if err != nil {
		return nil, err
	}

	return superseded, tx.Commit(ctx)
}

// MarkLinkIssued records the issued link. Guarded on CREATED so a retried
// or raced call cannot clobber a later state.
func (r *Repo) MarkLinkIssued(ctx context.Context, orderID, provider, externalRef string, expiresAt time.Time) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET status=$2, provider=$3, external_ref=$4, expires_at=$5
		WHERE id=$1 AND status=$6
	`, orderID, StatusLinkIssued, provider, externalRef, expiresAt, StatusCreated)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrStaleOrder
	}
	return nil
}

// Transition is a conditional update keyed on the current state. It fails
// with ErrStaleOrder instead of corrupting when the precondition is gone.
func (r *Repo) Transition(ctx context.Context, orderID string, from, to Status) error {
	if !CanTransition(from, to) {
		return ErrStaleOrder
	}
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET status=$2 WHERE id=$1 AND status=$3
	`, orderID, to, from)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrStaleOrder
	}
	return nil
}

// ExpireStale moves every LINK_ISSUED order past its expiry to EXPIRED and
// returns their ids. The only transition not driven by a direct caller.
func (r *Repo) ExpireStale(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.DB.Query(ctx, `
		UPDATE orders SET status=$1
		WHERE status=$2 AND expires_at <= $3
		RETURNING id
	`, StatusExpired, StatusLinkIssued, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordConflict appends a reconciliation conflict to the audit table. The
// order row itself is never touched: the existing terminal state wins.
func (r *Repo) RecordConflict(ctx context.Context, orderID, externalRef string, orderStatus Status, callbackStatus string) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO reconciliation_conflicts(order_id, external_ref, order_status, callback_status, created_at)
		VALUES ($1, $2, $3, $4, now())
	`, orderID, externalRef, orderStatus, callbackStatus)
	return err
}
