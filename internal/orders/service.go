package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dumuapparels/igbot/internal/audit"
	"github.com/dumuapparels/igbot/internal/catalog"
	"github.com/dumuapparels/igbot/internal/identity"
	"github.com/dumuapparels/igbot/internal/payments"
)

var ErrProductUnavailable = errors.New("product not sellable")

// Store is what the state machine needs from persistence. *Repo implements
// it; tests substitute an in-memory fake.
type Store interface {
	Get(ctx context.Context, id string) (Order, error)
	ByExternalRef(ctx context.Context, ref string) (Order, error)
	CreateSuperseding(ctx context.Context, o Order) (superseded []string, err error)
	MarkLinkIssued(ctx context.Context, orderID, provider, externalRef string, expiresAt time.Time) error
	Transition(ctx context.Context, orderID string, from, to Status) error
	ExpireStale(ctx context.Context, now time.Time) ([]string, error)
	RecordConflict(ctx context.Context, orderID, externalRef string, orderStatus Status, callbackStatus string) error
}

// Service owns the order lifecycle. It is the single writer of order rows;
// every mutation goes through a conditional transition in the Store.
type Service struct {
	Store   Store
	Chain   *payments.Chain
	Audit   audit.Publisher
	Log     *slog.Logger
	LinkTTL time.Duration

	Now func() time.Time // overridable for tests
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// IdempotencyKey derives the provider idempotency key from the order id.
// Stable across retries, so a re-issued call for the same order can never
// create two external charges.
func IdempotencyKey(orderID string) string { return "order-" + orderID }

// Start opens a checkout for product+size, superseding any non-terminal
// order the user still has. The price is snapshotted into the order; later
// catalog changes do not touch it.
func (s *Service) Start(ctx context.Context, user identity.User, product catalog.Product, size string) (Order, error) {
	if !product.Sellable() {
		return Order{}, ErrProductUnavailable
	}

	o := Order{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		ProductID:   product.ID,
		Size:        size,
		AmountCents: product.PriceCents,
		Status:      StatusCreated,
		CreatedAt:   s.now(),
	}

	superseded, err := s.Store.CreateSuperseding(ctx, o)
	if err != nil {
		return Order{}, fmt.Errorf("create order: %w", err)
	}

	for _, id := range superseded {
		s.Log.Info("superseded stale order", "order_id", id, "user_id", user.ID)
		s.Audit.Publish(audit.EventOrderTransitioned, id, audit.OrderTransitionedPayload{
			OrderID: id, UserID: user.ID, To: string(StatusExpired),
		})
	}
	s.Audit.Publish(audit.EventOrderTransitioned, o.ID, audit.OrderTransitionedPayload{
		OrderID: o.ID, UserID: user.ID, To: string(StatusCreated), AmountCents: o.AmountCents,
	})
	return o, nil
}

// IssueLink asks the gateway for a payment link, preferring the provider
// the user picked, falling through the chain on unavailable/auth failures.
// On success the order moves to LINK_ISSUED with provider, reference and
// expiry recorded; if every provider fails it moves to FAILED and the
// classified error is returned so the caller can offer a manual retry.
func (s *Service) IssueLink(ctx context.Context, o Order, user identity.User, product catalog.Product, preferredProvider string) (Order, payments.Link, error) {
	chain := s.Chain
	if preferredProvider != "" {
		chain = chain.WithPreferred(preferredProvider)
	}

	req := payments.LinkRequest{
		OrderID:        o.ID,
		IdempotencyKey: IdempotencyKey(o.ID),
		AmountCents:    o.AmountCents,
		Description:    "Payment for " + product.Name,
		CustomerName:   user.Name,
		CustomerEmail:  fmt.Sprintf("instagram_%s@dumuapparels.local", user.InstagramID),
		PhoneE164:      user.PhoneNumber,
		Validity:       s.LinkTTL,
	}

	link, err := chain.CreateLink(ctx, req)
	if err != nil {
		s.Log.Error("link issuance failed on all providers", "order_id", o.ID, "err", err)
		if terr := s.Store.Transition(ctx, o.ID, StatusCreated, StatusFailed); terr != nil && !errors.Is(terr, ErrStaleOrder) {
			return o, payments.Link{}, terr
		}
		o.Status = StatusFailed
		s.Audit.Publish(audit.EventOrderTransitioned, o.ID, audit.OrderTransitionedPayload{
			OrderID: o.ID, UserID: o.UserID, From: string(StatusCreated), To: string(StatusFailed),
			AmountCents: o.AmountCents,
		})
		return o, payments.Link{}, err
	}

	if err := s.Store.MarkLinkIssued(ctx, o.ID, link.Provider, link.ExternalRef, link.ExpiresAt); err != nil {
		return o, payments.Link{}, err
	}
	o.Status = StatusLinkIssued
	o.Provider = link.Provider
	o.ExternalRef = link.ExternalRef
	o.ExpiresAt = link.ExpiresAt

	s.Log.Info("payment link issued",
		"order_id", o.ID, "provider", link.Provider, "external_ref", link.ExternalRef)
	s.Audit.Publish(audit.EventOrderTransitioned, o.ID, audit.OrderTransitionedPayload{
		OrderID: o.ID, UserID: o.UserID, From: string(StatusCreated), To: string(StatusLinkIssued),
		Provider: link.Provider, ExternalRef: link.ExternalRef, AmountCents: o.AmountCents,
	})
	return o, link, nil
}

// Reconcile applies a settled provider outcome. Valid only from
// LINK_ISSUED; any other current state surfaces as ErrStaleOrder for the
// reconciler to resolve.
func (s *Service) Reconcile(ctx context.Context, o Order, success bool) (Order, error) {
	to := StatusFailed
	if success {
		to = StatusPaid
	}
	if err := s.Store.Transition(ctx, o.ID, StatusLinkIssued, to); err != nil {
		return o, err
	}
	from := o.Status
	o.Status = to

	s.Log.Info("order reconciled", "order_id", o.ID, "status", to)
	s.Audit.Publish(audit.EventOrderTransitioned, o.ID, audit.OrderTransitionedPayload{
		OrderID: o.ID, UserID: o.UserID, From: string(from), To: string(to),
		Provider: o.Provider, ExternalRef: o.ExternalRef, AmountCents: o.AmountCents,
	})
	return o, nil
}

// ExpireStale sweeps LINK_ISSUED orders whose expiry has passed. Invoked
// periodically by the sweeper process.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	ids, err := s.Store.ExpireStale(ctx, s.now())
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.Log.Info("expired stale payment link", "order_id", id)
		s.Audit.Publish(audit.EventOrderTransitioned, id, audit.OrderTransitionedPayload{
			OrderID: id, From: string(StatusLinkIssued), To: string(StatusExpired),
		})
	}
	return len(ids), nil
}
