// Package reconcile is the idempotent entry point for asynchronous payment
// provider callbacks. Providers deliver at least once and retry on non-2xx,
// so every authentic delivery must be acknowledged and the state transition
// must happen exactly once regardless of duplicates or arrival order.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dumuapparels/igbot/internal/audit"
	"github.com/dumuapparels/igbot/internal/orders"
	"github.com/dumuapparels/igbot/internal/payments"
)

// ErrBadCallback marks a delivery that failed verification or could not be
// parsed. The transport maps it to a 4xx; everything else is a 5xx so the
// provider retries.
var ErrBadCallback = errors.New("bad callback")

// Deduper short-circuits repeat deliveries. Fast path only: the conditional
// order transition is what actually guarantees exactly-once.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// Notifier tells the user how their payment ended. Failures to notify never
// fail the callback; the provider must still get its acknowledgment.
type Notifier interface {
	PaymentResolved(ctx context.Context, o orders.Order, success bool)
}

type Reconciler struct {
	Orders   *orders.Service
	Store    orders.Store
	Dedup    Deduper
	Notifier Notifier
	Audit    audit.Publisher
	Log      *slog.Logger
}

// HandleCallback processes one raw provider callback. A non-nil error means
// the delivery must NOT be acknowledged (failed verification, or a
// transient internal fault worth a provider retry). nil means ack.
func (r *Reconciler) HandleCallback(ctx context.Context, p payments.Provider, req *http.Request, body []byte) error {
	res, err := p.ParseCallback(ctx, req, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadCallback, err)
	}

	if res.Status == payments.CallbackPending {
		r.Log.Info("callback still pending, no transition",
			"provider", p.Name(), "external_ref", res.ExternalRef)
		return nil
	}
	success := res.Status == payments.CallbackSuccess

	dedupKey := fmt.Sprintf("%s:%s:%s", p.Name(), res.ExternalRef, res.Status)
	if seen, _ := r.Dedup.Seen(ctx, dedupKey); seen {
		return nil
	}

	o, err := r.Store.ByExternalRef(ctx, res.ExternalRef)
	if errors.Is(err, orders.ErrNotFound) {
		// Stale or test reference on the provider side. Acknowledge so it
		// stops retrying; nothing here to reconcile.
		r.Log.Warn("callback for unknown external ref",
			"provider", p.Name(), "external_ref", res.ExternalRef)
		_ = r.Dedup.Mark(ctx, dedupKey)
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup order by external ref: %w", err)
	}

	switch {
	case o.Status == orders.StatusLinkIssued:
		o, err = r.Orders.Reconcile(ctx, o, success)
		if errors.Is(err, orders.ErrStaleOrder) {
			// Lost a race against a concurrent delivery or the expiry
			// sweep. Re-read and fall through to the terminal handling.
			if o, err = r.Store.Get(ctx, o.ID); err != nil {
				return err
			}
			if !o.Status.Terminal() {
				// Raced but still not settled. Ack without marking the
				// dedup key so a redelivery can retry the transition.
				r.Log.Warn("transition raced, order not terminal on re-read",
					"order_id", o.ID, "status", o.Status)
				return nil
			}
			r.resolveTerminal(ctx, o, res)
		} else if err != nil {
			return err
		} else if r.Notifier != nil {
			r.Notifier.PaymentResolved(ctx, o, success)
		}

	case o.Status.Terminal():
		r.resolveTerminal(ctx, o, res)

	default:
		// CREATED: the link was never confirmed issued, so there is nothing
		// to transition. Accepted idempotently.
		r.Log.Warn("callback for order without issued link",
			"order_id", o.ID, "status", o.Status, "external_ref", res.ExternalRef)
	}

	_ = r.Dedup.Mark(ctx, dedupKey)
	return nil
}

// resolveTerminal handles a callback against an already-terminal order. A
// matching outcome is just a duplicate delivery; a mismatch is a
// reconciliation conflict, recorded for audit and never surfaced to the
// user — the existing terminal state wins.
func (r *Reconciler) resolveTerminal(ctx context.Context, o orders.Order, res payments.CallbackResult) {
	asserted := orders.StatusFailed
	if res.Status == payments.CallbackSuccess {
		asserted = orders.StatusPaid
	}
	if o.Status == asserted {
		r.Log.Info("duplicate callback for settled order", "order_id", o.ID, "status", o.Status)
		return
	}

	r.Log.Warn("reconciliation conflict: terminal state mismatch",
		"order_id", o.ID, "order_status", o.Status, "callback_status", res.Status)
	if err := r.Store.RecordConflict(ctx, o.ID, res.ExternalRef, o.Status, string(res.Status)); err != nil {
		r.Log.Error("record reconciliation conflict", "order_id", o.ID, "err", err)
	}
	r.Audit.Publish(audit.EventReconciliationConflict, o.ID, audit.ReconciliationConflictPayload{
		OrderID:        o.ID,
		ExternalRef:    res.ExternalRef,
		OrderStatus:    string(o.Status),
		CallbackStatus: string(res.Status),
	})
}
