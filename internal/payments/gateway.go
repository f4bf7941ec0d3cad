// Package payments abstracts the payment backends behind one operation set:
// authenticate, create a payment link, parse a status callback. Providers
// differ in auth handshake and callback shape; callers only see this surface.
package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Class buckets a provider failure into the retry decision it implies.
type Class int

const (
	// ClassAuth: bad or stale credentials. The provider client re-authenticates
	// and retries once before surfacing this.
	ClassAuth Class = iota
	// ClassUnavailable: network error or 5xx. Triggers provider fallback.
	// Also the bucket for anything unclassifiable.
	ClassUnavailable
	// ClassRejected: the request itself is bad (amount, currency). Never retried.
	ClassRejected
)

func (c Class) String() string {
	switch c {
	case ClassAuth:
		return "auth_error"
	case ClassRejected:
		return "request_rejected"
	default:
		return "provider_unavailable"
	}
}

// Error is a classified provider failure.
type Error struct {
	Provider string
	Class    Class
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify extracts the class from a provider error. An error that did not
// come through a provider client counts as unavailable, never as rejected.
func Classify(err error) Class {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassUnavailable
}

func classifyStatus(code int) Class {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ClassAuth
	case code >= 400 && code < 500:
		return ClassRejected
	default:
		return ClassUnavailable
	}
}

// LinkRequest carries everything a provider needs to issue a payment link.
// IdempotencyKey is derived from the order id by the caller, so a retried
// call for the same order never creates a second external charge.
type LinkRequest struct {
	OrderID        string
	IdempotencyKey string
	AmountCents    int64 // KES minor units
	Description    string
	CustomerName   string
	CustomerEmail  string
	PhoneE164      string
	Validity       time.Duration
}

// Link is the provider's answer: its reference for the transaction, an
// optional URL (push-based flows like STK have none), and when it lapses.
type Link struct {
	Provider    string
	ExternalRef string
	URL         string
	ExpiresAt   time.Time
}

type CallbackStatus string

const (
	CallbackSuccess CallbackStatus = "success"
	CallbackFailure CallbackStatus = "failure"
	// CallbackPending: the provider notified us but the transaction has not
	// settled yet. Acknowledged, no transition.
	CallbackPending CallbackStatus = "pending"
)

type CallbackResult struct {
	ExternalRef string
	Status      CallbackStatus
}

// Provider is implemented once per concrete backend.
type Provider interface {
	Name() string
	Authenticate(ctx context.Context) error
	CreateLink(ctx context.Context, req LinkRequest) (Link, error)
	// ParseCallback verifies the raw callback per the provider's signing
	// scheme and extracts the external reference and settled status. A
	// verification failure is an error; the caller must not acknowledge it.
	ParseCallback(ctx context.Context, r *http.Request, body []byte) (CallbackResult, error)
}
