package audit

import (
	"encoding/json"
	"time"
)

const Topic = "funnel.audit"

const (
	EventConversationMessage    = "ConversationMessage"
	EventOrderTransitioned      = "OrderTransitioned"
	EventReconciliationConflict = "ReconciliationConflict"
	EventRoutingMiss            = "RoutingMiss"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"` // usually order_id or user_id
	Payload       json.RawMessage `json:"payload"`
}

type ConversationMessagePayload struct {
	UserID  string `json:"user_id"`
	Sender  string `json:"sender"` // "user" | "bot"
	Message string `json:"message"`
}

type OrderTransitionedPayload struct {
	OrderID     string `json:"order_id"`
	UserID      string `json:"user_id"`
	From        string `json:"from"`
	To          string `json:"to"`
	Provider    string `json:"provider,omitempty"`
	ExternalRef string `json:"external_ref,omitempty"`
	AmountCents int64  `json:"amount_cents"`
}

type ReconciliationConflictPayload struct {
	OrderID        string `json:"order_id"`
	ExternalRef    string `json:"external_ref"`
	OrderStatus    string `json:"order_status"`
	CallbackStatus string `json:"callback_status"`
}

type RoutingMissPayload struct {
	UserID  string `json:"user_id"`
	Payload string `json:"payload"`
}
