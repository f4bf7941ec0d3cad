package audit

import (
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/dumuapparels/igbot/internal/kafka"
)

// Publisher appends audit events to the write-only event stream. Nothing in
// this service consumes the stream; it exists for offline analysis and the
// conflict audit trail.
type Publisher interface {
	Publish(eventType, correlationID string, payload any)
}

type KafkaPublisher struct {
	Producer *kafkax.Producer
	Service  string
}

func (p *KafkaPublisher) Publish(eventType, correlationID string, payload any) {
	ev := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      p.Service,
		CorrelationID: correlationID,
		Payload:       kafkax.MustMarshal(payload),
	}
	p.Producer.Publish([]byte(correlationID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

// Nop discards events; used where audit wiring is optional (tests, sweeper).
type Nop struct{}

func (Nop) Publish(string, string, any) {}
