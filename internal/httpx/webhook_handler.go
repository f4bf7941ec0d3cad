package httpx

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dumuapparels/igbot/internal/platform"
)

const maxWebhookBody = 1 << 20

// EventHandler is the chat router's surface as this package sees it.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev platform.MessagingEvent) error
}

// WebhookHandler terminates the Instagram webhook: the GET subscription
// handshake and POST event deliveries. Deliveries are acked immediately and
// processed off the request, so a slow provider or model call can never make
// the platform mark us unhealthy and pause deliveries.
type WebhookHandler struct {
	VerifyToken string
	Router      EventHandler
	Log         *slog.Logger

	// EventTimeout bounds one event's background processing.
	EventTimeout time.Duration

	events sync.WaitGroup
}

func (h *WebhookHandler) Register(r *chi.Mux) {
	r.Get("/webhook", h.verify)
	r.Post("/webhook", h.receive)
}

func (h *WebhookHandler) verify(w http.ResponseWriter, r *http.Request) {
	challenge, ok := platform.VerifyChallenge(r.URL.Query(), h.VerifyToken)
	if !ok {
		h.Log.Warn("webhook verification rejected", "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

func (h *WebhookHandler) receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body too large"})
		return
	}

	var payload platform.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	// Ack first. Routing failures are ours to log and recover from; they are
	// never the platform's cue to redeliver.
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("EVENT_RECEIVED"))

	timeout := h.EventTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	for _, entry := range payload.Entry {
		for _, ev := range entry.Messaging {
			h.events.Add(1)
			go func(ev platform.MessagingEvent) {
				defer h.events.Done()
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()
				if err := h.Router.HandleEvent(ctx, ev); err != nil {
					h.Log.Error("event handling failed", "sender", ev.Sender.ID, "err", err)
				}
			}(ev)
		}
	}
}

// Drain blocks until all in-flight event goroutines finish. Called during
// shutdown after the listener stops accepting, before shared sinks close.
func (h *WebhookHandler) Drain() { h.events.Wait() }
