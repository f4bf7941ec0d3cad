package httpx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dumuapparels/igbot/internal/payments"
	"github.com/dumuapparels/igbot/internal/reconcile"
)

const maxCallbackBody = 1 << 20

// CallbackHandler is the reconciler's surface as this package sees it.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, p payments.Provider, req *http.Request, body []byte) error
}

// PaymentsHandler terminates provider callbacks. The status code is the
// contract: 2xx acknowledges the delivery, 4xx tells the provider the
// request itself is bad, 5xx asks it to retry later.
type PaymentsHandler struct {
	KopoKopo   payments.Provider
	PesaPal    payments.Provider
	Reconciler CallbackHandler
	Log        *slog.Logger
}

func (h *PaymentsHandler) Register(r *chi.Mux) {
	r.Post("/payments/kopokopo/callback", h.callback(h.KopoKopo))
	r.Get("/payments/pesapal/ipn", h.callback(h.PesaPal))
}

func (h *PaymentsHandler) callback(p payments.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body too large"})
			return
		}

		err = h.Reconciler.HandleCallback(r.Context(), p, r, body)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
		case errors.Is(err, reconcile.ErrBadCallback):
			h.Log.Warn("rejected callback", "provider", p.Name(), "err", err)
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid callback"})
		default:
			h.Log.Error("callback processing failed", "provider", p.Name(), "err", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "try again"})
		}
	}
}
