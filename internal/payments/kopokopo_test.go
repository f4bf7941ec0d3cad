package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func kopoServer(t *testing.T, tokenCalls *atomic.Int32, rejectFirstPayment bool) *httptest.Server {
	t.Helper()
	var paymentCalls atomic.Int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/token":
			tokenCalls.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "tok-" + time.Now().Format("150405.000"),
				"expires_in":   3600,
			})
		case "/api/v1/incoming_payments":
			if rejectFirstPayment && paymentCalls.Add(1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Location", "https://api.example/api/v1/incoming_payments/pay-123")
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func testLinkRequest() LinkRequest {
	return LinkRequest{
		OrderID:        "o1",
		IdempotencyKey: "order-o1",
		AmountCents:    250000,
		CustomerName:   "Wanjiku Kamau",
		CustomerEmail:  "instagram_1@dumuapparels.local",
		PhoneE164:      "+254712345678",
		Validity:       15 * time.Minute,
	}
}

func TestKopoKopoCreateLinkParsesLocation(t *testing.T) {
	var tokenCalls atomic.Int32
	srv := kopoServer(t, &tokenCalls, false)
	defer srv.Close()

	k := NewKopoKopo(srv.URL, "id", "secret", "K000000", "https://shop.example/cb", slog.Default())
	k.HTTP = srv.Client()

	link, err := k.CreateLink(context.Background(), testLinkRequest())
	if err != nil {
		t.Fatalf("create link: %v", err)
	}
	if link.ExternalRef != "pay-123" {
		t.Errorf("external ref: got %q", link.ExternalRef)
	}
	if link.URL != "" {
		t.Errorf("STK push must not carry a user-facing URL, got %q", link.URL)
	}
	if link.ExpiresAt.Before(time.Now().Add(14 * time.Minute)) {
		t.Errorf("expiry should reflect requested validity")
	}
}

func TestKopoKopoCachesToken(t *testing.T) {
	var tokenCalls atomic.Int32
	srv := kopoServer(t, &tokenCalls, false)
	defer srv.Close()

	k := NewKopoKopo(srv.URL, "id", "secret", "K000000", "https://shop.example/cb", slog.Default())
	k.HTTP = srv.Client()

	for i := 0; i < 3; i++ {
		if _, err := k.CreateLink(context.Background(), testLinkRequest()); err != nil {
			t.Fatalf("create link: %v", err)
		}
	}
	if got := tokenCalls.Load(); got != 1 {
		t.Errorf("token should be fetched once and cached, got %d fetches", got)
	}
}

func TestKopoKopoReauthenticatesOnceOn401(t *testing.T) {
	var tokenCalls atomic.Int32
	srv := kopoServer(t, &tokenCalls, true)
	defer srv.Close()

	k := NewKopoKopo(srv.URL, "id", "secret", "K000000", "https://shop.example/cb", slog.Default())
	k.HTTP = srv.Client()

	link, err := k.CreateLink(context.Background(), testLinkRequest())
	if err != nil {
		t.Fatalf("create link should succeed after one re-auth: %v", err)
	}
	if link.ExternalRef != "pay-123" {
		t.Errorf("external ref: got %q", link.ExternalRef)
	}
	if got := tokenCalls.Load(); got != 2 {
		t.Errorf("want exactly one forced re-auth (2 fetches), got %d", got)
	}
}

func TestKopoKopoAuthFailureSurfacesClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	k := NewKopoKopo(srv.URL, "id", "bad-secret", "K000000", "https://shop.example/cb", slog.Default())
	k.HTTP = srv.Client()

	_, err := k.CreateLink(context.Background(), testLinkRequest())
	if err == nil {
		t.Fatal("want error")
	}
	if Classify(err) != ClassAuth {
		t.Errorf("want auth class, got %s", Classify(err))
	}
}

func signKopo(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestKopoKopoParseCallback(t *testing.T) {
	k := NewKopoKopo("https://api.example", "id", "secret", "K000000", "https://shop.example/cb", slog.Default())

	body := []byte(`{"data":{"id":"pay-123","attributes":{"status":"Success"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/payments/kopokopo/callback", nil)
	req.Header.Set("X-KopoKopo-Signature", signKopo("secret", body))

	res, err := k.ParseCallback(context.Background(), req, body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.ExternalRef != "pay-123" || res.Status != CallbackSuccess {
		t.Errorf("got %+v", res)
	}
}

func TestKopoKopoParseCallbackStatuses(t *testing.T) {
	k := NewKopoKopo("https://api.example", "id", "secret", "K000000", "https://shop.example/cb", slog.Default())

	cases := []struct {
		status string
		want   CallbackStatus
	}{
		{"Received", CallbackSuccess},
		{"Failed", CallbackFailure},
		{"Pending", CallbackPending},
		{"something-new", CallbackPending},
	}
	for _, tc := range cases {
		body := []byte(`{"data":{"id":"pay-1","attributes":{"status":"` + tc.status + `"}}}`)
		req := httptest.NewRequest(http.MethodPost, "/payments/kopokopo/callback", nil)
		req.Header.Set("X-KopoKopo-Signature", signKopo("secret", body))

		res, err := k.ParseCallback(context.Background(), req, body)
		if err != nil {
			t.Fatalf("%s: %v", tc.status, err)
		}
		if res.Status != tc.want {
			t.Errorf("%s: got %s want %s", tc.status, res.Status, tc.want)
		}
	}
}

func TestKopoKopoParseCallbackRejectsBadSignature(t *testing.T) {
	k := NewKopoKopo("https://api.example", "id", "secret", "K000000", "https://shop.example/cb", slog.Default())

	body := []byte(`{"data":{"id":"pay-123","attributes":{"status":"Success"}}}`)

	req := httptest.NewRequest(http.MethodPost, "/payments/kopokopo/callback", nil)
	req.Header.Set("X-KopoKopo-Signature", signKopo("wrong-secret", body))
	if _, err := k.ParseCallback(context.Background(), req, body); err == nil {
		t.Error("want error for wrong signature")
	}

	req = httptest.NewRequest(http.MethodPost, "/payments/kopokopo/callback", nil)
	if _, err := k.ParseCallback(context.Background(), req, body); err == nil {
		t.Error("want error for missing signature")
	}
}
