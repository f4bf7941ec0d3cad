package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"
)

// KopoKopo is the primary backend: M-PESA STK push over the Kopo Kopo v1
// API. Auth is an OAuth client-credentials token exchange; callbacks are
// HMAC-SHA256 signed with the client secret.
type KopoKopo struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	TillNumber   string
	CallbackURL  string
	HTTP         *http.Client
	Log          *slog.Logger

	tokens *tokenCache
}

func NewKopoKopo(baseURL, clientID, clientSecret, tillNumber, callbackURL string, log *slog.Logger) *KopoKopo {
	k := &KopoKopo{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TillNumber:   tillNumber,
		CallbackURL:  callbackURL,
		HTTP:         &http.Client{Timeout: 30 * time.Second},
		Log:          log,
	}
	k.tokens = &tokenCache{fetch: k.fetchToken}
	return k
}

func (k *KopoKopo) Name() string { return "kopokopo" }

func (k *KopoKopo) Authenticate(ctx context.Context) error {
	_, err := k.tokens.get(ctx, false)
	return err
}

func (k *KopoKopo) fetchToken(ctx context.Context) (string, time.Duration, error) {
	body := map[string]string{
		"client_id":     k.ClientID,
		"client_secret": k.ClientSecret,
		"grant_type":    "client_credentials",
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		k.BaseURL+"/oauth/token", bytes.NewReader(mustJSON(body)))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := k.HTTP.Do(req)
	if err != nil {
		return "", 0, &Error{Provider: k.Name(), Class: ClassUnavailable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, &Error{
			Provider: k.Name(),
			Class:    classifyStatus(resp.StatusCode),
			Err:      fmt.Errorf("oauth token: status %d", resp.StatusCode),
		}
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, &Error{Provider: k.Name(), Class: ClassUnavailable, Err: err}
	}
	if out.AccessToken == "" {
		return "", 0, &Error{Provider: k.Name(), Class: ClassAuth, Err: fmt.Errorf("oauth response missing access_token")}
	}
	ttl := time.Duration(out.ExpiresIn) * time.Second
	if out.ExpiresIn == 0 {
		ttl = time.Hour
	}
	return out.AccessToken, ttl, nil
}

// CreateLink initiates an STK push. Kopo Kopo answers 201 with an empty body
// and a Location header carrying the payment resource; that resource id is
// the external reference callbacks will carry. There is no URL for the user
// to open, the prompt lands on their phone.
func (k *KopoKopo) CreateLink(ctx context.Context, req LinkRequest) (Link, error) {
	link, err := k.createLink(ctx, req, false)
	if err != nil && Classify(err) == ClassAuth {
		// Stale cached credential: re-authenticate exactly once, then fail.
		link, err = k.createLink(ctx, req, true)
	}
	return link, err
}

func (k *KopoKopo) createLink(ctx context.Context, req LinkRequest, forceAuth bool) (Link, error) {
	tok, err := k.tokens.get(ctx, forceAuth)
	if err != nil {
		return Link{}, err
	}

	first, last := splitName(req.CustomerName)
	body := map[string]any{
		"payment_channel": "M-PESA STK Push",
		"till_number":     k.TillNumber,
		"subscriber": map[string]string{
			"first_name":   first,
			"last_name":    last,
			"phone_number": req.PhoneE164,
			"email":        req.CustomerEmail,
		},
		"amount": map[string]any{
			"currency": "KES",
			"value":    float64(req.AmountCents) / 100,
		},
		"metadata": map[string]string{
			"reference": req.IdempotencyKey,
		},
		"_links": map[string]string{
			"callback_url": k.CallbackURL,
		},
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		k.BaseURL+"/api/v1/incoming_payments", bytes.NewReader(mustJSON(body)))
	if err != nil {
		return Link{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+tok)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := k.HTTP.Do(httpReq)
	if err != nil {
		return Link{}, &Error{Provider: k.Name(), Class: ClassUnavailable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Link{}, &Error{
			Provider: k.Name(),
			Class:    classifyStatus(resp.StatusCode),
			Err:      fmt.Errorf("incoming_payments: status %d: %s", resp.StatusCode, msg),
		}
	}

	loc := resp.Header.Get("Location")
	if loc == "" {
		return Link{}, &Error{Provider: k.Name(), Class: ClassUnavailable,
			Err: fmt.Errorf("incoming_payments: missing Location header")}
	}

	return Link{
		Provider:    k.Name(),
		ExternalRef: path.Base(loc),
		ExpiresAt:   time.Now().Add(req.Validity),
	}, nil
}

// ParseCallback checks the X-KopoKopo-Signature header (HMAC-SHA256 of the
// raw body with the client secret) and extracts the payment id and status.
func (k *KopoKopo) ParseCallback(_ context.Context, r *http.Request, body []byte) (CallbackResult, error) {
	sig := r.Header.Get("X-KopoKopo-Signature")
	mac := hmac.New(sha256.New, []byte(k.ClientSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if sig == "" || !hmac.Equal([]byte(strings.ToLower(sig)), []byte(want)) {
		return CallbackResult{}, fmt.Errorf("kopokopo: invalid callback signature")
	}

	var payload struct {
		Data struct {
			ID         string `json:"id"`
			Attributes struct {
				Status string `json:"status"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return CallbackResult{}, fmt.Errorf("kopokopo: decode callback: %w", err)
	}
	if payload.Data.ID == "" {
		return CallbackResult{}, fmt.Errorf("kopokopo: callback missing payment id")
	}

	res := CallbackResult{ExternalRef: payload.Data.ID}
	switch strings.ToLower(payload.Data.Attributes.Status) {
	case "success", "received":
		res.Status = CallbackSuccess
	case "failed":
		res.Status = CallbackFailure
	default:
		res.Status = CallbackPending
	}
	return res, nil
}

func splitName(full string) (first, last string) {
	parts := strings.Fields(full)
	switch {
	case len(parts) == 0:
		return "Instagram", "Customer"
	case len(parts) == 1:
		return parts[0], "Customer"
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
