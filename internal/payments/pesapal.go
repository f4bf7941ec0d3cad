package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// PesaPal is the secondary backend: card payments over the PesaPal v3 API.
// Auth is a signed RequestToken call; the callback is a GET IPN that only
// carries a tracking id, so the settled status has to be confirmed with a
// follow-up GetTransactionStatus call.
type PesaPal struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	CallbackURL    string
	HTTP           *http.Client
	Log            *slog.Logger

	tokens *tokenCache
}

func NewPesaPal(baseURL, consumerKey, consumerSecret, callbackURL string, log *slog.Logger) *PesaPal {
	p := &PesaPal{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		ConsumerKey:    consumerKey,
		ConsumerSecret: consumerSecret,
		CallbackURL:    callbackURL,
		HTTP:           &http.Client{Timeout: 30 * time.Second},
		Log:            log,
	}
	p.tokens = &tokenCache{fetch: p.fetchToken}
	return p
}

func (p *PesaPal) Name() string { return "pesapal" }

func (p *PesaPal) Authenticate(ctx context.Context) error {
	_, err := p.tokens.get(ctx, false)
	return err
}

func (p *PesaPal) fetchToken(ctx context.Context) (string, time.Duration, error) {
	body := map[string]string{
		"consumer_key":    p.ConsumerKey,
		"consumer_secret": p.ConsumerSecret,
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.BaseURL+"/api/Auth/RequestToken", bytes.NewReader(mustJSON(body)))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return "", 0, &Error{Provider: p.Name(), Class: ClassUnavailable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, &Error{
			Provider: p.Name(),
			Class:    classifyStatus(resp.StatusCode),
			Err:      fmt.Errorf("request token: status %d", resp.StatusCode),
		}
	}

	var out struct {
		Token string `json:"token"`
		Error *struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, &Error{Provider: p.Name(), Class: ClassUnavailable, Err: err}
	}
	if out.Token == "" {
		code := "missing token"
		if out.Error != nil {
			code = out.Error.Code
		}
		return "", 0, &Error{Provider: p.Name(), Class: ClassAuth, Err: fmt.Errorf("request token: %s", code)}
	}
	// PesaPal tokens are valid for 5 minutes.
	return out.Token, 5 * time.Minute, nil
}

// CreateLink submits an order request. The merchant id sent to PesaPal is
// the caller's idempotency key, so a retried submission for the same order
// resolves to the same transaction on their side.
func (p *PesaPal) CreateLink(ctx context.Context, req LinkRequest) (Link, error) {
	link, err := p.createLink(ctx, req, false)
	if err != nil && Classify(err) == ClassAuth {
		link, err = p.createLink(ctx, req, true)
	}
	return link, err
}

func (p *PesaPal) createLink(ctx context.Context, req LinkRequest, forceAuth bool) (Link, error) {
	tok, err := p.tokens.get(ctx, forceAuth)
	if err != nil {
		return Link{}, err
	}

	first, last := splitName(req.CustomerName)
	body := map[string]any{
		"id":           req.IdempotencyKey,
		"currency":     "KES",
		"amount":       float64(req.AmountCents) / 100,
		"description":  req.Description,
		"callback_url": p.CallbackURL,
		"billing_address": map[string]string{
			"email_address": req.CustomerEmail,
			"phone_number":  req.PhoneE164,
			"country_code":  "KE",
			"first_name":    first,
			"last_name":     last,
		},
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.BaseURL+"/api/Transactions/SubmitOrderRequest", bytes.NewReader(mustJSON(body)))
	if err != nil {
		return Link{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+tok)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.HTTP.Do(httpReq)
	if err != nil {
		return Link{}, &Error{Provider: p.Name(), Class: ClassUnavailable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Link{}, &Error{
			Provider: p.Name(),
			Class:    classifyStatus(resp.StatusCode),
			Err:      fmt.Errorf("submit order: status %d: %s", resp.StatusCode, msg),
		}
	}

	var out struct {
		OrderTrackingID string `json:"order_tracking_id"`
		RedirectURL     string `json:"redirect_url"`
		Error           *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Link{}, &Error{Provider: p.Name(), Class: ClassUnavailable, Err: err}
	}
	// PesaPal reports some rejections inside a 200 body.
	if out.Error != nil && out.Error.Code != "" {
		return Link{}, &Error{
			Provider: p.Name(),
			Class:    ClassRejected,
			Err:      fmt.Errorf("submit order: %s: %s", out.Error.Code, out.Error.Message),
		}
	}
	if out.OrderTrackingID == "" || out.RedirectURL == "" {
		return Link{}, &Error{Provider: p.Name(), Class: ClassUnavailable,
			Err: fmt.Errorf("submit order: incomplete response")}
	}

	return Link{
		Provider:    p.Name(),
		ExternalRef: out.OrderTrackingID,
		URL:         out.RedirectURL,
		ExpiresAt:   time.Now().Add(req.Validity),
	}, nil
}

// ParseCallback handles the GET IPN. Authenticity comes from confirming the
// tracking id against PesaPal's own status API rather than trusting the
// query string: a forged IPN can only make us ask PesaPal about a
// transaction, never assert an outcome.
func (p *PesaPal) ParseCallback(ctx context.Context, r *http.Request, _ []byte) (CallbackResult, error) {
	trackingID := r.URL.Query().Get("OrderTrackingId")
	if trackingID == "" {
		return CallbackResult{}, fmt.Errorf("pesapal: ipn missing OrderTrackingId")
	}

	tok, err := p.tokens.get(ctx, false)
	if err != nil {
		return CallbackResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.BaseURL+"/api/Transactions/GetTransactionStatus?orderTrackingId="+trackingID, nil)
	if err != nil {
		return CallbackResult{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+tok)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.HTTP.Do(httpReq)
	if err != nil {
		return CallbackResult{}, &Error{Provider: p.Name(), Class: ClassUnavailable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return CallbackResult{}, &Error{
			Provider: p.Name(),
			Class:    classifyStatus(resp.StatusCode),
			Err:      fmt.Errorf("transaction status: status %d", resp.StatusCode),
		}
	}

	var out struct {
		StatusDescription string `json:"payment_status_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return CallbackResult{}, &Error{Provider: p.Name(), Class: ClassUnavailable, Err: err}
	}

	res := CallbackResult{ExternalRef: trackingID}
	switch strings.ToUpper(out.StatusDescription) {
	case "COMPLETED":
		res.Status = CallbackSuccess
	case "FAILED", "CANCELLED", "REJECTED", "INVALID":
		res.Status = CallbackFailure
	default:
		res.Status = CallbackPending
	}
	return res, nil
}
