// Package platform talks to the Instagram messaging API: outbound sends
// (text, button templates, generic carousels) and inbound webhook payloads.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

type Client struct {
	BaseURL     string // https://graph.facebook.com/v18.0
	AccessToken string
	HTTP        *http.Client
	Log         *slog.Logger
}

func NewClient(accessToken string, log *slog.Logger) *Client {
	return &Client{
		BaseURL:     "https://graph.facebook.com/v18.0",
		AccessToken: accessToken,
		HTTP:        &http.Client{Timeout: 10 * time.Second},
		Log:         log,
	}
}

type Button struct {
	Type    string `json:"type"` // "postback" | "web_url"
	Title   string `json:"title"`
	Payload string `json:"payload,omitempty"`
	URL     string `json:"url,omitempty"`
}

type CarouselElement struct {
	Title    string   `json:"title"`
	Subtitle string   `json:"subtitle,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
	Buttons  []Button `json:"buttons"`
}

func (c *Client) SendText(ctx context.Context, recipientID, text string) error {
	return c.send(ctx, map[string]any{
		"recipient": map[string]string{"id": recipientID},
		"message":   map[string]string{"text": text},
	})
}

func (c *Client) SendButtons(ctx context.Context, recipientID, text string, buttons []Button) error {
	return c.send(ctx, map[string]any{
		"recipient": map[string]string{"id": recipientID},
		"message": map[string]any{
			"attachment": map[string]any{
				"type": "template",
				"payload": map[string]any{
					"template_type": "button",
					"text":          text,
					"buttons":       buttons,
				},
			},
		},
	})
}

func (c *Client) SendCarousel(ctx context.Context, recipientID string, elements []CarouselElement) error {
	return c.send(ctx, map[string]any{
		"recipient": map[string]string{"id": recipientID},
		"message": map[string]any{
			"attachment": map[string]any{
				"type": "template",
				"payload": map[string]any{
					"template_type": "generic",
					"elements":      elements,
				},
			},
		},
	})
}

// send posts to the messages edge with a bounded backoff retry on network
// errors and 5xx. 4xx is not retried; the platform will not change its mind.
func (c *Client) send(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/me/messages?access_token=%s", c.BaseURL, c.AccessToken)

	backoff := retry.WithMaxRetries(2, retry.NewExponential(300*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			return nil
		}
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err = fmt.Errorf("send message: status %d: %s", resp.StatusCode, msg)
		if resp.StatusCode >= 500 {
			return retry.RetryableError(err)
		}
		return err
	})
}
