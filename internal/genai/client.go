// Package genai is the generative fallback responder. It is only consulted
// when no deterministic handler matches, and always under a caller-supplied
// deadline; the router degrades to the main menu when it fails.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const persona = "You are the friendly shop assistant for Dumu Apparels, a Kenyan " +
	"online fashion brand selling shoes and clothing for men and women. Answer " +
	"briefly and warmly. Prices are in KES. If the customer wants to browse or " +
	"buy, tell them to tap the menu buttons."

type Turn struct {
	Sender  string // "user" | "bot"
	Message string
}

type Client struct {
	BaseURL string
	APIKey  string
	Model   string
	HTTP    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   "gpt-4o-mini",
		HTTP:    &http.Client{Timeout: 20 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete produces a reply to free text, given the recent conversation as
// context. The ctx deadline is the hard budget; the router treats any error
// here as FallbackUnavailable.
func (c *Client) Complete(ctx context.Context, history []Turn, text string) (string, error) {
	msgs := []chatMessage{{Role: "system", Content: persona}}
	for _, t := range history {
		role := "user"
		if t.Sender == "bot" {
			role = "assistant"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: t.Message})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: text})

	body := map[string]any{
		"model":    c.Model,
		"messages": msgs,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("completion: status %d: %s", resp.StatusCode, msg)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("completion: empty response")
	}
	return out.Choices[0].Message.Content, nil
}
