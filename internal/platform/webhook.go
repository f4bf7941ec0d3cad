package platform

import (
	"encoding/json"
	"net/url"
)

// WebhookPayload is the event-delivery body from the platform. One POST can
// carry several messaging events across several entries.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID        string           `json:"id"`
	Messaging []MessagingEvent `json:"messaging"`
}

type MessagingEvent struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Message  *Message        `json:"message,omitempty"`
	Postback *Postback       `json:"postback,omitempty"`
	Delivery json.RawMessage `json:"delivery,omitempty"`
	Read     json.RawMessage `json:"read,omitempty"`
}

type Message struct {
	Text   string `json:"text"`
	IsEcho bool   `json:"is_echo"`
}

type Postback struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// StatusUpdate reports whether the event is a delivery/read receipt rather
// than user input.
func (e MessagingEvent) StatusUpdate() bool {
	return e.Delivery != nil || e.Read != nil
}

// VerifyChallenge implements the subscription handshake: when the mode is
// "subscribe" and the token matches the configured secret, the challenge is
// echoed back verbatim.
func VerifyChallenge(q url.Values, verifyToken string) (string, bool) {
	if q.Get("hub.mode") != "subscribe" {
		return "", false
	}
	if verifyToken == "" || q.Get("hub.verify_token") != verifyToken {
		return "", false
	}
	return q.Get("hub.challenge"), true
}
