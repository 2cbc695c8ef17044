// Package delivery defines the outbound channel that sends replies to end users.
package delivery

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned when a channel is not properly configured.
var ErrNotConfigured = errors.New("delivery: not configured")

// Message is an outbound reply.
type Message struct {
	BotID       string `json:"bot_id"`
	RoutingKey  string `json:"routing_key"`
	RecipientID string `json:"recipient_id"`
	Text        string `json:"text"`
	ReplyTo     string `json:"reply_to,omitempty"`
}

// Channel sends a reply to an end user's messaging address. Send either
// succeeds or returns an error; there is no partial delivery.
type Channel interface {
	// Kind returns the channel identifier (e.g. "evolution", "telegram").
	Kind() string

	// Send delivers one message.
	Send(ctx context.Context, msg Message) error
}
