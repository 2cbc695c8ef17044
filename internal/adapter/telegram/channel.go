// Package telegram implements a delivery.Channel backed by the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/Strob0t/ReplyForge/internal/port/delivery"
)

const channelKind = "telegram"

// sender is the subset of *bot.Bot the channel uses.
type sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// Channel sends replies as Telegram messages. RecipientID is the chat ID.
type Channel struct {
	client sender
}

// NewChannel creates a Telegram channel for the given bot token. serverURL
// overrides the Bot API endpoint when non-empty.
func NewChannel(token, serverURL string) (*Channel, error) {
	if token == "" {
		return nil, delivery.ErrNotConfigured
	}
	opts := []bot.Option{bot.WithSkipGetMe()}
	if serverURL != "" {
		opts = append(opts, bot.WithServerURL(serverURL))
	}
	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Channel{client: b}, nil
}

func (c *Channel) Kind() string { return channelKind }

// Send delivers msg.Text to the chat identified by msg.RecipientID.
func (c *Channel) Send(ctx context.Context, msg delivery.Message) error {
	if msg.RecipientID == "" {
		return fmt.Errorf("telegram: recipient is required")
	}
	params := &bot.SendMessageParams{
		ChatID: chatID(msg.RecipientID),
		Text:   msg.Text,
	}
	if id, err := strconv.Atoi(msg.ReplyTo); err == nil {
		params.ReplyParameters = &models.ReplyParameters{MessageID: id}
	}
	if _, err := c.client.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// chatID returns numeric chat IDs as int64 and leaves @usernames as strings.
func chatID(recipient string) any {
	if id, err := strconv.ParseInt(recipient, 10, 64); err == nil {
		return id
	}
	return recipient
}
