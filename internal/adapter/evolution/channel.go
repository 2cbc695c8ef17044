// Package evolution implements a delivery.Channel for WhatsApp through an
// Evolution-style gateway: POST {base}/message/sendText/{instance}.
package evolution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Strob0t/ReplyForge/internal/port/delivery"
)

const channelKind = "evolution"

// Channel sends text replies through the gateway. The bot's routing key is the
// gateway instance name.
type Channel struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewChannel creates an Evolution channel.
func NewChannel(baseURL, apiKey string) *Channel {
	return &Channel{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

func (c *Channel) Kind() string { return channelKind }

type sendTextRequest struct {
	Number string       `json:"number"`
	Text   string       `json:"text"`
	Quoted *quotedReply `json:"quoted,omitempty"`
}

type quotedReply struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
}

// Send posts one text message. Any non-2xx status is a failed delivery.
func (c *Channel) Send(ctx context.Context, msg delivery.Message) error {
	if c.baseURL == "" {
		return delivery.ErrNotConfigured
	}
	if msg.RoutingKey == "" || msg.RecipientID == "" {
		return fmt.Errorf("evolution: routing key and recipient are required")
	}

	payload := sendTextRequest{Number: msg.RecipientID, Text: msg.Text}
	if msg.ReplyTo != "" {
		payload.Quoted = &quotedReply{}
		payload.Quoted.Key.ID = msg.ReplyTo
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("evolution marshal: %w", err)
	}

	target := c.baseURL + "/message/sendText/" + url.PathEscape(msg.RoutingKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("evolution request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	resp, err := c.httpClient.Do(req) //nolint:gosec // gateway URL from trusted config
	if err != nil {
		return fmt.Errorf("evolution send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("evolution API %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
