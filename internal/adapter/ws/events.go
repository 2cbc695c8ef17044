package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventInboundStatus = "inbound.status"
	EventToolExecuted  = "tool.executed"
	EventAlertRaised   = "alert.raised"
	EventUsageUpdated  = "usage.updated"
)

// InboundStatusEvent is broadcast when an inbound event changes status.
type InboundStatusEvent struct {
	EventID    string `json:"event_id"`
	ExternalID string `json:"external_id"`
	Status     string `json:"status"`
	Outcome    string `json:"outcome,omitempty"`
}

// ToolExecutedEvent is broadcast when a tool call resolves.
type ToolExecutedEvent struct {
	EventID    string `json:"event_id"`
	Tool       string `json:"tool"`
	Iteration  int    `json:"iteration"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
}

// UsageUpdatedEvent is broadcast after usage was recorded.
type UsageUpdatedEvent struct {
	MessagesUsed int64 `json:"messages_used"`
	TokensUsed   int64 `json:"tokens_used"`
	OverLimit    bool  `json:"over_limit"`
}

// BroadcastEvent marshals a typed event and sends it to the tenant's clients.
func (h *Hub) BroadcastEvent(ctx context.Context, tenantID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.BroadcastToTenant(ctx, tenantID, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
