// Package broadcast defines the port for broadcasting real-time events to connected clients.
package broadcast

import "context"

// Broadcaster sends real-time events to connected operator clients.
type Broadcaster interface {
	// BroadcastEvent sends a typed event to clients subscribed to tenantID
	// and to unscoped operator clients.
	BroadcastEvent(ctx context.Context, tenantID, eventType string, payload any)
}
