// Package ws implements the WebSocket adapter for the live operator feed.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type     string          `json:"type"`
	TenantID string          `json:"tenant_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// AuthorizeFunc resolves the tenant scope of a connecting client. An empty
// tenant ID subscribes the client to every tenant.
type AuthorizeFunc func(r *http.Request) (tenantID string, ok bool)

// conn wraps a single WebSocket connection.
type conn struct {
	ws       *websocket.Conn
	cancel   context.CancelFunc
	tenantID string
}

// Hub manages all active WebSocket connections and broadcasts messages.
type Hub struct {
	mu        sync.RWMutex
	conns     map[*conn]struct{}
	origin    string
	authorize AuthorizeFunc
}

// NewHub creates a new WebSocket hub. originPattern restricts browser origins
// (empty disables the check); authorize may be nil, in which case the tenant
// scope is read from the tenant_id query parameter.
func NewHub(originPattern string, authorize AuthorizeFunc) *Hub {
	if authorize == nil {
		authorize = func(r *http.Request) (string, bool) {
			return r.URL.Query().Get("tenant_id"), true
		}
	}
	return &Hub{
		conns:     make(map[*conn]struct{}),
		origin:    originPattern,
		authorize: authorize,
	}
}

// HandleWS upgrades the connection to WebSocket and registers it with the hub.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authorize(r)
	if !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	opts := &websocket.AcceptOptions{InsecureSkipVerify: h.origin == ""}
	if h.origin != "" {
		opts.OriginPatterns = []string{h.origin}
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{ws: ws, cancel: cancel, tenantID: tenantID}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	slog.Info("websocket connected", "remote", r.RemoteAddr, "tenant_id", tenantID)

	// Read loop detects disconnects; clients never send anything meaningful.
	go func() {
		defer func() {
			h.remove(c)
			_ = ws.Close(websocket.StatusNormalClosure, "")
		}()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()
}

// Broadcast sends a message to every connected client.
func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	h.send(ctx, msg, func(*conn) bool { return true })
}

// BroadcastToTenant sends a message to clients scoped to tenantID and to
// unscoped operator clients.
func (h *Hub) BroadcastToTenant(ctx context.Context, tenantID string, msg Message) {
	msg.TenantID = tenantID
	h.send(ctx, msg, func(c *conn) bool {
		return c.tenantID == "" || c.tenantID == tenantID
	})
}

func (h *Hub) send(ctx context.Context, msg Message, match func(*conn) bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("websocket marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.conns {
		if !match(c) {
			continue
		}
		if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Debug("websocket write failed", "error", err)
			go h.remove(c)
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		slog.Info("websocket disconnected", "tenant_id", c.tenantID)
	}
}
