package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestNewHub(t *testing.T) {
	hub := NewHub("", nil)
	if hub == nil {
		t.Fatal("expected non-nil hub")
	}
	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections, got %d", hub.ConnectionCount())
	}
}

func TestHubBroadcastNoConnections(t *testing.T) {
	hub := NewHub("", nil)

	// Broadcast with no connections should not panic.
	hub.Broadcast(context.Background(), Message{
		Type:    "test",
		Payload: []byte(`{"key":"value"}`),
	})
}

func TestHubBroadcastEventMarshalError(t *testing.T) {
	hub := NewHub("", nil)

	// A channel cannot be marshaled to JSON; should log, not panic.
	hub.BroadcastEvent(context.Background(), "t1", "bad", make(chan int))
}

func TestHubRemoveNonexistent(t *testing.T) {
	hub := NewHub("", nil)

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &conn{ws: nil, cancel: cancel, tenantID: "test-tenant"}
	hub.remove(c)
}

func TestHubTenantScoping(t *testing.T) {
	hub := NewHub("", nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	mine, _, err := websocket.Dial(ctx, base+"?tenant_id=t1", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer mine.CloseNow()
	other, _, err := websocket.Dial(ctx, base+"?tenant_id=t2", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer other.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnectionCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	hub.BroadcastEvent(ctx, "t1", EventAlertRaised, map[string]string{"message": "quota"})

	_, data, err := mine.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), EventAlertRaised) {
		t.Fatalf("unexpected message: %s", data)
	}

	readCtx, readCancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer readCancel()
	if _, _, err := other.Read(readCtx); err == nil {
		t.Fatal("client of another tenant must not receive the event")
	}
}
