// Package database defines the database store port (interface).
package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Strob0t/ReplyForge/internal/domain/alert"
	"github.com/Strob0t/ReplyForge/internal/domain/bot"
	"github.com/Strob0t/ReplyForge/internal/domain/contact"
	"github.com/Strob0t/ReplyForge/internal/domain/conversation"
	"github.com/Strob0t/ReplyForge/internal/domain/inbound"
	"github.com/Strob0t/ReplyForge/internal/domain/knowledge"
	"github.com/Strob0t/ReplyForge/internal/domain/tenant"
	"github.com/Strob0t/ReplyForge/internal/domain/toolexec"
	"github.com/Strob0t/ReplyForge/internal/domain/usage"
)

// Store is the port interface for database operations.
type Store interface {
	// Inbound events
	AdmitEvent(ctx context.Context, ev *inbound.Event) (inbound.Admission, error)
	CompleteEvent(ctx context.Context, id string, outcome inbound.Outcome, result json.RawMessage) error
	FailEvent(ctx context.Context, id string, outcome inbound.Outcome, reason string) error
	GetEventByExternalID(ctx context.Context, externalID string) (*inbound.Event, error)
	PurgeExpiredEvents(ctx context.Context, now time.Time) (int64, error)

	// Tenants, bots, contacts
	GetTenant(ctx context.Context, id string) (*tenant.Tenant, error)
	GetBotByRoutingKey(ctx context.Context, routingKey string) (*bot.Bot, error)
	UpsertContact(ctx context.Context, botID, senderID, displayName string) (*contact.Contact, error)

	// Conversation history
	ListRecentMessages(ctx context.Context, contactID string, limit int) ([]conversation.Message, error)
	AppendMessages(ctx context.Context, msgs []conversation.Message) error

	// Tool executions
	CreateToolExecution(ctx context.Context, e *toolexec.Execution) error
	FinishToolExecution(ctx context.Context, id string, status toolexec.Status, result json.RawMessage, errMsg string, durationMS int64) error
	ListToolExecutions(ctx context.Context, eventID string) ([]toolexec.Execution, error)

	// Knowledge
	SearchChunks(ctx context.Context, tenantID string, embedding []float32, topK int, threshold float64) ([]knowledge.Result, error)

	// Usage
	GetUsage(ctx context.Context, tenantID string, now time.Time) (*usage.Counter, error)
	RecordUsage(ctx context.Context, rec usage.Record, warnRatio float64, now time.Time) (*usage.Update, error)
	ResetElapsedWindows(ctx context.Context, now time.Time) ([]usage.Reset, error)

	// Alerts
	CreateAlert(ctx context.Context, a *alert.Alert) error
	ListAlerts(ctx context.Context, tenantID string, limit int) ([]alert.Alert, error)
}
