// Package inbound defines the inbound event model and its idempotency state machine.
package inbound

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/ReplyForge/internal/domain"
)

// Status is the lifecycle state of an inbound event.
type Status string

const (
	StatusReceived   Status = "received"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDuplicate  Status = "duplicate"
)

// IsTerminal reports whether no further forward transition is expected.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDuplicate
}

// Outcome records how a processed event ended.
type Outcome string

const (
	OutcomeAnswered       Outcome = "answered"
	OutcomeFallback       Outcome = "fallback"
	OutcomeQuotaBlocked   Outcome = "quota_blocked"
	OutcomeHumanTakeover  Outcome = "human_takeover"
	OutcomeUnknownTenant  Outcome = "unknown_tenant"
	OutcomeBotDisabled    Outcome = "bot_disabled"
	OutcomeDeliveryFailed Outcome = "delivery_failed"
	OutcomeError          Outcome = "error"
)

// transitions lists the allowed forward moves. Everything is monotone except
// failed -> processing, which is the retry path.
var transitions = map[Status][]Status{
	StatusReceived:   {StatusProcessing, StatusDuplicate},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusProcessing},
}

// CanTransition reports whether an event may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Event is one inbound chat message keyed by its external message identifier.
type Event struct {
	ID          string          `json:"id"`
	ExternalID  string          `json:"external_id"`
	RoutingKey  string          `json:"routing_key"`
	SenderID    string          `json:"sender_id"`
	SenderName  string          `json:"sender_name,omitempty"`
	Body        string          `json:"body"`
	Status      Status          `json:"status"`
	RetryCount  int             `json:"retry_count"`
	Outcome     Outcome         `json:"outcome,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Message is the inbound DTO accepted from the transport edge.
type Message struct {
	RoutingKey        string `json:"routing_key"`
	SenderID          string `json:"sender_id"`
	SenderDisplayName string `json:"sender_display_name,omitempty"`
	MessageBody       string `json:"message_body"`
	ExternalMessageID string `json:"external_message_id"`
}

// Validate checks that every field the pipeline depends on is present.
func (m *Message) Validate() error {
	var missing []string
	if strings.TrimSpace(m.ExternalMessageID) == "" {
		missing = append(missing, "external_message_id")
	}
	if strings.TrimSpace(m.RoutingKey) == "" {
		missing = append(missing, "routing_key")
	}
	if strings.TrimSpace(m.SenderID) == "" {
		missing = append(missing, "sender_id")
	}
	if strings.TrimSpace(m.MessageBody) == "" {
		missing = append(missing, "message_body")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", domain.ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}

// Decision is the admission verdict for an inbound event.
type Decision string

const (
	DecisionProceed   Decision = "proceed"
	DecisionDuplicate Decision = "duplicate"
	DecisionRejected  Decision = "rejected"
)

// Admission is the result of admitting an event. Event is the stored row:
// the freshly admitted (or re-admitted) one for Proceed, the prior one for
// Duplicate, and nil for Rejected.
type Admission struct {
	Decision Decision
	Event    *Event
	Retry    bool
	Reason   string
}

// ErrRejected is returned alongside a Rejected admission.
var ErrRejected = errors.New("inbound event rejected")
