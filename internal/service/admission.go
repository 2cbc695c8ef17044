package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/ReplyForge/internal/domain"
	"github.com/Strob0t/ReplyForge/internal/domain/inbound"
	"github.com/Strob0t/ReplyForge/internal/domain/toolexec"
	"github.com/Strob0t/ReplyForge/internal/port/database"
)

// AdmissionService is the idempotency gate in front of the pipeline. At most
// one execution per external message id is processing at a time; the store's
// atomic insert-or-transition enforces it across processes.
type AdmissionService struct {
	store database.Store
	ttl   time.Duration
	now   func() time.Time
}

// NewAdmissionService creates an AdmissionService. ttl is how long terminal
// events are kept before purge.
func NewAdmissionService(store database.Store, ttl time.Duration) *AdmissionService {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &AdmissionService{store: store, ttl: ttl, now: time.Now}
}

// Admit decides whether msg may be processed. Malformed messages are
// Rejected without touching the store. payload is kept verbatim for replay.
func (s *AdmissionService) Admit(ctx context.Context, msg *inbound.Message, payload json.RawMessage) (inbound.Admission, error) {
	if err := msg.Validate(); err != nil {
		return inbound.Admission{Decision: inbound.DecisionRejected, Reason: err.Error()}, nil
	}

	now := s.now().UTC()
	ev := &inbound.Event{
		ExternalID: msg.ExternalMessageID,
		RoutingKey: msg.RoutingKey,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderDisplayName,
		Body:       msg.MessageBody,
		Payload:    payload,
		ReceivedAt: now,
		ExpiresAt:  now.Add(s.ttl),
	}
	if len(ev.Payload) == 0 {
		raw, err := json.Marshal(msg)
		if err != nil {
			return inbound.Admission{}, fmt.Errorf("marshal inbound payload: %w", err)
		}
		ev.Payload = raw
	}

	adm, err := s.store.AdmitEvent(ctx, ev)
	if err != nil {
		return inbound.Admission{}, fmt.Errorf("admit event %s: %w", msg.ExternalMessageID, err)
	}

	switch adm.Decision {
	case inbound.DecisionProceed:
		slog.Debug("inbound event admitted",
			"event_id", adm.Event.ID,
			"external_id", ev.ExternalID,
			"retry", adm.Retry,
		)
	case inbound.DecisionDuplicate:
		slog.Info("duplicate inbound event ignored",
			"external_id", ev.ExternalID,
			"status", adm.Event.Status,
		)
	}
	return adm, nil
}

// Complete moves a processing event to completed with its outcome and result.
func (s *AdmissionService) Complete(ctx context.Context, ev *inbound.Event, outcome inbound.Outcome, result json.RawMessage) error {
	if err := s.store.CompleteEvent(ctx, ev.ID, outcome, result); err != nil {
		return fmt.Errorf("complete event %s: %w", ev.ID, err)
	}
	ev.Status = inbound.StatusCompleted
	ev.Outcome = outcome
	ev.Result = result
	return nil
}

// Fail moves a processing event to failed, making it eligible for re-admission.
func (s *AdmissionService) Fail(ctx context.Context, ev *inbound.Event, outcome inbound.Outcome, reason string) error {
	if err := s.store.FailEvent(ctx, ev.ID, outcome, reason); err != nil {
		return fmt.Errorf("fail event %s: %w", ev.ID, err)
	}
	ev.Status = inbound.StatusFailed
	ev.Outcome = outcome
	ev.LastError = reason
	return nil
}

// Lookup returns the event stored for an external message id.
func (s *AdmissionService) Lookup(ctx context.Context, externalID string) (*inbound.Event, error) {
	if externalID == "" {
		return nil, fmt.Errorf("%w: external id is required", domain.ErrValidation)
	}
	ev, err := s.store.GetEventByExternalID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", externalID, err)
	}
	return ev, nil
}

// ToolExecutions returns the tool calls recorded for an event, oldest first.
func (s *AdmissionService) ToolExecutions(ctx context.Context, eventID string) ([]toolexec.Execution, error) {
	execs, err := s.store.ListToolExecutions(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list tool executions %s: %w", eventID, err)
	}
	return execs, nil
}

// Purge deletes terminal events whose expiry has passed.
func (s *AdmissionService) Purge(ctx context.Context) (int64, error) {
	n, err := s.store.PurgeExpiredEvents(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired events: %w", err)
	}
	if n > 0 {
		slog.Info("expired inbound events purged", "count", n)
	}
	return n, nil
}
