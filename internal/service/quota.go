package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/ReplyForge/internal/adapter/ws"
	"github.com/Strob0t/ReplyForge/internal/domain/alert"
	"github.com/Strob0t/ReplyForge/internal/domain/tenant"
	"github.com/Strob0t/ReplyForge/internal/domain/usage"
	"github.com/Strob0t/ReplyForge/internal/port/broadcast"
	"github.com/Strob0t/ReplyForge/internal/port/database"
)

// QuotaDecision is the result of the pre-processing quota check.
type QuotaDecision struct {
	Allowed bool
	Limit   usage.LimitType
	Counter *usage.Counter
}

// QuotaService enforces per-tenant monthly limits. Counter arithmetic and the
// bot disabling it triggers happen atomically in the store; the service turns
// the outcome into alerts.
type QuotaService struct {
	store     database.Store
	alerts    *AlertService
	hub       broadcast.Broadcaster
	warnRatio float64
	now       func() time.Time
}

// NewQuotaService creates a QuotaService. hub may be nil.
func NewQuotaService(store database.Store, alerts *AlertService, hub broadcast.Broadcaster, warnRatio float64) *QuotaService {
	if warnRatio <= 0 || warnRatio >= 1 {
		warnRatio = usage.DefaultWarnRatio
	}
	return &QuotaService{
		store:     store,
		alerts:    alerts,
		hub:       hub,
		warnRatio: warnRatio,
		now:       time.Now,
	}
}

func limitsOf(t *tenant.Tenant) usage.Limits {
	return usage.Limits{Messages: t.MonthlyMessageLimit, Tokens: t.MonthlyTokenLimit}
}

// CheckBeforeProcessing reports whether the tenant may incur another answer.
func (s *QuotaService) CheckBeforeProcessing(ctx context.Context, t *tenant.Tenant) (QuotaDecision, error) {
	c, err := s.store.GetUsage(ctx, t.ID, s.now().UTC())
	if err != nil {
		return QuotaDecision{}, fmt.Errorf("get usage for %s: %w", t.ID, err)
	}
	if lt, blocked := usage.Blocked(c, limitsOf(t)); blocked {
		return QuotaDecision{Allowed: false, Limit: lt, Counter: c}, nil
	}
	return QuotaDecision{Allowed: true, Counter: c}, nil
}

// Usage returns the tenant's counter for the current window.
func (s *QuotaService) Usage(ctx context.Context, tenantID string) (*usage.Counter, error) {
	c, err := s.store.GetUsage(ctx, tenantID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("get usage for %s: %w", tenantID, err)
	}
	return c, nil
}

// RecordUsage bills one delivered answer and re-evaluates the tenant's limits.
// A limit reached for the first time in the window raises a critical alert
// (the store has already disabled the tenant's bots); a warning threshold
// crossed for the first time raises a warning alert. When the answer is the
// first of a new window the closed window gets the same info alert a
// scheduled reset would have raised.
func (s *QuotaService) RecordUsage(ctx context.Context, rec usage.Record) (*usage.Update, error) {
	upd, err := s.store.RecordUsage(ctx, rec, s.warnRatio, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("record usage for %s: %w", rec.TenantID, err)
	}
	if upd.Rolled != nil {
		s.raiseReset(ctx, upd.Rolled)
	}

	for _, x := range upd.Evaluation.Exceeded {
		s.raise(ctx, &alert.Alert{
			TenantID: rec.TenantID,
			Severity: alert.SeverityCritical,
			Type:     alert.TypeQuotaExceeded,
			Message: fmt.Sprintf("Monthly %s quota reached (%d/%d). %d bot(s) disabled until the billing window resets.",
				x.Limit, x.Used, x.Max, upd.BotsDisabled),
			Context: map[string]any{
				"limit":         string(x.Limit),
				"used":          x.Used,
				"max":           x.Max,
				"bots_disabled": upd.BotsDisabled,
				"window_end":    upd.Counter.WindowEnd.Format(time.RFC3339),
			},
		})
	}
	for _, x := range upd.Evaluation.Warned {
		s.raise(ctx, &alert.Alert{
			TenantID: rec.TenantID,
			Severity: alert.SeverityWarning,
			Type:     alert.TypeQuotaWarning,
			Message: fmt.Sprintf("Monthly %s quota at %.0f%% (%d/%d).",
				x.Limit, 100*float64(x.Used)/float64(x.Max), x.Used, x.Max),
			Context: map[string]any{
				"limit": string(x.Limit),
				"used":  x.Used,
				"max":   x.Max,
			},
		})
	}

	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, rec.TenantID, ws.EventUsageUpdated, ws.UsageUpdatedEvent{
			MessagesUsed: upd.Counter.MessagesUsed,
			TokensUsed:   upd.Counter.TokensUsed,
			OverLimit:    upd.Evaluation.OverLimit,
		})
	}
	return upd, nil
}

// ResetElapsedWindows rolls every counter whose window has ended, re-enables
// bots disabled for quota and records an info alert with the prior totals.
func (s *QuotaService) ResetElapsedWindows(ctx context.Context) ([]usage.Reset, error) {
	resets, err := s.store.ResetElapsedWindows(ctx, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("reset usage windows: %w", err)
	}
	for i := range resets {
		s.raiseReset(ctx, &resets[i])
	}
	slog.Info("usage windows reset", "tenants", len(resets))
	return resets, nil
}

func (s *QuotaService) raiseReset(ctx context.Context, r *usage.Reset) {
	s.raise(ctx, &alert.Alert{
		TenantID: r.TenantID,
		Severity: alert.SeverityInfo,
		Type:     alert.TypeQuotaReset,
		Message: fmt.Sprintf("Billing window %s to %s closed with %d messages and %d tokens. %d bot(s) re-enabled.",
			r.PriorStart.Format("2006-01-02"), r.PriorEnd.Format("2006-01-02"),
			r.PriorMessages, r.PriorTokens, r.BotsEnabled),
		Context: map[string]any{
			"prior_start":    r.PriorStart.Format(time.RFC3339),
			"prior_end":      r.PriorEnd.Format(time.RFC3339),
			"prior_messages": r.PriorMessages,
			"prior_tokens":   r.PriorTokens,
			"bots_enabled":   r.BotsEnabled,
		},
	})
}

func (s *QuotaService) raise(ctx context.Context, a *alert.Alert) {
	if s.alerts == nil {
		return
	}
	_ = s.alerts.Raise(ctx, a)
}
