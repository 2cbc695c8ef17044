package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/ReplyForge/internal/adapter/ws"
	"github.com/Strob0t/ReplyForge/internal/domain/alert"
	"github.com/Strob0t/ReplyForge/internal/port/broadcast"
	"github.com/Strob0t/ReplyForge/internal/port/database"
)

// AlertService records alerts, pushes them to the operator feed and forwards
// them to notification channels. Channel failures never reach the caller.
type AlertService struct {
	store   database.Store
	hub     broadcast.Broadcaster
	notify  *NotificationService
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewAlertService creates an AlertService. hub and notify may be nil. Which
// alerts reach which channel is decided by notify's routes.
func NewAlertService(store database.Store, hub broadcast.Broadcaster, notify *NotificationService, timeout time.Duration) *AlertService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AlertService{
		store:   store,
		hub:     hub,
		notify:  notify,
		timeout: timeout,
	}
}

// Raise persists the alert and fans it out. Only the store write can fail.
func (s *AlertService) Raise(ctx context.Context, a *alert.Alert) error {
	if err := s.store.CreateAlert(ctx, a); err != nil {
		slog.Error("alert not recorded", "type", a.Type, "tenant_id", a.TenantID, "error", err)
		return fmt.Errorf("create alert: %w", err)
	}

	slog.Log(ctx, logLevel(a.Severity), "alert raised",
		"alert_id", a.ID,
		"type", a.Type,
		"severity", a.Severity,
		"tenant_id", a.TenantID,
	)

	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, a.TenantID, ws.EventAlertRaised, a)
	}

	if s.notify != nil && s.notify.Wants(a) {
		snapshot := *a
		notifyCtx := context.WithoutCancel(ctx)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sendCtx, cancel := context.WithTimeout(notifyCtx, s.timeout)
			defer cancel()
			s.notify.Notify(sendCtx, &snapshot)
		}()
	}
	return nil
}

// List returns the most recent alerts for a tenant.
func (s *AlertService) List(ctx context.Context, tenantID string, limit int) ([]alert.Alert, error) {
	alerts, err := s.store.ListAlerts(ctx, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return alerts, nil
}

// Wait blocks until in-flight notifications have finished.
func (s *AlertService) Wait() {
	s.wg.Wait()
}

func logLevel(sev alert.Severity) slog.Level {
	switch sev {
	case alert.SeverityCritical, alert.SeverityError:
		return slog.LevelError
	case alert.SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
