package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/Strob0t/ReplyForge/internal/domain/alert"
	"github.com/Strob0t/ReplyForge/internal/port/notifier"
)

// NotificationRoute binds one alert channel to the alerts it receives.
type NotificationRoute struct {
	Notifier    notifier.Notifier
	MinSeverity alert.Severity
	Types       []string // alert types; empty means every type
}

type route struct {
	ch    notifier.Notifier
	min   alert.Severity
	types map[string]bool
}

func (r *route) accepts(a *alert.Alert) bool {
	if !a.Severity.AtLeast(r.min) {
		return false
	}
	return len(r.types) == 0 || r.types[a.Type]
}

// NotificationService routes alerts to operator channels. Each channel has its
// own severity floor and optional type filter, so a pager-style channel can
// take only critical quota alerts while a team channel sees every warning.
type NotificationService struct {
	routes []route
}

// NewNotificationService creates a NotificationService. A route with an
// unknown or empty MinSeverity gets warning.
func NewNotificationService(routes ...NotificationRoute) *NotificationService {
	s := &NotificationService{routes: make([]route, 0, len(routes))}
	for _, r := range routes {
		minSev, ok := alert.ParseSeverity(string(r.MinSeverity))
		if !ok {
			minSev = alert.SeverityWarning
		}
		rt := route{ch: r.Notifier, min: minSev}
		if len(r.Types) > 0 {
			rt.types = make(map[string]bool, len(r.Types))
			for _, typ := range r.Types {
				rt.types[typ] = true
			}
		}
		s.routes = append(s.routes, rt)
	}
	return s
}

// Wants reports whether at least one channel would take a.
func (s *NotificationService) Wants(a *alert.Alert) bool {
	for i := range s.routes {
		if s.routes[i].accepts(a) {
			return true
		}
	}
	return false
}

// Notify sends a to every channel whose route accepts it and returns how many
// channels took it. A failing channel is logged and skipped.
func (s *NotificationService) Notify(ctx context.Context, a *alert.Alert) int {
	n := toNotification(a)
	sent := 0
	for i := range s.routes {
		r := &s.routes[i]
		if !r.accepts(a) {
			continue
		}
		msg := n
		if !r.ch.Capabilities().RichFormatting {
			msg = flatten(n)
		}
		if err := r.ch.Send(ctx, msg); err != nil {
			slog.Warn("notification send failed",
				"channel", r.ch.Name(),
				"alert_id", a.ID,
				"type", a.Type,
				"error", err,
			)
			continue
		}
		sent++
		slog.Debug("notification sent", "channel", r.ch.Name(), "alert_id", a.ID)
	}
	return sent
}

// Channels returns the configured channel names in route order.
func (s *NotificationService) Channels() []string {
	names := make([]string, len(s.routes))
	for i := range s.routes {
		names[i] = s.routes[i].ch.Name()
	}
	return names
}

func toNotification(a *alert.Alert) notifier.Notification {
	n := notifier.Notification{
		Title:   alertTitle(a.Type),
		Message: a.Message,
		Level:   string(a.Severity),
		Source:  a.Type,
		Fields:  make(map[string]string, len(a.Context)+1),
	}
	if a.TenantID != "" {
		n.Fields["tenant_id"] = a.TenantID
	}
	for k, v := range a.Context {
		n.Fields[k] = fmt.Sprint(v)
	}
	return n
}

// flatten folds fields into the message for channels that only render text.
func flatten(n notifier.Notification) notifier.Notification {
	if len(n.Fields) == 0 {
		return n
	}
	keys := make([]string, 0, len(n.Fields))
	for k := range n.Fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	b.WriteString(n.Message)
	for _, k := range keys {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", k, n.Fields[k])
	}
	n.Message = b.String()
	n.Fields = nil
	return n
}

// alertTitle turns "quota.exceeded" into "Quota exceeded".
func alertTitle(typ string) string {
	t := strings.ReplaceAll(typ, ".", " ")
	t = strings.ReplaceAll(t, "_", " ")
	if t == "" {
		return "Alert"
	}
	return strings.ToUpper(t[:1]) + t[1:]
}
