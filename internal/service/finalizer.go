package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	rfotel "github.com/Strob0t/ReplyForge/internal/adapter/otel"
	"github.com/Strob0t/ReplyForge/internal/domain"
	"github.com/Strob0t/ReplyForge/internal/domain/alert"
	"github.com/Strob0t/ReplyForge/internal/domain/bot"
	"github.com/Strob0t/ReplyForge/internal/domain/contact"
	"github.com/Strob0t/ReplyForge/internal/domain/conversation"
	"github.com/Strob0t/ReplyForge/internal/domain/inbound"
	"github.com/Strob0t/ReplyForge/internal/domain/tenant"
	"github.com/Strob0t/ReplyForge/internal/domain/tool"
	"github.com/Strob0t/ReplyForge/internal/domain/usage"
	"github.com/Strob0t/ReplyForge/internal/port/database"
	"github.com/Strob0t/ReplyForge/internal/port/delivery"
	"github.com/Strob0t/ReplyForge/internal/resilience"
)

// ChannelSet resolves a bot's delivery channel kind to a configured channel.
type ChannelSet struct {
	channels    map[string]delivery.Channel
	defaultKind string
}

// NewChannelSet creates a set. defaultKind serves bots that name no channel.
func NewChannelSet(defaultKind string, channels ...delivery.Channel) *ChannelSet {
	m := make(map[string]delivery.Channel, len(channels))
	for _, c := range channels {
		m[c.Kind()] = c
	}
	return &ChannelSet{channels: m, defaultKind: defaultKind}
}

// Get returns the channel of the given kind, or the default when kind is empty.
func (s *ChannelSet) Get(kind string) (delivery.Channel, error) {
	if kind == "" {
		kind = s.defaultKind
	}
	c, ok := s.channels[kind]
	if !ok {
		return nil, fmt.Errorf("delivery channel %q is not configured", kind)
	}
	return c, nil
}

// Kinds returns the configured channel kinds, sorted.
func (s *ChannelSet) Kinds() []string {
	kinds := make([]string, 0, len(s.channels))
	for k := range s.channels {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// FinalizeInput is a finished loop plus the context it ran in.
type FinalizeInput struct {
	Event   *inbound.Event
	Tenant  *tenant.Tenant
	Bot     *bot.Bot
	Contact *contact.Contact
	Loop    LoopResult
}

// FinalizeResult reports what the effects achieved.
type FinalizeResult struct {
	Delivered bool
	Usage     *usage.Update
	// EffectErr is set when history or usage could not be written after a
	// successful delivery. The answer stands; the error is for logs.
	EffectErr error
}

// Finalizer applies the effects of an answer. Delivery gates the rest: only a
// delivered answer is written to history and billed.
type Finalizer struct {
	channels *ChannelSet
	store    database.Store
	quota    *QuotaService
	alerts   *AlertService
	breakers *resilience.Group
	metrics  *rfotel.Metrics
	timeout  time.Duration
	now      func() time.Time
}

// NewFinalizer creates a Finalizer. breakers and metrics may be nil.
func NewFinalizer(
	channels *ChannelSet,
	store database.Store,
	quota *QuotaService,
	alerts *AlertService,
	breakers *resilience.Group,
	metrics *rfotel.Metrics,
	timeout time.Duration,
) *Finalizer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Finalizer{
		channels: channels,
		store:    store,
		quota:    quota,
		alerts:   alerts,
		breakers: breakers,
		metrics:  metrics,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Finalize delivers the reply, then persists history and records usage
// concurrently. A delivery failure raises an alert and returns an error
// wrapping domain.ErrDeliveryFailed; nothing is persisted or billed.
func (f *Finalizer) Finalize(ctx context.Context, in FinalizeInput) (FinalizeResult, error) {
	if err := f.Deliver(ctx, in.Event, in.Bot, in.Loop.Text); err != nil {
		f.deliveryFailed(ctx, in, err)
		return FinalizeResult{}, err
	}

	res := FinalizeResult{Delivered: true}
	effCtx := context.WithoutCancel(ctx)
	now := f.now().UTC()

	var g errgroup.Group
	g.Go(func() error {
		return f.store.AppendMessages(effCtx, historyRows(in, now))
	})
	g.Go(func() error {
		upd, err := f.quota.RecordUsage(effCtx, usage.Record{
			TenantID:  in.Tenant.ID,
			BotID:     in.Bot.ID,
			EventID:   in.Event.ID,
			Provider:  in.Loop.Provider,
			Model:     in.Loop.Model,
			TokensIn:  in.Loop.TokensIn,
			TokensOut: in.Loop.TokensOut,
		})
		res.Usage = upd
		return err
	})
	if err := g.Wait(); err != nil {
		res.EffectErr = err
		slog.Error("post-delivery effect failed",
			"event_id", in.Event.ID,
			"tenant_id", in.Tenant.ID,
			"error", err,
		)
	}
	return res, nil
}

// Deliver sends text to the event's sender through the bot's channel under
// the channel breaker and the delivery timeout.
func (f *Finalizer) Deliver(ctx context.Context, ev *inbound.Event, b *bot.Bot, text string) error {
	ch, err := f.channels.Get(b.Channel)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrDeliveryFailed, err)
	}

	ctx, span := rfotel.StartDeliverySpan(ctx, ev.ID, ch.Kind())
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	msg := delivery.Message{
		BotID:       b.ID,
		RoutingKey:  b.RoutingKey,
		RecipientID: ev.SenderID,
		Text:        text,
		ReplyTo:     ev.ExternalID,
	}
	send := func(ctx context.Context) error { return ch.Send(ctx, msg) }
	if f.breakers != nil {
		err = f.breakers.Get("delivery:"+ch.Kind()).ExecuteContext(ctx, send)
	} else {
		err = send(ctx)
	}
	rfotel.EndSpan(span, err)
	if err != nil {
		f.metrics.RecordDeliveryFailure(ctx, ch.Kind())
		return fmt.Errorf("%w: %s: %w", domain.ErrDeliveryFailed, ch.Kind(), err)
	}
	return nil
}

func (f *Finalizer) deliveryFailed(ctx context.Context, in FinalizeInput, err error) {
	slog.Error("reply delivery failed",
		"event_id", in.Event.ID,
		"tenant_id", in.Tenant.ID,
		"bot_id", in.Bot.ID,
		"error", err,
	)
	if f.alerts == nil {
		return
	}
	_ = f.alerts.Raise(ctx, &alert.Alert{
		TenantID: in.Tenant.ID,
		Severity: alert.SeverityError,
		Type:     alert.TypeDeliveryFailure,
		Message:  fmt.Sprintf("Reply to %s via bot %s could not be delivered: %v", in.Event.SenderID, in.Bot.Name, err),
		Context: map[string]any{
			"bot_id":      in.Bot.ID,
			"event_id":    in.Event.ID,
			"external_id": in.Event.ExternalID,
			"channel":     in.Bot.Channel,
		},
	})
}

// historyRows are the user message and the one assistant reply of an event.
func historyRows(in FinalizeInput, now time.Time) []conversation.Message {
	var calls []tool.Call
	for _, c := range in.Loop.ToolCalls {
		calls = append(calls, tool.Call{ID: c.ID, Name: c.Name, Arguments: c.Arguments})
	}
	return []conversation.Message{
		{
			ContactID: in.Contact.ID,
			BotID:     in.Bot.ID,
			EventID:   in.Event.ID,
			Role:      conversation.RoleUser,
			Content:   in.Event.Body,
			CreatedAt: now,
		},
		{
			ContactID: in.Contact.ID,
			BotID:     in.Bot.ID,
			EventID:   in.Event.ID,
			Role:      conversation.RoleAssistant,
			Content:   in.Loop.Text,
			ToolCalls: calls,
			CreatedAt: now.Add(time.Millisecond),
		},
	}
}

// IsDeliveryFailure reports whether err is a failed delivery.
func IsDeliveryFailure(err error) bool { return errors.Is(err, domain.ErrDeliveryFailed) }
