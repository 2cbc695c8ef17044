package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Strob0t/ReplyForge/internal/domain"
	"github.com/Strob0t/ReplyForge/internal/domain/bot"
	"github.com/Strob0t/ReplyForge/internal/domain/contact"
	"github.com/Strob0t/ReplyForge/internal/domain/conversation"
	"github.com/Strob0t/ReplyForge/internal/domain/inbound"
	"github.com/Strob0t/ReplyForge/internal/domain/tenant"
	"github.com/Strob0t/ReplyForge/internal/port/database"
)

// ConversationContext is what the loop needs to answer one inbound event.
type ConversationContext struct {
	Tenant  *tenant.Tenant
	Bot     *bot.Bot
	Contact *contact.Contact
	History []conversation.Message
	Quota   QuotaDecision
}

// ContextLoader resolves the tenant, bot, contact and history for an event.
type ContextLoader struct {
	store        database.Store
	quota        *QuotaService
	historyLimit int
}

// NewContextLoader creates a ContextLoader.
func NewContextLoader(store database.Store, quota *QuotaService, historyLimit int) *ContextLoader {
	if historyLimit <= 0 {
		historyLimit = 20
	}
	return &ContextLoader{store: store, quota: quota, historyLimit: historyLimit}
}

// Load returns the conversation context for ev. It fails with
// domain.ErrUnknownTenant, domain.ErrQuotaBlocked or domain.ErrBotDisabled
// before any contact or history work. On ErrQuotaBlocked the returned context
// carries the tenant and bot so a quota reply can still be sent.
func (l *ContextLoader) Load(ctx context.Context, ev *inbound.Event) (*ConversationContext, error) {
	b, err := l.store.GetBotByRoutingKey(ctx, ev.RoutingKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: no bot for routing key %q", domain.ErrUnknownTenant, ev.RoutingKey)
		}
		return nil, fmt.Errorf("load bot: %w", err)
	}

	t, err := l.store.GetTenant(ctx, b.TenantID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: tenant %s", domain.ErrUnknownTenant, b.TenantID)
		}
		return nil, fmt.Errorf("load tenant: %w", err)
	}
	if !t.Active {
		return nil, fmt.Errorf("%w: tenant %s is inactive", domain.ErrUnknownTenant, t.ID)
	}

	cc := &ConversationContext{Tenant: t, Bot: b}

	decision, err := l.quota.CheckBeforeProcessing(ctx, t)
	if err != nil {
		return nil, err
	}
	cc.Quota = decision
	if !decision.Allowed {
		return cc, fmt.Errorf("%w: %s limit reached", domain.ErrQuotaBlocked, decision.Limit)
	}

	if !b.Active {
		return nil, fmt.Errorf("%w: bot %s (%s)", domain.ErrBotDisabled, b.ID, b.DisabledReason)
	}

	c, err := l.store.UpsertContact(ctx, b.ID, ev.SenderID, ev.SenderName)
	if err != nil {
		return nil, fmt.Errorf("upsert contact: %w", err)
	}
	cc.Contact = c

	history, err := l.store.ListRecentMessages(ctx, c.ID, l.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	cc.History = history
	return cc, nil
}
