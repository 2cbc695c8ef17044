package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Strob0t/ReplyForge/internal/domain/bot"
	"github.com/Strob0t/ReplyForge/internal/domain/contact"
	"github.com/Strob0t/ReplyForge/internal/domain/tenant"
)

// --- Tenants ---

func (s *Store) GetTenant(ctx context.Context, id string) (*tenant.Tenant, error) {
	var t tenant.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, active, monthly_message_limit, monthly_token_limit,
		        fallback_message, error_message, quota_message, created_at, updated_at
		 FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Active, &t.MonthlyMessageLimit, &t.MonthlyTokenLimit,
		&t.FallbackMessage, &t.ErrorMessage, &t.QuotaMessage, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get tenant %s", id)
	}
	return &t, nil
}

// --- Bots ---

func (s *Store) GetBotByRoutingKey(ctx context.Context, routingKey string) (*bot.Bot, error) {
	var b bot.Bot
	var toolsJSON []byte
	var reason string
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, routing_key, name, system_prompt, persona, provider, model,
		        temperature, max_tokens, channel, tools, active, disabled_reason
		 FROM bots WHERE routing_key = $1`, routingKey,
	).Scan(&b.ID, &b.TenantID, &b.RoutingKey, &b.Name, &b.SystemPrompt, &b.Persona, &b.Provider, &b.Model,
		&b.Temperature, &b.MaxTokens, &b.Channel, &toolsJSON, &b.Active, &reason)
	if err != nil {
		return nil, notFoundWrap(err, "get bot by routing key %s", routingKey)
	}
	if len(toolsJSON) > 0 {
		if err := json.Unmarshal(toolsJSON, &b.Tools); err != nil {
			return nil, fmt.Errorf("get bot %s: decode tools: %w", b.ID, err)
		}
	}
	b.DisabledReason = bot.DisabledReason(reason)
	return &b, nil
}

// --- Contacts ---

// UpsertContact returns the contact for (bot, sender), creating it on first
// contact. A non-empty display name refreshes the stored one.
func (s *Store) UpsertContact(ctx context.Context, botID, senderID, displayName string) (*contact.Contact, error) {
	var c contact.Contact
	var mode string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO contacts (bot_id, sender_id, display_name)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (bot_id, sender_id) DO UPDATE
		 SET display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), contacts.display_name),
		     updated_at = now()
		 RETURNING id, bot_id, sender_id, display_name, mode, created_at, updated_at`,
		botID, senderID, displayName,
	).Scan(&c.ID, &c.BotID, &c.SenderID, &c.DisplayName, &mode, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert contact %s/%s: %w", botID, senderID, err)
	}
	c.Mode = contact.Mode(mode)
	return &c, nil
}
