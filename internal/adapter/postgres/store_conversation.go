package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/ReplyForge/internal/domain"
	"github.com/Strob0t/ReplyForge/internal/domain/conversation"
)

// --- Conversation history ---

// ListRecentMessages returns the newest limit messages of a contact in
// chronological order.
func (s *Store) ListRecentMessages(ctx context.Context, contactID string, limit int) ([]conversation.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, contact_id, bot_id, COALESCE(event_id::text, ''), role, content, tool_calls,
		        tool_call_id, tool_name, created_at
		 FROM messages WHERE contact_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`, contactID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages for contact %s: %w", contactID, err)
	}
	defer rows.Close()

	var msgs []conversation.Message
	for rows.Next() {
		var m conversation.Message
		var role string
		var toolCalls []byte
		if err := rows.Scan(&m.ID, &m.ContactID, &m.BotID, &m.EventID, &role, &m.Content, &toolCalls,
			&m.ToolCallID, &m.ToolName, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = conversation.Role(role)
		if len(toolCalls) > 0 {
			_ = json.Unmarshal(toolCalls, &m.ToolCalls)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return orEmpty(msgs), nil
}

// AppendMessages inserts the messages of one turn in a single batch. A second
// assistant message for the same event violates the one-answer index and is
// reported as domain.ErrConflict.
func (s *Store) AppendMessages(ctx context.Context, msgs []conversation.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("append messages: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for i := range msgs {
		m := &msgs[i]
		var toolCalls []byte
		if len(m.ToolCalls) > 0 {
			if toolCalls, err = json.Marshal(m.ToolCalls); err != nil {
				return fmt.Errorf("append messages: encode tool calls: %w", err)
			}
		}
		batch.Queue(
			`INSERT INTO messages (contact_id, bot_id, event_id, role, content, tool_calls, tool_call_id, tool_name, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, now()))`,
			m.ContactID, m.BotID, nullIfEmpty(m.EventID), string(m.Role), m.Content, nullJSON(toolCalls),
			m.ToolCallID, m.ToolName, nullTime(m.CreatedAt))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("append messages: %w", domain.ErrConflict)
		}
		return fmt.Errorf("append messages: %w", err)
	}
	return tx.Commit(ctx)
}
