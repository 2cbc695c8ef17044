package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/ReplyForge/internal/domain/usage"
)

// --- Usage counters ---

// enableQuotaBots re-activates bots that quota enforcement disabled. Bots
// disabled by an operator keep their state.
const enableQuotaBots = `UPDATE bots SET active = TRUE, disabled_reason = '', updated_at = now()
	WHERE tenant_id = $1 AND NOT active AND disabled_reason = 'quota'`

const counterColumns = `tenant_id, window_start, window_end, messages_used, tokens_used,
	messages_warned, tokens_warned, messages_exceeded, tokens_exceeded, updated_at`

func scanCounter(row scannable) (*usage.Counter, error) {
	var c usage.Counter
	if err := row.Scan(&c.TenantID, &c.WindowStart, &c.WindowEnd, &c.MessagesUsed, &c.TokensUsed,
		&c.MessagesWarned, &c.TokensWarned, &c.MessagesExceeded, &c.TokensExceeded, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func emptyCounter(tenantID string, now time.Time) *usage.Counter {
	c := &usage.Counter{TenantID: tenantID}
	c.Roll(now)
	return c
}

// GetUsage returns the tenant's counter for the window containing now. A
// missing or elapsed counter reads as zero; it is not written.
func (s *Store) GetUsage(ctx context.Context, tenantID string, now time.Time) (*usage.Counter, error) {
	c, err := scanCounter(s.pool.QueryRow(ctx,
		`SELECT `+counterColumns+` FROM usage_counters WHERE tenant_id = $1`, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return emptyCounter(tenantID, now), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get usage %s: %w", tenantID, err)
	}
	if c.Elapsed(now) {
		c.Roll(now)
	}
	return c, nil
}

// RecordUsage bills one answered event and re-evaluates the tenant's limits in
// a single transaction. The counter row is locked for the duration so
// concurrent answers of one tenant serialize; when a limit is reached every
// active bot of the tenant is disabled before commit. A counter whose window
// already ended is closed here exactly as ResetElapsedWindows would close it,
// and the closed window is returned in Update.Rolled. Billing the same event
// twice is a no-op that returns the current counter with an empty evaluation.
func (s *Store) RecordUsage(ctx context.Context, rec usage.Record, warnRatio float64, now time.Time) (*usage.Update, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("record usage: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var upd usage.Update
	err = tx.QueryRow(ctx,
		`SELECT monthly_message_limit, monthly_token_limit FROM tenants WHERE id = $1`, rec.TenantID,
	).Scan(&upd.Limits.Messages, &upd.Limits.Tokens)
	if err != nil {
		return nil, notFoundWrap(err, "record usage: tenant %s", rec.TenantID)
	}

	start := usage.WindowStart(now)
	if _, err := tx.Exec(ctx,
		`INSERT INTO usage_counters (tenant_id, window_start, window_end, updated_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT (tenant_id) DO NOTHING`,
		rec.TenantID, start, usage.NextWindow(start), now); err != nil {
		return nil, fmt.Errorf("record usage: ensure counter: %w", err)
	}
	c, err := scanCounter(tx.QueryRow(ctx,
		`SELECT `+counterColumns+` FROM usage_counters WHERE tenant_id = $1 FOR UPDATE`, rec.TenantID))
	if err != nil {
		return nil, fmt.Errorf("record usage: lock counter: %w", err)
	}

	var logID string
	err = tx.QueryRow(ctx,
		`INSERT INTO usage_logs (tenant_id, bot_id, event_id, provider, model, tokens_in, tokens_out, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (event_id) WHERE event_id IS NOT NULL DO NOTHING
		 RETURNING id`,
		rec.TenantID, nullIfEmpty(rec.BotID), nullIfEmpty(rec.EventID), rec.Provider, rec.Model,
		rec.TokensIn, rec.TokensOut, now,
	).Scan(&logID)
	if errors.Is(err, pgx.ErrNoRows) {
		upd.Counter = *c
		return &upd, tx.Commit(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("record usage: insert log: %w", err)
	}

	if c.Elapsed(now) {
		r := c.CloseWindow(now)
		tag, err := tx.Exec(ctx, enableQuotaBots, rec.TenantID)
		if err != nil {
			return nil, fmt.Errorf("record usage: enable bots: %w", err)
		}
		r.BotsEnabled = tag.RowsAffected()
		upd.Rolled = &r
	}
	c.MessagesUsed++
	c.TokensUsed += rec.Tokens()
	c.UpdatedAt = now

	upd.Evaluation = usage.Evaluate(c, upd.Limits, warnRatio)
	c.Mark(upd.Evaluation)

	if _, err := tx.Exec(ctx,
		`UPDATE usage_counters
		 SET window_start = $2, window_end = $3, messages_used = $4, tokens_used = $5,
		     messages_warned = $6, tokens_warned = $7, messages_exceeded = $8, tokens_exceeded = $9,
		     updated_at = $10
		 WHERE tenant_id = $1`,
		c.TenantID, c.WindowStart, c.WindowEnd, c.MessagesUsed, c.TokensUsed,
		c.MessagesWarned, c.TokensWarned, c.MessagesExceeded, c.TokensExceeded, c.UpdatedAt); err != nil {
		return nil, fmt.Errorf("record usage: update counter: %w", err)
	}

	if upd.Evaluation.OverLimit {
		tag, err := tx.Exec(ctx,
			`UPDATE bots SET active = FALSE, disabled_reason = 'quota', updated_at = now()
			 WHERE tenant_id = $1 AND active`, rec.TenantID)
		if err != nil {
			return nil, fmt.Errorf("record usage: disable bots: %w", err)
		}
		upd.BotsDisabled = tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("record usage: commit: %w", err)
	}
	upd.Counter = *c
	return &upd, nil
}

// ResetElapsedWindows rolls every counter whose window ended at or before now
// and re-enables the bots that quota enforcement disabled. Bots disabled by
// an operator stay disabled.
func (s *Store) ResetElapsedWindows(ctx context.Context, now time.Time) ([]usage.Reset, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("reset windows: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	rows, err := tx.Query(ctx,
		`SELECT `+counterColumns+` FROM usage_counters WHERE window_end <= $1
		 ORDER BY tenant_id FOR UPDATE`, now)
	if err != nil {
		return nil, fmt.Errorf("reset windows: select: %w", err)
	}
	var counters []*usage.Counter
	for rows.Next() {
		c, err := scanCounter(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("reset windows: scan: %w", err)
		}
		counters = append(counters, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reset windows: %w", err)
	}

	resets := make([]usage.Reset, 0, len(counters))
	for _, c := range counters {
		r := c.CloseWindow(now)

		if _, err := tx.Exec(ctx,
			`UPDATE usage_counters
			 SET window_start = $2, window_end = $3, messages_used = 0, tokens_used = 0,
			     messages_warned = FALSE, tokens_warned = FALSE,
			     messages_exceeded = FALSE, tokens_exceeded = FALSE, updated_at = $4
			 WHERE tenant_id = $1`,
			c.TenantID, c.WindowStart, c.WindowEnd, now); err != nil {
			return nil, fmt.Errorf("reset windows: roll %s: %w", c.TenantID, err)
		}
		tag, err := tx.Exec(ctx, enableQuotaBots, c.TenantID)
		if err != nil {
			return nil, fmt.Errorf("reset windows: enable bots %s: %w", c.TenantID, err)
		}
		r.BotsEnabled = tag.RowsAffected()
		resets = append(resets, r)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("reset windows: commit: %w", err)
	}
	return resets, nil
}
