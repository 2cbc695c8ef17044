package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/ReplyForge/internal/domain"
	"github.com/Strob0t/ReplyForge/internal/domain/inbound"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Inbound events ---

const eventColumns = `id, external_id, routing_key, sender_id, sender_name, body, status, retry_count,
	outcome, last_error, result, payload, received_at, processed_at, expires_at`

func scanEvent(row scannable) (*inbound.Event, error) {
	var ev inbound.Event
	var status, outcome string
	var result, payload []byte
	err := row.Scan(&ev.ID, &ev.ExternalID, &ev.RoutingKey, &ev.SenderID, &ev.SenderName, &ev.Body,
		&status, &ev.RetryCount, &outcome, &ev.LastError, &result, &payload,
		&ev.ReceivedAt, &ev.ProcessedAt, &ev.ExpiresAt)
	if err != nil {
		return nil, err
	}
	ev.Status = inbound.Status(status)
	ev.Outcome = inbound.Outcome(outcome)
	ev.Result = result
	ev.Payload = payload
	return &ev, nil
}

// AdmitEvent claims an inbound event by its external id. The unique index on
// external_id makes the claim atomic: a fresh row is inserted as received and
// moved to processing in the same transaction; a conflict either re-claims a
// failed row (retry) or reports the prior row as a duplicate. The row keeps
// the caller's ReceivedAt and ExpiresAt; a retry refreshes the expiry.
func (s *Store) AdmitEvent(ctx context.Context, ev *inbound.Event) (inbound.Admission, error) {
	if ev.ExpiresAt.IsZero() {
		return inbound.Admission{}, fmt.Errorf("admit event %s: %w: expiry not set", ev.ExternalID, domain.ErrValidation)
	}
	now := ev.ReceivedAt.UTC()
	if ev.ReceivedAt.IsZero() {
		now = time.Now().UTC()
	}
	expires := ev.ExpiresAt.UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return inbound.Admission{}, fmt.Errorf("admit event: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var id string
	err = tx.QueryRow(ctx,
		`INSERT INTO inbound_events (external_id, routing_key, sender_id, sender_name, body, status, payload, received_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, 'received', $6, $7, $8)
		 ON CONFLICT (external_id) DO NOTHING
		 RETURNING id`,
		ev.ExternalID, ev.RoutingKey, ev.SenderID, ev.SenderName, ev.Body, nullJSON(ev.Payload), now, expires,
	).Scan(&id)

	switch {
	case err == nil:
		row := tx.QueryRow(ctx,
			`UPDATE inbound_events SET status = 'processing' WHERE id = $1 AND status = 'received'
			 RETURNING `+eventColumns, id)
		admitted, err := scanEvent(row)
		if err != nil {
			return inbound.Admission{}, fmt.Errorf("admit event %s: start processing: %w", ev.ExternalID, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return inbound.Admission{}, fmt.Errorf("admit event %s: commit: %w", ev.ExternalID, err)
		}
		return inbound.Admission{Decision: inbound.DecisionProceed, Event: admitted}, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return inbound.Admission{}, fmt.Errorf("admit event %s: insert: %w", ev.ExternalID, err)
	}

	// Seen before. Only a failed row may be re-claimed.
	row := tx.QueryRow(ctx,
		`UPDATE inbound_events
		 SET status = 'processing', retry_count = retry_count + 1, last_error = '', outcome = '',
		     payload = COALESCE($2, payload), expires_at = $3
		 WHERE external_id = $1 AND status = 'failed'
		 RETURNING `+eventColumns,
		ev.ExternalID, nullJSON(ev.Payload), expires)
	retried, err := scanEvent(row)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return inbound.Admission{}, fmt.Errorf("admit event %s: commit retry: %w", ev.ExternalID, err)
		}
		return inbound.Admission{Decision: inbound.DecisionProceed, Event: retried, Retry: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return inbound.Admission{}, fmt.Errorf("admit event %s: retry: %w", ev.ExternalID, err)
	}

	prior, err := scanEvent(tx.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM inbound_events WHERE external_id = $1`, ev.ExternalID))
	if err != nil {
		// The prior row vanished between the insert and the read (purged).
		// The caller retries through its own redelivery.
		return inbound.Admission{}, notFoundWrap(err, "admit event %s: read prior", ev.ExternalID)
	}
	if err := tx.Commit(ctx); err != nil {
		return inbound.Admission{}, fmt.Errorf("admit event %s: commit: %w", ev.ExternalID, err)
	}
	return inbound.Admission{Decision: inbound.DecisionDuplicate, Event: prior}, nil
}

// CompleteEvent moves a processing event to completed.
func (s *Store) CompleteEvent(ctx context.Context, id string, outcome inbound.Outcome, result json.RawMessage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE inbound_events SET status = 'completed', outcome = $2, result = $3, processed_at = now()
		 WHERE id = $1 AND status = 'processing'`,
		id, string(outcome), nullJSON(result))
	return execExpectOne(tag, err, "complete event %s", id)
}

// FailEvent moves a processing event to failed so a redelivery can retry it.
func (s *Store) FailEvent(ctx context.Context, id string, outcome inbound.Outcome, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE inbound_events SET status = 'failed', outcome = $2, last_error = $3, processed_at = now()
		 WHERE id = $1 AND status = 'processing'`,
		id, string(outcome), reason)
	return execExpectOne(tag, err, "fail event %s", id)
}

// GetEventByExternalID returns the event with the given external message id.
func (s *Store) GetEventByExternalID(ctx context.Context, externalID string) (*inbound.Event, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM inbound_events WHERE external_id = $1`, externalID))
	if err != nil {
		return nil, notFoundWrap(err, "get event %s", externalID)
	}
	return ev, nil
}

// PurgeExpiredEvents deletes terminal events whose expiry has passed.
func (s *Store) PurgeExpiredEvents(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM inbound_events WHERE expires_at < $1 AND status IN ('completed', 'failed', 'duplicate')`, now)
	if err != nil {
		return 0, fmt.Errorf("purge expired events: %w", err)
	}
	return tag.RowsAffected(), nil
}
