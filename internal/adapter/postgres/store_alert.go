package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Strob0t/ReplyForge/internal/domain/alert"
)

// --- Alerts (append-only) ---

func (s *Store) CreateAlert(ctx context.Context, a *alert.Alert) error {
	ctxJSON := []byte("{}")
	if len(a.Context) > 0 {
		var err error
		if ctxJSON, err = json.Marshal(a.Context); err != nil {
			return fmt.Errorf("create alert: encode context: %w", err)
		}
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO alerts (tenant_id, severity, type, message, context)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		nullIfEmpty(a.TenantID), string(a.Severity), a.Type, a.Message, ctxJSON,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create alert %s: %w", a.Type, err)
	}
	return nil
}

func (s *Store) ListAlerts(ctx context.Context, tenantID string, limit int) ([]alert.Alert, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, COALESCE(tenant_id::text, ''), severity, type, message, context, created_at
		 FROM alerts WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts for %s: %w", tenantID, err)
	}
	defer rows.Close()

	var out []alert.Alert
	for rows.Next() {
		var a alert.Alert
		var severity string
		var ctxJSON []byte
		if err := rows.Scan(&a.ID, &a.TenantID, &severity, &a.Type, &a.Message, &ctxJSON, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Severity = alert.Severity(severity)
		if len(ctxJSON) > 0 {
			_ = json.Unmarshal(ctxJSON, &a.Context)
		}
		out = append(out, a)
	}
	return orEmpty(out), rows.Err()
}
