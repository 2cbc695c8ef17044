package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Strob0t/ReplyForge/internal/domain/tool"
	"github.com/Strob0t/ReplyForge/internal/domain/toolexec"
)

// --- Tool executions (append-only audit, one terminal update per row) ---

func (s *Store) CreateToolExecution(ctx context.Context, e *toolexec.Execution) error {
	args := toolexec.AuditArguments(e.Arguments)
	err := s.pool.QueryRow(ctx,
		`INSERT INTO tool_executions (event_id, tenant_id, call_id, tool_name, kind, iteration, arguments, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		 RETURNING id, created_at`,
		e.EventID, e.TenantID, e.CallID, e.ToolName, string(e.Kind), e.Iteration, args,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("create tool execution %s: %w", e.ToolName, err)
	}
	e.Status = toolexec.StatusPending
	return nil
}

// FinishToolExecution records the terminal status. Only pending rows move.
func (s *Store) FinishToolExecution(ctx context.Context, id string, status toolexec.Status, result json.RawMessage, errMsg string, durationMS int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tool_executions
		 SET status = $2, result = $3, error = $4, duration_ms = $5, finished_at = now()
		 WHERE id = $1 AND status = 'pending'`,
		id, string(status), nullJSON(result), errMsg, durationMS)
	return execExpectOne(tag, err, "finish tool execution %s", id)
}

func (s *Store) ListToolExecutions(ctx context.Context, eventID string) ([]toolexec.Execution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_id, tenant_id, call_id, tool_name, kind, iteration, arguments, result,
		        error, status, duration_ms, created_at
		 FROM tool_executions WHERE event_id = $1 ORDER BY iteration ASC, created_at ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list tool executions for %s: %w", eventID, err)
	}
	defer rows.Close()

	var out []toolexec.Execution
	for rows.Next() {
		var e toolexec.Execution
		var kind, status string
		if err := rows.Scan(&e.ID, &e.EventID, &e.TenantID, &e.CallID, &e.ToolName, &kind, &e.Iteration,
			&e.Arguments, &e.Result, &e.Error, &status, &e.DurationMS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tool execution: %w", err)
		}
		e.Kind = tool.Kind(kind)
		e.Status = toolexec.Status(status)
		out = append(out, e)
	}
	return orEmpty(out), rows.Err()
}
