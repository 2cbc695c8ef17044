// Package toolexec defines the audit record written for every tool invocation.
package toolexec

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/Strob0t/ReplyForge/internal/domain/tool"
)

// Status of a tool execution. Pending is the only non-terminal state.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
)

// Execution is one tool invocation. Written once as pending, then updated
// exactly once to a terminal status.
type Execution struct {
	ID         string          `json:"id"`
	EventID    string          `json:"event_id"`
	TenantID   string          `json:"tenant_id"`
	CallID     string          `json:"call_id"`
	ToolName   string          `json:"tool_name"`
	Kind       tool.Kind       `json:"kind"`
	Iteration  int             `json:"iteration"`
	Arguments  json.RawMessage `json:"arguments"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Status     Status          `json:"status"`
	DurationMS int64           `json:"duration_ms"`
	CreatedAt  time.Time       `json:"created_at"`
}

// StatusFor maps a dispatch result to its terminal status.
func StatusFor(r *tool.Result) Status {
	if r.Err == nil {
		return StatusSuccess
	}
	if r.Err.Kind == tool.ErrorTimeout {
		return StatusTimeout
	}
	return StatusFailed
}

// AuditArguments returns args in a form the audit column accepts. Missing
// arguments become an empty object; text that is not valid JSON, such as a
// call truncated by the model's token limit, is kept verbatim as a JSON string.
func AuditArguments(args json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 {
		return json.RawMessage(`{}`)
	}
	if json.Valid(trimmed) {
		return args
	}
	quoted, _ := json.Marshal(string(args))
	return quoted
}
