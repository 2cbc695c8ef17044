package tool

import (
	"encoding/json"
	"fmt"
	"time"
)

// ErrorKind classifies a failed tool invocation.
type ErrorKind string

const (
	ErrorValidation  ErrorKind = "validation"
	ErrorTimeout     ErrorKind = "timeout"
	ErrorFailure     ErrorKind = "failure"
	ErrorUnknownTool ErrorKind = "unknown_tool"
)

// Error is a tool failure. It is data handed back to the model, not a Go error
// that aborts anything.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Call is a tool invocation requested by the language model.
type Call struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Result is the outcome of dispatching one Call. Exactly one of Output and Err is set.
type Result struct {
	Output   json.RawMessage `json:"output,omitempty"`
	Err      *Error          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// OK reports whether the tool succeeded.
func (r *Result) OK() bool { return r.Err == nil }

// Observation renders the result as the text the model sees in a tool-role message.
func (r *Result) Observation() string {
	if r.Err != nil {
		data, _ := json.Marshal(map[string]any{"error": r.Err})
		return string(data)
	}
	if len(r.Output) == 0 {
		return "{}"
	}
	return string(r.Output)
}
