// Package script defines the port for invoking internal scripted tools.
package script

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrScriptNotFound is returned when no runner answers for a script id.
var ErrScriptNotFound = errors.New("script: not found")

// Runner invokes a named unit of orchestrated logic with JSON arguments.
type Runner interface {
	Run(ctx context.Context, scriptID string, args json.RawMessage) (json.RawMessage, error)
}
