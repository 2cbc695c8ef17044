// Package toolserver defines the port for tools hosted on an external tool server.
package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotConfigured is returned when no tool-server endpoint is available.
var ErrNotConfigured = errors.New("toolserver: not configured")

// StatusError is a non-2xx response from the tool server.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tool server returned %d: %s", e.Status, e.Body)
}

// Client invokes a tool by name with JSON arguments. An empty endpoint selects
// the configured default tool server.
type Client interface {
	Invoke(ctx context.Context, endpoint, toolName string, args json.RawMessage) (json.RawMessage, error)
}
