// Package llm defines the language-model provider port. Callers build one
// provider-neutral Request and never branch on which provider serves it.
package llm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/Strob0t/ReplyForge/internal/domain/conversation"
	"github.com/Strob0t/ReplyForge/internal/domain/tool"
)

// ErrNotConfigured is returned when a provider is missing credentials.
var ErrNotConfigured = errors.New("llm: not configured")

// Message is one transcript entry sent to the provider.
type Message struct {
	Role       conversation.Role `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  []tool.Call       `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolName   string            `json:"tool_name,omitempty"`
	IsError    bool              `json:"is_error,omitempty"`
}

// ToolSpec is one entry of the tool catalogue.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is a single generation call.
type Request struct {
	Model       string     `json:"model"`
	System      string     `json:"system,omitempty"`
	Messages    []Message  `json:"messages"`
	Tools       []ToolSpec `json:"tools,omitempty"`
	Temperature float64    `json:"temperature,omitempty"`
	MaxTokens   int        `json:"max_tokens,omitempty"`
}

// Response is either final text or one or more tool calls, plus token counts.
type Response struct {
	Text       string      `json:"text,omitempty"`
	ToolCalls  []tool.Call `json:"tool_calls,omitempty"`
	TokensIn   int64       `json:"tokens_in"`
	TokensOut  int64       `json:"tokens_out"`
	Model      string      `json:"model"`
	StopReason string      `json:"stop_reason,omitempty"`
}

// HasToolCalls reports whether the model asked for tools.
func (r *Response) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// Capabilities declares what a provider supports.
type Capabilities struct {
	Tools         bool `json:"tools"`
	ParallelTools bool `json:"parallel_tools"`
}

// Provider is the port interface for a language-model backend.
type Provider interface {
	// Name returns the registry name (e.g. "anthropic", "openai").
	Name() string

	// Capabilities returns what this provider supports.
	Capabilities() Capabilities

	// Generate runs one completion over the transcript and tool catalogue.
	Generate(ctx context.Context, req Request) (*Response, error)
}
