// Package anthropic implements the llm.Provider port on the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Strob0t/ReplyForge/internal/domain"
	"github.com/Strob0t/ReplyForge/internal/domain/conversation"
	"github.com/Strob0t/ReplyForge/internal/domain/tool"
	"github.com/Strob0t/ReplyForge/internal/port/llm"
)

const (
	providerName     = "anthropic"
	defaultMaxTokens = 1024
)

// Provider calls Claude models through the official SDK.
type Provider struct {
	client       anthropic.Client
	defaultModel string
}

// New creates a provider. An empty apiKey returns llm.ErrNotConfigured.
func New(apiKey, baseURL, defaultModel string, timeout time.Duration) (*Provider, error) {
	if apiKey == "" {
		return nil, llm.ErrNotConfigured
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(1)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	return &Provider{client: anthropic.NewClient(opts...), defaultModel: defaultModel}, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Tools: true, ParallelTools: true}
}

// Generate sends one non-streaming Messages request.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapError(err)
	}

	resp := &llm.Response{
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		TokensIn:   msg.Usage.InputTokens,
		TokensOut:  msg.Usage.OutputTokens,
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "tool_use":
			args := block.Input
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			resp.ToolCalls = append(resp.ToolCalls, tool.Call{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	return resp, nil
}

// convertMessages maps the neutral transcript onto Anthropic turns. Tool
// results become tool_result blocks on a user turn; consecutive results are
// merged so the turns keep alternating.
func convertMessages(msgs []llm.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	var pending []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pending) > 0 {
			out = append(out, anthropic.NewUserMessage(pending...))
			pending = nil
		}
	}

	for _, m := range msgs {
		switch m.Role {
		case conversation.RoleSystem:
			continue
		case conversation.RoleTool:
			pending = append(pending, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
			continue
		}
		flushResults()

		var content []anthropic.ContentBlockParamUnion
		if m.Content != "" {
			content = append(content, anthropic.NewTextBlock(m.Content))
		}
		for _, tc := range m.ToolCalls {
			var input map[string]any
			if len(tc.Arguments) > 0 {
				if err := json.Unmarshal(tc.Arguments, &input); err != nil {
					return nil, fmt.Errorf("tool call %s input: %w", tc.ID, err)
				}
			}
			if input == nil {
				input = map[string]any{}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}
		if m.Role == conversation.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	flushResults()
	return out, nil
}

func convertTools(specs []llm.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, s := range specs {
		var schema anthropic.ToolInputSchemaParam
		raw := s.Parameters
		if len(raw) == 0 {
			raw = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", s.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, s.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("tool %s: missing tool definition", s.Name)
		}
		if s.Description != "" {
			param.OfTool.Description = anthropic.String(s.Description)
		}
		out = append(out, param)
	}
	return out, nil
}

// wrapError tags API failures with domain.ErrProvider and keeps the status.
func wrapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("anthropic: status %d: %w: %w", apiErr.StatusCode, domain.ErrProvider, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("anthropic: %w", err)
	}
	return fmt.Errorf("anthropic: %w: %w", domain.ErrProvider, err)
}
