// Package openai implements the llm.Provider port on any OpenAI-compatible
// chat completions endpoint (OpenAI, LiteLLM, vLLM).
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Strob0t/ReplyForge/internal/domain"
	"github.com/Strob0t/ReplyForge/internal/domain/conversation"
	"github.com/Strob0t/ReplyForge/internal/domain/tool"
	"github.com/Strob0t/ReplyForge/internal/port/llm"
)

const providerName = "openai"

// Provider calls chat completions through go-openai.
type Provider struct {
	client       *openai.Client
	defaultModel string
}

// New creates a provider. An empty apiKey returns llm.ErrNotConfigured.
func New(apiKey, baseURL, defaultModel string, timeout time.Duration) (*Provider, error) {
	if apiKey == "" {
		return nil, llm.ErrNotConfigured
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}
	return &Provider{client: openai.NewClientWithConfig(cfg), defaultModel: defaultModel}, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Tools: true, ParallelTools: true}
}

// Generate sends one non-streaming chat completion.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    convertMessages(req.System, req.Messages),
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices: %w", domain.ErrProvider)
	}

	choice := resp.Choices[0]
	out := &llm.Response{
		Text:       choice.Message.Content,
		Model:      resp.Model,
		StopReason: string(choice.FinishReason),
		TokensIn:   int64(resp.Usage.PromptTokens),
		TokensOut:  int64(resp.Usage.CompletionTokens),
	}
	for _, tc := range choice.Message.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		out.ToolCalls = append(out.ToolCalls, tool.Call{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return out, nil
}

// convertMessages prepends the system prompt and maps tool results onto one
// tool-role message each.
func convertMessages(system string, msgs []llm.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		switch m.Role {
		case conversation.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Content})
		case conversation.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
				Name:       m.ToolName,
			})
		case conversation.RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, msg)
		default:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		}
	}
	return out
}

func convertTools(specs []llm.ToolSpec) []openai.Tool {
	out := make([]openai.Tool, 0, len(specs))
	for _, s := range specs {
		params := s.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// wrapError tags API failures with domain.ErrProvider and keeps the status.
func wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("openai: status %d: %w: %w", apiErr.HTTPStatusCode, domain.ErrProvider, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("openai: %w", err)
	}
	return fmt.Errorf("openai: %w: %w", domain.ErrProvider, err)
}
