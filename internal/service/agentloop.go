package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	rfotel "github.com/Strob0t/ReplyForge/internal/adapter/otel"
	"github.com/Strob0t/ReplyForge/internal/adapter/ws"
	"github.com/Strob0t/ReplyForge/internal/config"
	"github.com/Strob0t/ReplyForge/internal/domain"
	"github.com/Strob0t/ReplyForge/internal/domain/alert"
	"github.com/Strob0t/ReplyForge/internal/domain/bot"
	"github.com/Strob0t/ReplyForge/internal/domain/conversation"
	"github.com/Strob0t/ReplyForge/internal/domain/tenant"
	"github.com/Strob0t/ReplyForge/internal/domain/tool"
	"github.com/Strob0t/ReplyForge/internal/domain/toolexec"
	"github.com/Strob0t/ReplyForge/internal/port/broadcast"
	"github.com/Strob0t/ReplyForge/internal/port/database"
	"github.com/Strob0t/ReplyForge/internal/port/llm"
	"github.com/Strob0t/ReplyForge/internal/resilience"
)

// LoopState is a state of the reasoning loop.
type LoopState string

const (
	StateReasoning      LoopState = "reasoning"
	StateExecutingTools LoopState = "executing_tools"
	StateDone           LoopState = "done"
)

// LoopOutcome is how a finished loop produced its reply.
type LoopOutcome string

const (
	OutcomeAnswer   LoopOutcome = "answer"
	OutcomeFallback LoopOutcome = "fallback"
)

// FallbackReason explains a fallback outcome.
type FallbackReason string

const (
	ReasonNone          FallbackReason = ""
	ReasonIterationCap  FallbackReason = "iteration_cap"
	ReasonProviderError FallbackReason = "provider_error"
	ReasonEmptyResponse FallbackReason = "empty_response"
)

// DefaultMaxIterations caps provider calls per inbound message.
const DefaultMaxIterations = 5

// LoopInput is everything one run of the loop needs.
type LoopInput struct {
	EventID     string
	Tenant      *tenant.Tenant
	Bot         *bot.Bot
	History     []conversation.Message
	UserMessage string
}

// ToolCallRecord summarizes one resolved tool call.
type ToolCallRecord struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Iteration  int             `json:"iteration"`
	Arguments  json.RawMessage `json:"arguments"`
	Status     toolexec.Status `json:"status"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// LoopResult is the terminal state of the loop. Token counts are cumulative
// over every provider call, whatever the outcome.
type LoopResult struct {
	Outcome    LoopOutcome      `json:"outcome"`
	Reason     FallbackReason   `json:"reason,omitempty"`
	Text       string           `json:"text"`
	Iterations int              `json:"iterations"`
	Provider   string           `json:"provider"`
	Model      string           `json:"model"`
	TokensIn   int64            `json:"tokens_in"`
	TokensOut  int64            `json:"tokens_out"`
	ToolCalls  []ToolCallRecord `json:"tool_calls,omitempty"`
	Err        error            `json:"-"`
}

// AgentLoop runs the bounded tool-calling exchange with a language model.
type AgentLoop struct {
	providers  *ProviderSet
	dispatcher *ToolDispatcher
	store      database.Store
	alerts     *AlertService
	breakers   *resilience.Group
	hub        broadcast.Broadcaster
	metrics    *rfotel.Metrics
	cfg        config.Pipeline
}

// NewAgentLoop creates an AgentLoop. breakers, hub and metrics may be nil.
func NewAgentLoop(
	providers *ProviderSet,
	dispatcher *ToolDispatcher,
	store database.Store,
	alerts *AlertService,
	breakers *resilience.Group,
	hub broadcast.Broadcaster,
	metrics *rfotel.Metrics,
	cfg config.Pipeline,
) *AgentLoop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = 8
	}
	return &AgentLoop{
		providers:  providers,
		dispatcher: dispatcher,
		store:      store,
		alerts:     alerts,
		breakers:   breakers,
		hub:        hub,
		metrics:    metrics,
		cfg:        cfg,
	}
}

// loopRun is the mutable state of one Run.
type loopRun struct {
	in        LoopInput
	provider  llm.Provider
	req       llm.Request
	state     LoopState
	iteration int
	pending   []tool.Call
	result    LoopResult
	toolScope ToolScope
	maxIter   int
}

// Run drives the state machine until it reaches StateDone. Tool failures are
// fed back to the model as observations; only the iteration cap or a provider
// failure end the loop without an answer.
func (l *AgentLoop) Run(ctx context.Context, in LoopInput) LoopResult {
	r := &loopRun{
		in:      in,
		state:   StateReasoning,
		maxIter: l.cfg.MaxIterations,
		toolScope: ToolScope{
			TenantID: in.Tenant.ID,
			BotID:    in.Bot.ID,
			EventID:  in.EventID,
		},
	}

	provider, err := l.providers.Get(in.Bot.Provider)
	if err != nil {
		l.providerFailed(ctx, r, err)
		return r.result
	}
	r.provider = provider
	r.result.Provider = provider.Name()
	r.result.Model = in.Bot.Model
	r.req = llm.Request{
		Model:       in.Bot.Model,
		System:      in.Bot.Instructions(),
		Messages:    buildTranscript(in.History, in.UserMessage),
		Temperature: in.Bot.Temperature,
		MaxTokens:   in.Bot.MaxTokens,
	}
	if provider.Capabilities().Tools {
		r.req.Tools = l.dispatcher.Catalogue(in.Bot.Tools)
	}

	for r.state != StateDone {
		switch r.state {
		case StateReasoning:
			l.reason(ctx, r)
		case StateExecutingTools:
			l.executeTools(ctx, r)
		}
	}

	l.metrics.RecordLoop(ctx, r.result.Iterations, string(r.result.Outcome))
	l.metrics.RecordTokens(ctx, r.result.Provider, r.result.Model, r.result.TokensIn, r.result.TokensOut)
	return r.result
}

// reason makes one provider call and picks the next state.
func (l *AgentLoop) reason(ctx context.Context, r *loopRun) {
	if r.iteration >= r.maxIter {
		slog.Info("reasoning loop hit iteration cap",
			"event_id", r.in.EventID,
			"iterations", r.iteration,
		)
		l.finish(r, OutcomeFallback, ReasonIterationCap, r.in.Tenant.Fallback())
		return
	}
	r.iteration++
	r.result.Iterations = r.iteration

	iterCtx, span := rfotel.StartIterationSpan(ctx, r.iteration, r.provider.Name(), r.req.Model)
	resp, err := l.generate(iterCtx, r.provider, r.req)
	rfotel.EndSpan(span, err)
	if err != nil {
		l.providerFailed(ctx, r, err)
		return
	}

	r.result.TokensIn += resp.TokensIn
	r.result.TokensOut += resp.TokensOut
	if resp.Model != "" {
		r.result.Model = resp.Model
	}

	switch {
	case resp.HasToolCalls():
		calls := make([]tool.Call, len(resp.ToolCalls))
		copy(calls, resp.ToolCalls)
		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = fmt.Sprintf("call_%d_%d", r.iteration, i)
			}
		}
		r.pending = calls
		r.req.Messages = append(r.req.Messages, llm.Message{
			Role:      conversation.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: calls,
		})
		r.state = StateExecutingTools
	case resp.Text != "":
		l.finish(r, OutcomeAnswer, ReasonNone, resp.Text)
	default:
		slog.Warn("provider returned neither text nor tool calls",
			"event_id", r.in.EventID,
			"provider", r.provider.Name(),
			"stop_reason", resp.StopReason,
		)
		l.finish(r, OutcomeFallback, ReasonEmptyResponse, r.in.Tenant.Fallback())
	}
}

// generate calls the provider under its breaker and the provider timeout.
func (l *AgentLoop) generate(ctx context.Context, p llm.Provider, req llm.Request) (*llm.Response, error) {
	if l.cfg.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.ProviderTimeout)
		defer cancel()
	}

	var resp *llm.Response
	call := func(ctx context.Context) error {
		out, err := p.Generate(ctx, req)
		if err != nil {
			return err
		}
		resp = out
		return nil
	}

	var err error
	if l.breakers != nil {
		err = l.breakers.Get("llm:"+p.Name()).ExecuteContext(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: empty response", domain.ErrProvider)
	}
	return resp, nil
}

// executeTools dispatches every pending call concurrently and waits for all
// of them before the next reasoning step.
func (l *AgentLoop) executeTools(ctx context.Context, r *loopRun) {
	calls := r.pending
	r.pending = nil
	results := make([]tool.Result, len(calls))
	records := make([]ToolCallRecord, len(calls))

	g := new(errgroup.Group)
	g.SetLimit(l.cfg.MaxParallelTools)
	for i := range calls {
		g.Go(func() error {
			results[i], records[i] = l.runTool(ctx, r, calls[i])
			return nil
		})
	}
	_ = g.Wait()

	for i := range calls {
		r.req.Messages = append(r.req.Messages, llm.Message{
			Role:       conversation.RoleTool,
			Content:    results[i].Observation(),
			ToolCallID: calls[i].ID,
			ToolName:   calls[i].Name,
			IsError:    !results[i].OK(),
		})
	}
	r.result.ToolCalls = append(r.result.ToolCalls, records...)
	r.state = StateReasoning
}

// runTool dispatches one call and keeps its ToolExecution row in step.
func (l *AgentLoop) runTool(ctx context.Context, r *loopRun, call tool.Call) (tool.Result, ToolCallRecord) {
	binding, known := r.in.Bot.Tool(call.Name)
	exec := &toolexec.Execution{
		EventID:   r.in.EventID,
		TenantID:  r.in.Tenant.ID,
		CallID:    call.ID,
		ToolName:  call.Name,
		Kind:      binding.Kind,
		Iteration: r.iteration,
		Arguments: toolexec.AuditArguments(call.Arguments),
	}
	recorded := true
	if err := l.store.CreateToolExecution(ctx, exec); err != nil {
		recorded = false
		slog.Error("tool execution not recorded", "event_id", r.in.EventID, "tool", call.Name, "error", err)
	}

	toolCtx, span := rfotel.StartToolCallSpan(ctx, call.ID, call.Name, string(binding.Kind))
	var res tool.Result
	if known {
		res = l.dispatcher.Dispatch(toolCtx, r.toolScope, binding, call.Arguments)
	} else {
		res = tool.Result{Err: &tool.Error{
			Kind:    tool.ErrorUnknownTool,
			Message: fmt.Sprintf("tool %s is not enabled for this bot", call.Name),
		}}
	}
	var spanErr error
	if res.Err != nil {
		spanErr = res.Err
	}
	rfotel.EndSpan(span, spanErr)

	status := toolexec.StatusFor(&res)
	rec := ToolCallRecord{
		ID:         call.ID,
		Name:       call.Name,
		Iteration:  r.iteration,
		Arguments:  call.Arguments,
		Status:     status,
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
		slog.Warn("tool call failed",
			"event_id", r.in.EventID,
			"tool", call.Name,
			"kind", res.Err.Kind,
			"error", res.Err.Message,
		)
	}

	if recorded {
		// The row must leave pending even when the pipeline context is done.
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err := l.store.FinishToolExecution(finishCtx, exec.ID, status, res.Output, rec.Error, rec.DurationMS)
		cancel()
		if err != nil {
			slog.Error("tool execution not finished", "execution_id", exec.ID, "error", err)
		}
	}

	l.metrics.RecordToolCall(ctx, call.Name, string(binding.Kind), string(status), res.Duration)
	if l.hub != nil {
		l.hub.BroadcastEvent(ctx, r.in.Tenant.ID, ws.EventToolExecuted, ws.ToolExecutedEvent{
			EventID:    r.in.EventID,
			Tool:       call.Name,
			Iteration:  r.iteration,
			Status:     string(status),
			DurationMS: rec.DurationMS,
		})
	}
	return res, rec
}

// providerFailed ends the loop with the tenant's error reply and raises an alert.
func (l *AgentLoop) providerFailed(ctx context.Context, r *loopRun, err error) {
	if !errors.Is(err, domain.ErrProvider) {
		err = fmt.Errorf("%w: %w", domain.ErrProvider, err)
	}
	r.result.Err = err
	l.finish(r, OutcomeFallback, ReasonProviderError, r.in.Tenant.ErrorFallback())

	slog.Error("provider call failed",
		"event_id", r.in.EventID,
		"provider", r.result.Provider,
		"iteration", r.iteration,
		"error", err,
	)
	if l.alerts != nil {
		_ = l.alerts.Raise(ctx, &alert.Alert{
			TenantID: r.in.Tenant.ID,
			Severity: alert.SeverityError,
			Type:     alert.TypeProviderFailure,
			Message:  fmt.Sprintf("Language model provider failed for bot %s: %v", r.in.Bot.Name, err),
			Context: map[string]any{
				"bot_id":    r.in.Bot.ID,
				"event_id":  r.in.EventID,
				"provider":  r.result.Provider,
				"model":     r.result.Model,
				"iteration": r.iteration,
			},
		})
	}
}

func (l *AgentLoop) finish(r *loopRun, outcome LoopOutcome, reason FallbackReason, text string) {
	r.result.Outcome = outcome
	r.result.Reason = reason
	r.result.Text = text
	r.state = StateDone
}

// buildTranscript turns stored history plus the new user message into
// provider messages. Only user and assistant text is replayed; tool traffic
// from earlier turns lives in the tool execution log.
func buildTranscript(history []conversation.Message, userMessage string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		if m.Role != conversation.RoleUser && m.Role != conversation.RoleAssistant {
			continue
		}
		if m.Content == "" {
			continue
		}
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	return append(msgs, llm.Message{Role: conversation.RoleUser, Content: userMessage})
}
