package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/ReplyForge/internal/adapter/ws"
	"github.com/Strob0t/ReplyForge/internal/config"
	"github.com/Strob0t/ReplyForge/internal/domain"
	"github.com/Strob0t/ReplyForge/internal/domain/alert"
	"github.com/Strob0t/ReplyForge/internal/domain/bot"
	"github.com/Strob0t/ReplyForge/internal/domain/conversation"
	"github.com/Strob0t/ReplyForge/internal/domain/tenant"
	"github.com/Strob0t/ReplyForge/internal/domain/tool"
	"github.com/Strob0t/ReplyForge/internal/domain/toolexec"
	"github.com/Strob0t/ReplyForge/internal/port/llm"
	"github.com/Strob0t/ReplyForge/internal/resilience"
)

func testTenant() tenant.Tenant {
	return tenant.Tenant{
		ID:                  "t1",
		Name:                "Acme",
		Active:              true,
		MonthlyMessageLimit: 1000,
		MonthlyTokenLimit:   1_000_000,
		FallbackMessage:     "A human will follow up.",
		ErrorMessage:        "We are having trouble, please retry.",
	}
}

func testBot(tools ...tool.Binding) bot.Bot {
	return bot.Bot{
		ID:           "b1",
		TenantID:     "t1",
		RoutingKey:   "bot-key",
		Name:         "Support",
		SystemPrompt: "You answer customer questions.",
		Provider:     "fake",
		Model:        "fake-model",
		Channel:      "fake",
		Tools:        tools,
		Active:       true,
	}
}

func pipelineConfig() config.Pipeline {
	return config.Pipeline{
		MaxIterations:    5,
		MaxParallelTools: 4,
		ToolTimeout:      time.Second,
		ProviderTimeout:  time.Second,
		DeliveryTimeout:  time.Second,
		HistoryLimit:     10,
		Workers:          4,
		EventTTL:         time.Hour,
	}
}

type loopFixture struct {
	store      *memStore
	hub        *recordingHub
	alerts     *AlertService
	provider   *scriptedProvider
	dispatcher *ToolDispatcher
	loop       *AgentLoop
}

func newLoopFixture(provider *scriptedProvider) *loopFixture {
	if provider.name == "" {
		provider.name = "fake"
	}
	f := &loopFixture{
		store:      newMemStore(),
		hub:        &recordingHub{},
		provider:   provider,
		dispatcher: NewToolDispatcher(nil, nil, time.Second),
	}
	f.alerts = NewAlertService(f.store, f.hub, nil, time.Second)
	f.loop = NewAgentLoop(NewProviderSet("fake", provider), f.dispatcher, f.store, f.alerts, nil, f.hub, nil, pipelineConfig())
	return f
}

func (f *loopFixture) run(b bot.Bot) LoopResult {
	tn := testTenant()
	return f.loop.Run(context.Background(), LoopInput{
		EventID:     "ev-1",
		Tenant:      &tn,
		Bot:         &b,
		UserMessage: "Where is my order?",
	})
}

func call(id, name, args string) tool.Call {
	return tool.Call{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func constBuiltin(name, output string, err error) Builtin {
	return Builtin{
		Binding: tool.Binding{Name: name, Kind: tool.KindBuiltin, Description: name},
		Handler: func(context.Context, ToolScope, json.RawMessage) (json.RawMessage, error) {
			if err != nil {
				return nil, err
			}
			return json.RawMessage(output), nil
		},
	}
}

func TestAgentLoop_DirectAnswer(t *testing.T) {
	f := newLoopFixture(&scriptedProvider{responses: []*llm.Response{
		{Text: "It ships tomorrow.", TokensIn: 100, TokensOut: 20},
	}})

	res := f.run(testBot())
	if res.Outcome != OutcomeAnswer || res.Text != "It ships tomorrow." {
		t.Fatalf("result = %+v", res)
	}
	if res.Iterations != 1 || res.TokensIn != 100 || res.TokensOut != 20 {
		t.Fatalf("accounting = %+v", res)
	}
	req := f.provider.requests[0]
	if req.System != "You answer customer questions." || req.Model != "fake-model" {
		t.Fatalf("request = %+v", req)
	}
	if n := len(req.Messages); n != 1 || req.Messages[0].Role != conversation.RoleUser {
		t.Fatalf("transcript = %+v", req.Messages)
	}
}

func TestAgentLoop_ParallelToolsWithMixedResults(t *testing.T) {
	f := newLoopFixture(&scriptedProvider{responses: []*llm.Response{
		{ToolCalls: []tool.Call{
			call("c1", "order_lookup", `{}`),
			call("c2", "broken", `{}`),
			call("c3", "not_enabled", `{}`),
		}, TokensIn: 50, TokensOut: 10},
		{Text: "Order 42 is on its way.", TokensIn: 80, TokensOut: 15},
	}})
	f.dispatcher.RegisterBuiltin(constBuiltin("order_lookup", `{"status":"shipped"}`, nil))
	f.dispatcher.RegisterBuiltin(constBuiltin("broken", "", errors.New("crm unavailable")))

	res := f.run(testBot(
		tool.Binding{Name: "order_lookup", Kind: tool.KindBuiltin},
		tool.Binding{Name: "broken", Kind: tool.KindBuiltin},
	))
	if res.Outcome != OutcomeAnswer || res.Iterations != 2 {
		t.Fatalf("result = %+v", res)
	}
	if res.TokensIn != 130 || res.TokensOut != 25 {
		t.Fatalf("tokens not cumulative: %d/%d", res.TokensIn, res.TokensOut)
	}
	if len(res.ToolCalls) != 3 {
		t.Fatalf("tool calls = %+v", res.ToolCalls)
	}

	want := map[string]toolexec.Status{"c1": toolexec.StatusSuccess, "c2": toolexec.StatusFailed, "c3": toolexec.StatusFailed}
	execs, _ := f.store.ListToolExecutions(context.Background(), "ev-1")
	if len(execs) != 3 {
		t.Fatalf("executions = %d, want 3", len(execs))
	}
	for _, e := range execs {
		if e.Status != want[e.CallID] {
			t.Errorf("%s status = %s, want %s", e.CallID, e.Status, want[e.CallID])
		}
	}

	// Every observation is fed back before the second reasoning step, in call order.
	second := f.provider.requests[1].Messages
	var toolMsgs []llm.Message
	for _, m := range second {
		if m.Role == conversation.RoleTool {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 3 || toolMsgs[0].ToolCallID != "c1" || toolMsgs[2].ToolCallID != "c3" {
		t.Fatalf("tool observations = %+v", toolMsgs)
	}
	if toolMsgs[0].IsError || !toolMsgs[1].IsError || !strings.Contains(toolMsgs[2].Content, "unknown_tool") {
		t.Fatalf("observation errors = %+v", toolMsgs)
	}
	if f.hub.count(ws.EventToolExecuted) != 3 {
		t.Fatalf("tool broadcasts = %d", f.hub.count(ws.EventToolExecuted))
	}
}

func TestAgentLoop_MalformedArgumentsStillAudited(t *testing.T) {
	truncated := `{"order_id": "42", "inclu`
	f := newLoopFixture(&scriptedProvider{responses: []*llm.Response{
		{ToolCalls: []tool.Call{call("c1", "order_lookup", truncated)}, StopReason: "length"},
		{Text: "Could you repeat the order number?"},
	}})
	f.dispatcher.RegisterBuiltin(constBuiltin("order_lookup", `{"status":"shipped"}`, nil))

	res := f.run(testBot(tool.Binding{Name: "order_lookup", Kind: tool.KindBuiltin}))
	if res.Outcome != OutcomeAnswer {
		t.Fatalf("result = %+v", res)
	}

	execs, _ := f.store.ListToolExecutions(context.Background(), "ev-1")
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want 1", len(execs))
	}
	e := execs[0]
	if e.Status != toolexec.StatusFailed || !strings.Contains(e.Error, "validation") {
		t.Fatalf("execution = %+v, want failed validation", e)
	}
	var raw string
	if err := json.Unmarshal(e.Arguments, &raw); err != nil || raw != truncated {
		t.Fatalf("arguments = %s, want the raw text as a JSON string", e.Arguments)
	}
}

func TestAgentLoop_ToolsRunConcurrently(t *testing.T) {
	f := newLoopFixture(&scriptedProvider{responses: []*llm.Response{
		{ToolCalls: []tool.Call{call("a", "slow", `{}`), call("b", "slow", `{}`), call("c", "slow", `{}`)}},
		{Text: "done"},
	}})
	var inFlight, peak atomic.Int32
	f.dispatcher.RegisterBuiltin(Builtin{
		Binding: tool.Binding{Name: "slow", Kind: tool.KindBuiltin},
		Handler: func(context.Context, ToolScope, json.RawMessage) (json.RawMessage, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			inFlight.Add(-1)
			return json.RawMessage(`{}`), nil
		},
	})

	res := f.run(testBot(tool.Binding{Name: "slow", Kind: tool.KindBuiltin}))
	if res.Outcome != OutcomeAnswer {
		t.Fatalf("result = %+v", res)
	}
	if peak.Load() < 2 {
		t.Fatalf("peak concurrency = %d, want tools to overlap", peak.Load())
	}
}

func TestAgentLoop_IterationCap(t *testing.T) {
	f := newLoopFixture(&scriptedProvider{responses: []*llm.Response{
		{ToolCalls: []tool.Call{call("", "order_lookup", `{}`)}, TokensIn: 10, TokensOut: 1},
	}})
	f.dispatcher.RegisterBuiltin(constBuiltin("order_lookup", `{}`, nil))

	res := f.run(testBot(tool.Binding{Name: "order_lookup", Kind: tool.KindBuiltin}))
	if res.Outcome != OutcomeFallback || res.Reason != ReasonIterationCap {
		t.Fatalf("result = %+v", res)
	}
	if res.Text != "A human will follow up." {
		t.Fatalf("text = %q, want tenant fallback", res.Text)
	}
	if f.provider.calls() != DefaultMaxIterations || res.Iterations != DefaultMaxIterations {
		t.Fatalf("provider calls = %d, iterations = %d", f.provider.calls(), res.Iterations)
	}
	if res.TokensIn != 50 {
		t.Fatalf("tokens in = %d, want usage of every call", res.TokensIn)
	}
	if len(res.ToolCalls) != DefaultMaxIterations || res.ToolCalls[0].ID != "call_1_0" {
		t.Fatalf("tool calls = %+v", res.ToolCalls)
	}
}

func TestAgentLoop_ProviderErrorRaisesAlert(t *testing.T) {
	f := newLoopFixture(&scriptedProvider{
		responses: []*llm.Response{{ToolCalls: []tool.Call{call("c1", "order_lookup", `{}`)}}},
		errs:      []error{nil, errors.New("503 overloaded")},
	})
	f.dispatcher.RegisterBuiltin(constBuiltin("order_lookup", `{}`, nil))

	res := f.run(testBot(tool.Binding{Name: "order_lookup", Kind: tool.KindBuiltin}))
	if res.Outcome != OutcomeFallback || res.Reason != ReasonProviderError {
		t.Fatalf("result = %+v", res)
	}
	if !errors.Is(res.Err, domain.ErrProvider) {
		t.Fatalf("err = %v, want ErrProvider", res.Err)
	}
	if res.Text != "We are having trouble, please retry." {
		t.Fatalf("text = %q, want tenant error message", res.Text)
	}
	alerts := f.store.alertsOfType(alert.TypeProviderFailure)
	if len(alerts) != 1 || alerts[0].Severity != alert.SeverityError {
		t.Fatalf("alerts = %+v", alerts)
	}
}

func TestAgentLoop_UnknownProvider(t *testing.T) {
	f := newLoopFixture(&scriptedProvider{})
	b := testBot()
	b.Provider = "missing"

	res := f.run(b)
	if res.Reason != ReasonProviderError || f.provider.calls() != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestAgentLoop_EmptyResponse(t *testing.T) {
	f := newLoopFixture(&scriptedProvider{responses: []*llm.Response{{StopReason: "max_tokens"}}})

	res := f.run(testBot())
	if res.Outcome != OutcomeFallback || res.Reason != ReasonEmptyResponse {
		t.Fatalf("result = %+v", res)
	}
}

func TestAgentLoop_ToolTimeoutRecorded(t *testing.T) {
	f := newLoopFixture(&scriptedProvider{responses: []*llm.Response{
		{ToolCalls: []tool.Call{call("c1", "hang", `{}`)}},
		{Text: "Sorry for the delay."},
	}})
	f.dispatcher.RegisterBuiltin(Builtin{
		Binding: tool.Binding{Name: "hang", Kind: tool.KindBuiltin},
		Handler: func(ctx context.Context, _ ToolScope, _ json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	res := f.run(testBot(tool.Binding{Name: "hang", Kind: tool.KindBuiltin, Timeout: 20 * time.Millisecond}))
	if res.Outcome != OutcomeAnswer {
		t.Fatalf("result = %+v", res)
	}
	execs, _ := f.store.ListToolExecutions(context.Background(), "ev-1")
	if len(execs) != 1 || execs[0].Status != toolexec.StatusTimeout {
		t.Fatalf("executions = %+v", execs)
	}
}

func TestAgentLoop_NoToolsWithoutCapability(t *testing.T) {
	f := newLoopFixture(&scriptedProvider{noTools: true, responses: []*llm.Response{{Text: "hi"}}})
	f.dispatcher.RegisterBuiltin(constBuiltin("order_lookup", `{}`, nil))

	f.run(testBot(tool.Binding{Name: "order_lookup", Kind: tool.KindBuiltin}))
	if len(f.provider.requests[0].Tools) != 0 {
		t.Fatal("tools must not be offered to a provider without tool support")
	}
}

func TestAgentLoop_OpenBreakerFallsBack(t *testing.T) {
	f := newLoopFixture(&scriptedProvider{errs: []error{errors.New("boom"), errors.New("boom")}})
	f.loop.breakers = resilience.NewGroup(1, time.Minute, nil)

	f.run(testBot())
	res := f.run(testBot())
	if !errors.Is(res.Err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want open circuit", res.Err)
	}
	if f.provider.calls() != 1 {
		t.Fatalf("provider called %d times, open breaker should short-circuit", f.provider.calls())
	}
}

func TestBuildTranscript(t *testing.T) {
	history := []conversation.Message{
		{Role: conversation.RoleUser, Content: "hi"},
		{Role: conversation.RoleAssistant, Content: "hello"},
		{Role: conversation.RoleTool, Content: `{"x":1}`},
		{Role: conversation.RoleAssistant, Content: ""},
	}
	msgs := buildTranscript(history, "next")
	if len(msgs) != 3 || msgs[2].Content != "next" {
		t.Fatalf("transcript = %+v", msgs)
	}
}
