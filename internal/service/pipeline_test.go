package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/ReplyForge/internal/adapter/ws"
	"github.com/Strob0t/ReplyForge/internal/domain/alert"
	"github.com/Strob0t/ReplyForge/internal/domain/contact"
	"github.com/Strob0t/ReplyForge/internal/domain/inbound"
	"github.com/Strob0t/ReplyForge/internal/domain/tool"
	"github.com/Strob0t/ReplyForge/internal/port/llm"
	"github.com/Strob0t/ReplyForge/internal/port/messagequeue"
)

type pipelineFixture struct {
	store    *memStore
	hub      *recordingHub
	queue    *fakeQueue
	channel  *fakeChannel
	provider *scriptedProvider
	pipeline *Pipeline
}

func newPipelineFixture(provider *scriptedProvider) *pipelineFixture {
	provider.name = "fake"
	f := &pipelineFixture{
		store:    newMemStore(),
		hub:      &recordingHub{},
		queue:    &fakeQueue{},
		channel:  &fakeChannel{kind: "fake"},
		provider: provider,
	}
	f.store.addTenant(testTenant())
	f.store.addBot(testBot(tool.Binding{Name: "order_lookup", Kind: tool.KindBuiltin}))

	cfg := pipelineConfig()
	alerts := NewAlertService(f.store, f.hub, nil, time.Second)
	quota := NewQuotaService(f.store, alerts, f.hub, 0.8)
	dispatcher := NewToolDispatcher(nil, nil, cfg.ToolTimeout)
	dispatcher.RegisterBuiltin(constBuiltin("order_lookup", `{"status":"shipped"}`, nil))

	f.pipeline = NewPipeline(
		NewAdmissionService(f.store, cfg.EventTTL),
		NewContextLoader(f.store, quota, cfg.HistoryLimit),
		NewAgentLoop(NewProviderSet("fake", provider), dispatcher, f.store, alerts, nil, f.hub, nil, cfg),
		NewFinalizer(NewChannelSet("fake", f.channel), f.store, quota, alerts, nil, nil, cfg.DeliveryTimeout),
		f.queue, f.hub, nil, cfg.Workers,
	)
	return f
}

func (f *pipelineFixture) process(t *testing.T, id string) *ProcessResult {
	t.Helper()
	res, err := f.pipeline.Process(context.Background(), inboundMsg(id), nil)
	if err != nil {
		t.Fatalf("Process(%s): %v", id, err)
	}
	return res
}

func answer(text string) *llm.Response {
	return &llm.Response{Text: text, TokensIn: 100, TokensOut: 20}
}

func TestPipeline_AnswersWithTools(t *testing.T) {
	f := newPipelineFixture(&scriptedProvider{responses: []*llm.Response{
		{ToolCalls: []tool.Call{call("c1", "order_lookup", `{}`)}, TokensIn: 50, TokensOut: 5},
		answer("Your order shipped."),
	}})

	res := f.process(t, "M1")
	if res.Status != inbound.StatusCompleted || res.Outcome != inbound.OutcomeAnswered {
		t.Fatalf("result = %+v", res)
	}
	if res.Output.ReplyText != "Your order shipped." || res.Output.Iterations != 2 || len(res.Output.ToolCalls) != 1 {
		t.Fatalf("output = %+v", res.Output)
	}
	if res.Output.Usage.TokensInput != 150 || res.Output.Usage.TokensOutput != 25 {
		t.Fatalf("usage = %+v", res.Output.Usage)
	}

	ev := f.store.event("M1")
	if ev.Status != inbound.StatusCompleted || ev.Outcome != inbound.OutcomeAnswered {
		t.Fatalf("stored event = %+v", ev)
	}
	var stored PipelineOutput
	if err := json.Unmarshal(ev.Result, &stored); err != nil || stored.ReplyText != "Your order shipped." {
		t.Fatalf("stored result = %s (%v)", ev.Result, err)
	}
	if f.channel.sentCount() != 1 || len(f.store.messagesFor(ev.ID)) != 2 {
		t.Fatalf("sent = %d, history = %d", f.channel.sentCount(), len(f.store.messagesFor(ev.ID)))
	}
	if c := f.store.counter("t1"); c.MessagesUsed != 1 || c.TokensUsed != 175 {
		t.Fatalf("counter = %+v", c)
	}
	if subjects := f.queue.subjects(); len(subjects) != 1 || subjects[0] != messagequeue.SubjectPipelineCompleted {
		t.Fatalf("published = %v", subjects)
	}
	if f.hub.count(ws.EventInboundStatus) != 1 {
		t.Fatal("missing inbound status broadcast")
	}
}

func TestPipeline_DuplicateIsNotReprocessed(t *testing.T) {
	f := newPipelineFixture(&scriptedProvider{responses: []*llm.Response{answer("Hi!")}})

	f.process(t, "M1")
	dup := f.process(t, "M1")
	if dup.Decision != inbound.DecisionDuplicate || dup.Outcome != inbound.OutcomeAnswered {
		t.Fatalf("duplicate = %+v", dup)
	}
	if f.provider.calls() != 1 || f.channel.sentCount() != 1 {
		t.Fatalf("provider calls = %d, sends = %d", f.provider.calls(), f.channel.sentCount())
	}
	if c := f.store.counter("t1"); c.MessagesUsed != 1 {
		t.Fatalf("duplicate billed: %+v", c)
	}
}

func TestPipeline_UnknownRoutingKey(t *testing.T) {
	f := newPipelineFixture(&scriptedProvider{})
	msg := inboundMsg("M1")
	msg.RoutingKey = "nobody"

	res, err := f.pipeline.Process(context.Background(), msg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != inbound.StatusCompleted || res.Outcome != inbound.OutcomeUnknownTenant {
		t.Fatalf("result = %+v", res)
	}
	if f.provider.calls() != 0 || f.channel.sentCount() != 0 {
		t.Fatal("unknown tenant must not reach the model or the channel")
	}
}

func TestPipeline_QuotaBlockedSendsQuotaMessage(t *testing.T) {
	f := newPipelineFixture(&scriptedProvider{responses: []*llm.Response{answer("first")}})
	f.store.mu.Lock()
	f.store.tenants["t1"].MonthlyMessageLimit = 1
	f.store.tenants["t1"].QuotaMessage = "Our assistant is paused for this month."
	f.store.mu.Unlock()

	first := f.process(t, "M1")
	if first.Outcome != inbound.OutcomeAnswered {
		t.Fatalf("first = %+v", first)
	}
	if n := len(f.store.alertsOfType(alert.TypeQuotaExceeded)); n != 1 {
		t.Fatalf("exceeded alerts = %d", n)
	}

	second := f.process(t, "M2")
	if second.Status != inbound.StatusCompleted || second.Outcome != inbound.OutcomeQuotaBlocked {
		t.Fatalf("second = %+v", second)
	}
	if f.provider.calls() != 1 {
		t.Fatalf("provider calls = %d, blocked event must not reach the model", f.provider.calls())
	}
	if f.channel.sentCount() != 2 || f.channel.sent[1].Text != "Our assistant is paused for this month." {
		t.Fatalf("sent = %+v", f.channel.sent)
	}
	if c := f.store.counter("t1"); c.MessagesUsed != 1 {
		t.Fatalf("quota reply billed: %+v", c)
	}
}

func TestPipeline_QuotaBlockedWithoutMessageIsSilent(t *testing.T) {
	f := newPipelineFixture(&scriptedProvider{responses: []*llm.Response{answer("first")}})
	f.store.mu.Lock()
	f.store.tenants["t1"].MonthlyMessageLimit = 1
	f.store.mu.Unlock()

	f.process(t, "M1")
	res := f.process(t, "M2")
	if res.Outcome != inbound.OutcomeQuotaBlocked || res.Output != nil {
		t.Fatalf("result = %+v", res)
	}
	if f.channel.sentCount() != 1 {
		t.Fatalf("sent = %d", f.channel.sentCount())
	}
}

func TestPipeline_HumanTakeover(t *testing.T) {
	f := newPipelineFixture(&scriptedProvider{responses: []*llm.Response{answer("bot reply")}})
	f.store.setContactMode("b1", "5511999990000", contact.ModeHuman)

	res := f.process(t, "M1")
	if res.Status != inbound.StatusCompleted || res.Outcome != inbound.OutcomeHumanTakeover {
		t.Fatalf("result = %+v", res)
	}
	if f.provider.calls() != 0 || f.channel.sentCount() != 0 {
		t.Fatal("human takeover must not answer")
	}
}

func TestPipeline_BotDisabled(t *testing.T) {
	f := newPipelineFixture(&scriptedProvider{})
	f.store.mu.Lock()
	f.store.bots["bot-key"].Active = false
	f.store.mu.Unlock()

	res := f.process(t, "M1")
	if res.Outcome != inbound.OutcomeBotDisabled || res.Status != inbound.StatusCompleted {
		t.Fatalf("result = %+v", res)
	}
}

func TestPipeline_DeliveryFailureThenRetry(t *testing.T) {
	f := newPipelineFixture(&scriptedProvider{responses: []*llm.Response{answer("Here you go.")}})
	f.channel.err = errors.New("evolution unreachable")

	res := f.process(t, "M1")
	if res.Status != inbound.StatusFailed || res.Outcome != inbound.OutcomeDeliveryFailed {
		t.Fatalf("result = %+v", res)
	}
	ev := f.store.event("M1")
	if len(f.store.messagesFor(ev.ID)) != 0 || f.store.counter("t1").MessagesUsed != 0 {
		t.Fatal("failed delivery must leave no history and no usage")
	}

	f.channel.err = nil
	res = f.process(t, "M1")
	if res.Status != inbound.StatusCompleted || res.Outcome != inbound.OutcomeAnswered {
		t.Fatalf("retry = %+v", res)
	}
	if ev := f.store.event("M1"); ev.RetryCount != 1 {
		t.Fatalf("retry count = %d", ev.RetryCount)
	}
	if f.store.counter("t1").MessagesUsed != 1 {
		t.Fatal("retry should be billed exactly once")
	}
}

func TestPipeline_ProviderFailureRepliesWithErrorMessage(t *testing.T) {
	f := newPipelineFixture(&scriptedProvider{errs: []error{errors.New("500")}})

	res := f.process(t, "M1")
	if res.Status != inbound.StatusCompleted || res.Outcome != inbound.OutcomeFallback {
		t.Fatalf("result = %+v", res)
	}
	if res.Output.Reason != ReasonProviderError || f.channel.sent[0].Text != testTenant().ErrorMessage {
		t.Fatalf("output = %+v, sent = %+v", res.Output, f.channel.sent)
	}
}

func TestPipeline_RejectsMalformed(t *testing.T) {
	f := newPipelineFixture(&scriptedProvider{})
	msg := inboundMsg("M1")
	msg.MessageBody = ""

	_, err := f.pipeline.Process(context.Background(), msg, nil)
	if !errors.Is(err, inbound.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestPipeline_HandleInbound(t *testing.T) {
	f := newPipelineFixture(&scriptedProvider{responses: []*llm.Response{answer("Async hello.")}})
	ctx := context.Background()

	if _, err := f.pipeline.Start(ctx); err != nil {
		t.Fatal(err)
	}
	handler := f.queue.handlers[messagequeue.SubjectInboundReceived]
	if handler == nil {
		t.Fatal("pipeline did not subscribe")
	}

	data, _ := json.Marshal(messagequeue.InboundReceivedPayload{
		RoutingKey:        "bot-key",
		SenderID:          "5511999990000",
		MessageBody:       "hello",
		ExternalMessageID: "M1",
	})
	if err := handler(ctx, messagequeue.SubjectInboundReceived, data); err != nil {
		t.Fatal(err)
	}
	f.pipeline.Wait()

	if ev := f.store.event("M1"); ev.Status != inbound.StatusCompleted || ev.Outcome != inbound.OutcomeAnswered {
		t.Fatalf("event = %+v", ev)
	}

	// A redelivery of the same message is acked without work.
	if err := handler(ctx, messagequeue.SubjectInboundReceived, data); err != nil {
		t.Fatal(err)
	}
	f.pipeline.Wait()
	if f.provider.calls() != 1 {
		t.Fatalf("provider calls = %d", f.provider.calls())
	}
}

func TestPipeline_HandleInboundErrors(t *testing.T) {
	f := newPipelineFixture(&scriptedProvider{})
	ctx := context.Background()

	if err := f.pipeline.HandleInbound(ctx, messagequeue.SubjectInboundReceived, []byte(`{garbage`)); err != nil {
		t.Fatalf("undecodable payload should be acked, got %v", err)
	}
	if err := f.pipeline.HandleInbound(ctx, messagequeue.SubjectInboundReceived, []byte(`{"routing_key":"bot-key"}`)); err != nil {
		t.Fatalf("rejected payload should be acked, got %v", err)
	}

	f.store.admitErr = errors.New("db down")
	data, _ := json.Marshal(messagequeue.InboundReceivedPayload{
		RoutingKey: "bot-key", SenderID: "1", MessageBody: "hi", ExternalMessageID: "M9",
	})
	if err := f.pipeline.HandleInbound(ctx, messagequeue.SubjectInboundReceived, data); err == nil {
		t.Fatal("admission failure must be returned for redelivery")
	}
}

func TestPipeline_HandleInboundShutdownFailsEvent(t *testing.T) {
	f := newPipelineFixture(&scriptedProvider{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Occupy every worker slot so Acquire has to wait on the cancelled context.
	if !f.pipeline.sem.TryAcquire(pipelineConfig().Workers) {
		t.Fatal("could not fill worker slots")
	}

	data, _ := json.Marshal(messagequeue.InboundReceivedPayload{
		RoutingKey: "bot-key", SenderID: "1", MessageBody: "hi", ExternalMessageID: "M1",
	})
	if err := f.pipeline.HandleInbound(ctx, messagequeue.SubjectInboundReceived, data); err == nil {
		t.Fatal("expected error so the message is redelivered")
	}
	if ev := f.store.event("M1"); ev.Status != inbound.StatusFailed {
		t.Fatalf("event status = %s, want failed for re-admission", ev.Status)
	}
}
