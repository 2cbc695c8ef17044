package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	rfotel "github.com/Strob0t/ReplyForge/internal/adapter/otel"
	"github.com/Strob0t/ReplyForge/internal/adapter/ws"
	"github.com/Strob0t/ReplyForge/internal/domain"
	"github.com/Strob0t/ReplyForge/internal/domain/inbound"
	"github.com/Strob0t/ReplyForge/internal/logger"
	"github.com/Strob0t/ReplyForge/internal/port/broadcast"
	"github.com/Strob0t/ReplyForge/internal/port/messagequeue"
)

// UsageInfo is the billing summary of one answer.
type UsageInfo struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	TokensInput  int64  `json:"tokens_input"`
	TokensOutput int64  `json:"tokens_output"`
}

// PipelineOutput is stored as the event result and published on completion.
type PipelineOutput struct {
	ReplyText  string           `json:"reply_text,omitempty"`
	Usage      *UsageInfo       `json:"usage_info,omitempty"`
	ToolCalls  []ToolCallRecord `json:"tool_calls,omitempty"`
	Iterations int              `json:"iterations,omitempty"`
	Reason     FallbackReason   `json:"fallback_reason,omitempty"`
}

// ProcessResult is the terminal state of one event.
type ProcessResult struct {
	Decision inbound.Decision
	Event    *inbound.Event
	Status   inbound.Status
	Outcome  inbound.Outcome
	Output   *PipelineOutput
}

// Pipeline runs one task per inbound event: admission, context load, the
// reasoning loop and the delivery-gated effects.
type Pipeline struct {
	admission *AdmissionService
	loader    *ContextLoader
	loop      *AgentLoop
	finalizer *Finalizer
	queue     messagequeue.Queue
	hub       broadcast.Broadcaster
	metrics   *rfotel.Metrics

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewPipeline creates a Pipeline running at most workers events concurrently.
// queue, hub and metrics may be nil.
func NewPipeline(
	admission *AdmissionService,
	loader *ContextLoader,
	loop *AgentLoop,
	finalizer *Finalizer,
	queue messagequeue.Queue,
	hub broadcast.Broadcaster,
	metrics *rfotel.Metrics,
	workers int64,
) *Pipeline {
	if workers <= 0 {
		workers = 16
	}
	return &Pipeline{
		admission: admission,
		loader:    loader,
		loop:      loop,
		finalizer: finalizer,
		queue:     queue,
		hub:       hub,
		metrics:   metrics,
		sem:       semaphore.NewWeighted(workers),
	}
}

// Start consumes inbound.received from the queue until ctx is done.
func (p *Pipeline) Start(ctx context.Context) (func(), error) {
	cancel, err := p.queue.Subscribe(ctx, messagequeue.SubjectInboundReceived, p.HandleInbound)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", messagequeue.SubjectInboundReceived, err)
	}
	slog.Info("pipeline consumer started", "subject", messagequeue.SubjectInboundReceived)
	return cancel, nil
}

// HandleInbound is the queue handler. Admission runs inline so that an
// infrastructure failure before admission is returned for redelivery; an
// admitted event is processed on its own goroutine and the message is acked.
func (p *Pipeline) HandleInbound(ctx context.Context, _ string, data []byte) error {
	var payload messagequeue.InboundReceivedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		slog.Error("undecodable inbound payload dropped", "error", err)
		return nil
	}
	msg := &inbound.Message{
		RoutingKey:        payload.RoutingKey,
		SenderID:          payload.SenderID,
		SenderDisplayName: payload.SenderDisplayName,
		MessageBody:       payload.MessageBody,
		ExternalMessageID: payload.ExternalMessageID,
	}

	adm, err := p.admit(ctx, msg, data)
	if err != nil {
		if errors.Is(err, inbound.ErrRejected) {
			return nil
		}
		return err
	}
	if adm.Decision != inbound.DecisionProceed {
		return nil
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		// Shutting down: fail the event so the redelivered message re-admits it.
		p.terminate(context.WithoutCancel(ctx), adm.Event, time.Now(),
			inbound.StatusFailed, inbound.OutcomeError, nil, "worker shutdown before processing")
		return fmt.Errorf("acquire worker: %w", err)
	}
	taskCtx := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		p.execute(taskCtx, adm.Event)
	}()
	return nil
}

// Process admits and runs one event synchronously.
func (p *Pipeline) Process(ctx context.Context, msg *inbound.Message, payload json.RawMessage) (*ProcessResult, error) {
	adm, err := p.admit(ctx, msg, payload)
	if err != nil {
		return nil, err
	}
	if adm.Decision == inbound.DecisionDuplicate {
		return &ProcessResult{
			Decision: adm.Decision,
			Event:    adm.Event,
			Status:   adm.Event.Status,
			Outcome:  adm.Event.Outcome,
		}, nil
	}
	return p.execute(ctx, adm.Event), nil
}

// Wait blocks until all running event tasks have finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) admit(ctx context.Context, msg *inbound.Message, payload json.RawMessage) (inbound.Admission, error) {
	adm, err := p.admission.Admit(ctx, msg, payload)
	if err != nil {
		return adm, err
	}
	p.metrics.RecordAdmission(ctx, string(adm.Decision))
	if adm.Decision == inbound.DecisionRejected {
		slog.Warn("inbound event rejected", "external_id", msg.ExternalMessageID, "reason", adm.Reason)
		return adm, fmt.Errorf("%w: %s", inbound.ErrRejected, adm.Reason)
	}
	return adm, nil
}

// execute runs an admitted event to a terminal status. It never returns an
// error: every failure after admission is recorded on the event.
func (p *Pipeline) execute(ctx context.Context, ev *inbound.Event) *ProcessResult {
	start := time.Now()
	ctx = logger.WithEventID(ctx, ev.ID)
	ctx, span := rfotel.StartPipelineSpan(ctx, ev.ExternalID, ev.RoutingKey)
	defer span.End()

	cc, err := p.loader.Load(ctx, ev)
	if cc != nil && cc.Tenant != nil {
		ctx = logger.WithTenantID(ctx, cc.Tenant.ID)
	}
	switch {
	case errors.Is(err, domain.ErrUnknownTenant):
		slog.Info("event for unknown tenant", "routing_key", ev.RoutingKey, "error", err)
		return p.terminate(ctx, ev, start, inbound.StatusCompleted, inbound.OutcomeUnknownTenant, nil, "")
	case errors.Is(err, domain.ErrBotDisabled):
		slog.Info("event for disabled bot", "routing_key", ev.RoutingKey, "error", err)
		return p.terminate(ctx, ev, start, inbound.StatusCompleted, inbound.OutcomeBotDisabled, nil, "")
	case errors.Is(err, domain.ErrQuotaBlocked):
		return p.quotaBlocked(ctx, ev, cc, start)
	case err != nil:
		slog.Error("context load failed", "error", err)
		return p.terminate(ctx, ev, start, inbound.StatusFailed, inbound.OutcomeError, nil, err.Error())
	}

	if cc.Contact.HumanTakeover() {
		slog.Info("contact under human takeover, not answering", "contact_id", cc.Contact.ID)
		return p.terminate(ctx, ev, start, inbound.StatusCompleted, inbound.OutcomeHumanTakeover, nil, "")
	}

	lr := p.loop.Run(ctx, LoopInput{
		EventID:     ev.ID,
		Tenant:      cc.Tenant,
		Bot:         cc.Bot,
		History:     cc.History,
		UserMessage: ev.Body,
	})
	out := &PipelineOutput{
		ReplyText: lr.Text,
		Usage: &UsageInfo{
			Provider:     lr.Provider,
			Model:        lr.Model,
			TokensInput:  lr.TokensIn,
			TokensOutput: lr.TokensOut,
		},
		ToolCalls:  lr.ToolCalls,
		Iterations: lr.Iterations,
		Reason:     lr.Reason,
	}

	if _, err := p.finalizer.Finalize(ctx, FinalizeInput{
		Event:   ev,
		Tenant:  cc.Tenant,
		Bot:     cc.Bot,
		Contact: cc.Contact,
		Loop:    lr,
	}); err != nil {
		return p.terminate(ctx, ev, start, inbound.StatusFailed, inbound.OutcomeDeliveryFailed, out, err.Error())
	}

	outcome := inbound.OutcomeAnswered
	if lr.Outcome == OutcomeFallback {
		outcome = inbound.OutcomeFallback
	}
	return p.terminate(ctx, ev, start, inbound.StatusCompleted, outcome, out, "")
}

// quotaBlocked sends the tenant's quota reply, if any. It is neither stored
// in history nor billed.
func (p *Pipeline) quotaBlocked(ctx context.Context, ev *inbound.Event, cc *ConversationContext, start time.Time) *ProcessResult {
	slog.Info("event blocked by quota", "limit", cc.Quota.Limit)
	var out *PipelineOutput
	if msg := cc.Tenant.QuotaMessage; msg != "" {
		if err := p.finalizer.Deliver(ctx, ev, cc.Bot, msg); err != nil {
			slog.Warn("quota reply not delivered", "error", err)
		} else {
			out = &PipelineOutput{ReplyText: msg}
		}
	}
	return p.terminate(ctx, ev, start, inbound.StatusCompleted, inbound.OutcomeQuotaBlocked, out, "")
}

// terminate records the terminal status and announces it.
func (p *Pipeline) terminate(ctx context.Context, ev *inbound.Event, start time.Time, status inbound.Status, outcome inbound.Outcome, out *PipelineOutput, reason string) *ProcessResult {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var err error
	if status == inbound.StatusCompleted {
		var result json.RawMessage
		if out != nil {
			if result, err = json.Marshal(out); err != nil {
				slog.Error("marshal pipeline output", "error", err)
			}
		}
		err = p.admission.Complete(storeCtx, ev, outcome, result)
	} else {
		err = p.admission.Fail(storeCtx, ev, outcome, reason)
	}
	if err != nil {
		slog.Error("terminal status not recorded", "status", status, "outcome", outcome, "error", err)
	}

	p.metrics.RecordFinished(ctx, string(status), string(outcome), time.Since(start))
	slog.Info("inbound event finished",
		"external_id", ev.ExternalID,
		"status", status,
		"outcome", outcome,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	tenantID := logger.TenantID(ctx)
	if p.hub != nil {
		p.hub.BroadcastEvent(ctx, tenantID, ws.EventInboundStatus, ws.InboundStatusEvent{
			EventID:    ev.ID,
			ExternalID: ev.ExternalID,
			Status:     string(status),
			Outcome:    string(outcome),
		})
	}
	if p.queue != nil {
		p.publishCompleted(storeCtx, ev, tenantID, status, outcome)
	}

	return &ProcessResult{
		Decision: inbound.DecisionProceed,
		Event:    ev,
		Status:   status,
		Outcome:  outcome,
		Output:   out,
	}
}

func (p *Pipeline) publishCompleted(ctx context.Context, ev *inbound.Event, tenantID string, status inbound.Status, outcome inbound.Outcome) {
	data, err := json.Marshal(messagequeue.PipelineCompletedPayload{
		EventID:    ev.ID,
		ExternalID: ev.ExternalID,
		TenantID:   tenantID,
		Status:     string(status),
		Outcome:    string(outcome),
	})
	if err != nil {
		return
	}
	if err := p.queue.Publish(ctx, messagequeue.SubjectPipelineCompleted, data); err != nil {
		slog.Warn("pipeline.completed not published", "event_id", ev.ID, "error", err)
	}
}
