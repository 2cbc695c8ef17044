package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/ReplyForge/internal/domain"
	"github.com/Strob0t/ReplyForge/internal/domain/inbound"
)

func inboundMsg(id string) *inbound.Message {
	return &inbound.Message{
		RoutingKey:        "bot-key",
		SenderID:          "5511999990000",
		SenderDisplayName: "Ana",
		MessageBody:       "What are your opening hours?",
		ExternalMessageID: id,
	}
}

func TestAdmissionService_FirstDeliveryProceeds(t *testing.T) {
	store := newMemStore()
	svc := NewAdmissionService(store, time.Hour)

	adm, err := svc.Admit(context.Background(), inboundMsg("M1"), nil)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if adm.Decision != inbound.DecisionProceed {
		t.Fatalf("decision = %s, want proceed", adm.Decision)
	}
	if adm.Event.Status != inbound.StatusProcessing {
		t.Fatalf("status = %s, want processing", adm.Event.Status)
	}
	if len(adm.Event.Payload) == 0 {
		t.Fatal("payload should default to the marshalled message")
	}
}

func TestAdmissionService_DuplicateWhileProcessingAndAfterCompletion(t *testing.T) {
	store := newMemStore()
	svc := NewAdmissionService(store, time.Hour)
	ctx := context.Background()

	first, err := svc.Admit(ctx, inboundMsg("M1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	dup, err := svc.Admit(ctx, inboundMsg("M1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if dup.Decision != inbound.DecisionDuplicate {
		t.Fatalf("decision while processing = %s, want duplicate", dup.Decision)
	}

	if err := svc.Complete(ctx, first.Event, inbound.OutcomeAnswered, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	dup, err = svc.Admit(ctx, inboundMsg("M1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if dup.Decision != inbound.DecisionDuplicate {
		t.Fatalf("decision after completion = %s, want duplicate", dup.Decision)
	}
}

func TestAdmissionService_FailedEventIsRetried(t *testing.T) {
	store := newMemStore()
	svc := NewAdmissionService(store, time.Hour)
	ctx := context.Background()

	first, _ := svc.Admit(ctx, inboundMsg("M1"), nil)
	if err := svc.Fail(ctx, first.Event, inbound.OutcomeDeliveryFailed, "channel down"); err != nil {
		t.Fatal(err)
	}
	if first.Event.Status != inbound.StatusFailed {
		t.Fatalf("status = %s, want failed", first.Event.Status)
	}

	retry, err := svc.Admit(ctx, inboundMsg("M1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if retry.Decision != inbound.DecisionProceed || !retry.Retry {
		t.Fatalf("expected retry proceed, got %+v", retry)
	}
	if retry.Event.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", retry.Event.RetryCount)
	}
}

func TestAdmissionService_ExpiryComesFromTTL(t *testing.T) {
	store := newMemStore()
	svc := NewAdmissionService(store, 36*time.Hour)
	received := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return received }
	ctx := context.Background()

	adm, err := svc.Admit(ctx, inboundMsg("M1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if want := received.Add(36 * time.Hour); !store.events["M1"].ExpiresAt.Equal(want) {
		t.Fatalf("stored expiry = %v, want %v", store.events["M1"].ExpiresAt, want)
	}

	if err := svc.Fail(ctx, adm.Event, inbound.OutcomeDeliveryFailed, "channel down"); err != nil {
		t.Fatal(err)
	}
	svc.now = func() time.Time { return received.Add(time.Hour) }
	if _, err := svc.Admit(ctx, inboundMsg("M1"), nil); err != nil {
		t.Fatal(err)
	}
	if want := received.Add(37 * time.Hour); !store.events["M1"].ExpiresAt.Equal(want) {
		t.Fatalf("retry expiry = %v, want %v", store.events["M1"].ExpiresAt, want)
	}
}

func TestAdmissionService_RejectsMalformed(t *testing.T) {
	store := newMemStore()
	svc := NewAdmissionService(store, time.Hour)

	msg := inboundMsg("")
	adm, err := svc.Admit(context.Background(), msg, nil)
	if err != nil {
		t.Fatalf("rejection must not be an error, got %v", err)
	}
	if adm.Decision != inbound.DecisionRejected {
		t.Fatalf("decision = %s, want rejected", adm.Decision)
	}
	if len(store.events) != 0 {
		t.Fatal("rejected message must not be stored")
	}
}

func TestAdmissionService_StoreError(t *testing.T) {
	store := newMemStore()
	store.admitErr = errors.New("connection reset")
	svc := NewAdmissionService(store, time.Hour)

	if _, err := svc.Admit(context.Background(), inboundMsg("M1"), nil); err == nil {
		t.Fatal("expected store error to propagate")
	}
}

func TestAdmissionService_CompleteTwiceFails(t *testing.T) {
	store := newMemStore()
	svc := NewAdmissionService(store, time.Hour)
	ctx := context.Background()

	adm, _ := svc.Admit(ctx, inboundMsg("M1"), nil)
	ev := *adm.Event
	if err := svc.Complete(ctx, adm.Event, inbound.OutcomeAnswered, nil); err != nil {
		t.Fatal(err)
	}
	if err := svc.Complete(ctx, &ev, inbound.OutcomeAnswered, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second complete: got %v, want ErrNotFound", err)
	}
}

func TestAdmissionService_LookupAndPurge(t *testing.T) {
	store := newMemStore()
	svc := NewAdmissionService(store, time.Hour)
	ctx := context.Background()

	if _, err := svc.Lookup(ctx, ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty lookup: got %v", err)
	}
	if _, err := svc.Lookup(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing lookup: got %v", err)
	}

	adm, _ := svc.Admit(ctx, inboundMsg("M1"), nil)
	_ = svc.Complete(ctx, adm.Event, inbound.OutcomeAnswered, nil)
	_, _ = svc.Admit(ctx, inboundMsg("M2"), nil) // still processing

	got, err := svc.Lookup(ctx, "M1")
	if err != nil || got.Outcome != inbound.OutcomeAnswered {
		t.Fatalf("lookup M1 = %+v, %v", got, err)
	}

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err := svc.Purge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1 (processing events are kept)", n)
	}
	if _, err := svc.Lookup(ctx, "M2"); err != nil {
		t.Fatalf("M2 should survive purge: %v", err)
	}
}
