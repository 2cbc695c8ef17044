package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/ReplyForge/internal/domain/inbound"
	"github.com/Strob0t/ReplyForge/internal/logger"
	"github.com/Strob0t/ReplyForge/internal/port/messagequeue"
)

// IntakeReceipt acknowledges an accepted inbound message.
type IntakeReceipt struct {
	ExternalMessageID string    `json:"external_message_id"`
	AcceptedAt        time.Time `json:"accepted_at"`
}

// IntakeService is the transport edge: it validates an inbound message and
// hands it to the pipeline through the queue without waiting for it.
type IntakeService struct {
	queue messagequeue.Queue
	now   func() time.Time
}

// NewIntakeService creates an IntakeService.
func NewIntakeService(queue messagequeue.Queue) *IntakeService {
	return &IntakeService{queue: queue, now: time.Now}
}

// Submit enqueues msg. Validation errors wrap domain.ErrValidation.
func (s *IntakeService) Submit(ctx context.Context, msg *inbound.Message) (*IntakeReceipt, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	accepted := s.now().UTC()
	data, err := json.Marshal(messagequeue.InboundReceivedPayload{
		RoutingKey:        msg.RoutingKey,
		SenderID:          msg.SenderID,
		SenderDisplayName: msg.SenderDisplayName,
		MessageBody:       msg.MessageBody,
		ExternalMessageID: msg.ExternalMessageID,
		AcceptedAt:        accepted.Format(time.RFC3339Nano),
		RequestID:         logger.RequestID(ctx),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal inbound payload: %w", err)
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectInboundReceived, data); err != nil {
		return nil, fmt.Errorf("enqueue inbound message: %w", err)
	}
	return &IntakeReceipt{ExternalMessageID: msg.ExternalMessageID, AcceptedAt: accepted}, nil
}
