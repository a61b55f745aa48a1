package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"chatpilot/internal/models"
)

// SendHandler performs the external delivery and records the status change.
type SendHandler struct {
	sender   MessageSender
	messages MessageStore
	events   EventPublisher
	log      *zap.Logger
}

// NewSendHandler wires the outbound delivery handler.
func NewSendHandler(sender MessageSender, messages MessageStore, events EventPublisher, log *zap.Logger) *SendHandler {
	return &SendHandler{sender: sender, messages: messages, events: events, log: log}
}

func (h *SendHandler) Handle(ctx context.Context, job models.Job) error {
	var p models.OutboundSendPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("%w: malformed send payload: %v", ErrSkip, err)
	}
	if p.To == "" || p.Message == "" {
		return fmt.Errorf("%w: send payload missing recipient or body", ErrSkip)
	}

	msgID := p.MessageID
	if msgID == "" {
		// Reuse the job ID so a retried attempt maps to the same row.
		msgID = job.ID
		if err := h.messages.InsertMessage(ctx, models.Message{
			ID:             msgID,
			TenantID:       p.TenantID,
			ConversationID: p.ConversationID,
			Direction:      "outbound",
			Body:           p.Message,
			Status:         models.MessagePending,
		}); err != nil {
			return fmt.Errorf("persist outbound message: %w", err)
		}
	}

	providerID, err := h.sender.Send(ctx, p.TenantID, p.To, p.Message)
	if err != nil {
		if job.Attempts+1 >= job.MaxAttempts {
			_ = h.messages.MarkMessageFailed(ctx, msgID)
		}
		return fmt.Errorf("send message: %w", err)
	}

	if err := h.messages.MarkMessageSent(ctx, msgID, providerID); err != nil {
		return fmt.Errorf("mark message sent: %w", err)
	}
	if h.events != nil {
		if err := h.events.Publish(ctx, p.TenantID, "message:status", map[string]string{
			"message_id":      msgID,
			"conversation_id": p.ConversationID,
			"status":          models.MessageSent,
		}); err != nil {
			h.log.Warn("event publish failed", zap.String("message_id", msgID), zap.Error(err))
		}
	}

	h.log.Debug("message delivered",
		zap.String("message_id", msgID),
		zap.String("provider_message_id", providerID))
	return nil
}
