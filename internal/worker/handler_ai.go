package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatpilot/internal/breaker"
	"chatpilot/internal/models"
	"chatpilot/internal/queue"
	"chatpilot/internal/telemetry"
)

// AIProviderKey is the circuit breaker key guarding the completion API.
const AIProviderKey = "ai-provider"

// AIHandler turns an inbound message into an assistant reply and a
// follow-up send job.
type AIHandler struct {
	ai       AIClient
	breakers *breaker.Registry
	messages MessageStore
	enqueuer Enqueuer
	log      *zap.Logger
}

// NewAIHandler wires the AI processing handler.
func NewAIHandler(ai AIClient, breakers *breaker.Registry, messages MessageStore, enqueuer Enqueuer, log *zap.Logger) *AIHandler {
	return &AIHandler{ai: ai, breakers: breakers, messages: messages, enqueuer: enqueuer, log: log}
}

// Handle consults the breaker, calls the provider, persists the assistant
// message, and enqueues the outbound send before returning. An open circuit
// fails fast without touching the provider; the attempt still goes through
// the normal retry path.
func (h *AIHandler) Handle(ctx context.Context, job models.Job) error {
	var p models.AIProcessingPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("%w: malformed ai payload: %v", ErrSkip, err)
	}
	if p.UserMessage == "" || p.ConversationID == "" {
		return fmt.Errorf("%w: ai payload missing conversation or message", ErrSkip)
	}

	done, err := h.breakers.Allow(AIProviderKey)
	if err != nil {
		telemetry.BreakerRejects.WithLabelValues(AIProviderKey).Inc()
		return fmt.Errorf("ai provider: %w", err)
	}

	reply, err := h.ai.Complete(ctx, p.TenantID, p.ConversationID, p.UserMessage)
	done(err == nil)
	if err != nil {
		return fmt.Errorf("ai completion: %w", err)
	}

	msgID := uuid.New().String()
	if err := h.messages.InsertMessage(ctx, models.Message{
		ID:             msgID,
		TenantID:       p.TenantID,
		ConversationID: p.ConversationID,
		Direction:      "outbound",
		Body:           reply,
		Status:         models.MessagePending,
	}); err != nil {
		return fmt.Errorf("persist assistant message: %w", err)
	}

	// The conversation ID doubles as the channel address for the chat.
	if _, err := h.enqueuer.Enqueue(ctx, models.KindOutboundSend, models.OutboundSendPayload{
		TenantID:       p.TenantID,
		To:             p.ConversationID,
		Message:        reply,
		ConversationID: p.ConversationID,
		MessageID:      msgID,
	}, queue.Options{TenantID: p.TenantID}); err != nil {
		return fmt.Errorf("enqueue outbound send: %w", err)
	}

	h.log.Debug("assistant reply generated",
		zap.String("conversation_id", p.ConversationID),
		zap.String("message_id", msgID))
	return nil
}
