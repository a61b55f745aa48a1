package worker

import (
	"context"

	"chatpilot/internal/models"
	"chatpilot/internal/queue"
)

// AIClient generates an assistant reply for an inbound message. The real
// implementation lives outside this core.
type AIClient interface {
	Complete(ctx context.Context, tenantID, conversationID, userMessage string) (string, error)
}

// MessageSender delivers one message through the channel provider, returning
// the provider's message ID.
type MessageSender interface {
	Send(ctx context.Context, tenantID, to, body string) (string, error)
}

// EventPublisher emits realtime events (new message, status change) for
// connected clients.
type EventPublisher interface {
	Publish(ctx context.Context, tenantID, event string, payload any) error
}

// ObjectUploader stores raw document bytes, returning nothing but the error;
// the storage key is chosen by the caller.
type ObjectUploader interface {
	Upload(ctx context.Context, key, contentType string, data []byte) error
}

// Enqueuer produces follow-up jobs. Implemented by *queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind models.Kind, payload any, opts queue.Options) (string, error)
}

// MessageStore is the persistence slice the message handlers need.
type MessageStore interface {
	InsertMessage(ctx context.Context, m models.Message) error
	MarkMessageSent(ctx context.Context, id, providerMessageID string) error
	MarkMessageFailed(ctx context.Context, id string) error
}

// AppointmentStore is the persistence slice the reminder handler needs.
type AppointmentStore interface {
	GetAppointment(ctx context.Context, id string) (models.Appointment, error)
}

// DocumentStore is the persistence slice the indexing handler needs.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (models.Document, error)
	MarkDocumentIndexed(ctx context.Context, id, storageKey string) error
	MarkDocumentFailed(ctx context.Context, id string) error
}
