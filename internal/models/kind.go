package models

import (
	"encoding/json"
	"fmt"
)

// Kind is the closed set of job types this system processes.
type Kind string

const (
	KindAIProcessing Kind = "ai_processing"
	KindRAGIndexing  Kind = "rag_indexing"
	KindReminder     Kind = "reminder"
	KindOutboundSend Kind = "outbound_send"
)

// Kinds lists every job kind a worker binary must run a pool for.
var Kinds = []Kind{KindAIProcessing, KindRAGIndexing, KindReminder, KindOutboundSend}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindAIProcessing, KindRAGIndexing, KindReminder, KindOutboundSend:
		return true
	}
	return false
}

// AIProcessingPayload asks a worker to generate an assistant reply for an
// inbound message.
type AIProcessingPayload struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	UserMessage    string `json:"user_message"`
}

// RAGIndexingPayload carries a knowledge-base document to be ingested.
// FileBuffer is base64 as produced by the upload endpoint.
type RAGIndexingPayload struct {
	TenantID   string `json:"tenant_id"`
	DocumentID string `json:"document_id"`
	FileBuffer string `json:"file_buffer"`
	MimeType   string `json:"mime_type"`
}

// Reminder thresholds relative to an appointment's start time.
const (
	ReminderType24h = "24h"
	ReminderType1h  = "1h"
)

// ReminderPayload triggers one appointment notification.
type ReminderPayload struct {
	AppointmentID string `json:"appointment_id"`
	Type          string `json:"type"`
}

// OutboundSendPayload delivers one message through the channel provider.
// MessageID, when present, keys the delivery-status update so a duplicate
// execution after a crash stays idempotent.
type OutboundSendPayload struct {
	TenantID       string `json:"tenant_id"`
	To             string `json:"to"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
}

// DecodePayload unmarshals raw into the payload struct for kind. The switch
// is exhaustive over Kinds; an unknown kind is a permanent error, never a
// retryable one.
func DecodePayload(kind Kind, raw json.RawMessage) (any, error) {
	switch kind {
	case KindAIProcessing:
		var p AIProcessingPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	case KindRAGIndexing:
		var p RAGIndexingPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	case KindReminder:
		var p ReminderPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	case KindOutboundSend:
		var p OutboundSendPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
}
