package models

import "time"

// APIKey is the persisted shape of a tenant API key. Raw keys are never
// stored; lookup is by SHA-256 hash.
type APIKey struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	Name         string     `json:"name"`
	KeyHash      string     `json:"-"`
	Scopes       []string   `json:"scopes"`
	Active       bool       `json:"active"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	RatePerMin   int        `json:"rate_per_min"`
	DailyLimit   int        `json:"daily_limit"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	RequestCount int64      `json:"request_count"`
}

// HasScope is a plain set-membership test, independent of rate limiting.
func (k APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Appointment statuses.
const (
	AppointmentScheduled = "scheduled"
	AppointmentCancelled = "cancelled"
)

// Appointment is the minimal calendar row the reminder scan reads.
type Appointment struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	ContactPhone string    `json:"contact_phone"`
	ContactName  string    `json:"contact_name"`
	StartsAt     time.Time `json:"starts_at"`
	Status       string    `json:"status"`
}

// Message delivery statuses.
const (
	MessagePending = "pending"
	MessageSent    = "sent"
	MessageFailed  = "failed"
)

// Message is one chat message row whose delivery status the send worker
// updates.
type Message struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	ConversationID    string    `json:"conversation_id"`
	Direction         string    `json:"direction"`
	Body              string    `json:"body"`
	Status            string    `json:"status"`
	ProviderMessageID *string   `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Document indexing statuses.
const (
	DocumentPending = "pending"
	DocumentIndexed = "indexed"
	DocumentFailed  = "failed"
)

// Document is a knowledge-base document row tracked through indexing.
type Document struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Status     string     `json:"status"`
	StorageKey *string    `json:"storage_key,omitempty"`
	IndexedAt  *time.Time `json:"indexed_at,omitempty"`
}
