package events

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionStatusChanged is published on every connection state transition.
// It is the only channel through which other layers observe connection health.
type ConnectionStatusChanged struct {
	BaseEvent
	TenantID          uuid.UUID `json:"tenantId"`
	Phase             string    `json:"phase"`
	Reason            string    `json:"reason,omitempty"`
	Epoch             uint64    `json:"epoch"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	QRPayload         string    `json:"qrPayload,omitempty"`
}

func (ConnectionStatusChanged) EventName() string { return "connection.status_changed" }

// MessageReceived is published after a message has been reconciled and persisted.
type MessageReceived struct {
	BaseEvent
	TenantID  uuid.UUID `json:"tenantId"`
	ContactID uuid.UUID `json:"contactId"`
	MessageID uuid.UUID `json:"messageId"`
	Direction string    `json:"direction"`
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sentAt"`
}

func (MessageReceived) EventName() string { return "messages.received" }

// ContactsChanged is published when a contact is created, updated, or merged.
type ContactsChanged struct {
	BaseEvent
	TenantID  uuid.UUID   `json:"tenantId"`
	ContactID uuid.UUID   `json:"contactId"`
	MergedIDs []uuid.UUID `json:"mergedIds,omitempty"`
}

func (ContactsChanged) EventName() string { return "contacts.changed" }

// AutoReplySent is published after the dispatcher successfully sends a reply.
type AutoReplySent struct {
	BaseEvent
	TenantID  uuid.UUID `json:"tenantId"`
	ContactID uuid.UUID `json:"contactId"`
	MessageID uuid.UUID `json:"messageId"`
	Keyword   string    `json:"keyword"`
}

func (AutoReplySent) EventName() string { return "autoreply.sent" }
