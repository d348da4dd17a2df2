package contacts

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence abstraction consumed by the reconciliation engine,
// the ingestion pipeline, and the reply dispatcher. Implementations:
// Repository (pgx) and MemoryStore (tests, embedded deployments).
type Store interface {
	// CreateContact inserts a new contact.
	CreateContact(ctx context.Context, c *Contact) error
	// UpdateContact persists all mutable contact fields.
	UpdateContact(ctx context.Context, c *Contact) error
	// GetContact returns one contact by id within a tenant.
	GetContact(ctx context.Context, tenantID, id uuid.UUID) (Contact, error)
	// FindCandidates returns every contact whose address matches the given
	// address exactly or by suffix (either direction), or whose protocol id
	// matches exactly. Empty inputs match nothing.
	FindCandidates(ctx context.Context, tenantID uuid.UUID, address, protocolID string) ([]Contact, error)
	// ListContacts returns a tenant's contacts in recency order.
	ListContacts(ctx context.Context, tenantID uuid.UUID) ([]Contact, error)
	// DeleteContacts removes contacts by id. Used only by merges and explicit
	// user action.
	DeleteContacts(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) error

	// InsertMessage persists a message.
	InsertMessage(ctx context.Context, m *Message) error
	// ListMessages returns a contact's messages, newest first.
	ListMessages(ctx context.Context, tenantID, contactID uuid.UUID, limit int) ([]Message, error)
	// ReassignMessages moves message ownership from the given contacts to
	// another contact. Used by merges.
	ReassignMessages(ctx context.Context, tenantID uuid.UUID, fromIDs []uuid.UUID, toID uuid.UUID) error
	// UpdateDeliveryStatus transitions a message's delivery status.
	UpdateDeliveryStatus(ctx context.Context, tenantID, messageID uuid.UUID, status DeliveryStatus) error
	// HasRecentMessage reports whether a message with the same body and
	// direction exists for the contact within the tolerance window around ts.
	HasRecentMessage(ctx context.Context, tenantID, contactID uuid.UUID, body string, direction Direction, ts time.Time, window time.Duration) (bool, error)
}
