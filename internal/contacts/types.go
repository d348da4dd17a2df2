// Package contacts provides persistence for Contact and Message records,
// partitioned by tenant.
package contacts

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("contact not found")

// Status is the contact lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReplied   Status = "replied"
	StatusCompleted Status = "completed"
)

// rank orders statuses by progression so merges keep the furthest-along state.
func (s Status) rank() int {
	switch s {
	case StatusReplied:
		return 1
	case StatusCompleted:
		return 2
	default:
		return 0
	}
}

// Further reports whether s is further along the lifecycle than other.
func (s Status) Further(other Status) bool { return s.rank() > other.rank() }

// Direction marks a message as inbound or outbound.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// DeliveryStatus tracks outbound message delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
)

// Contact is the canonical identity record for one remote party.
// At most one contact exists per canonical address and per canonical
// protocol id within a tenant; the reconciliation engine enforces this.
type Contact struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	Address     string // canonical digits-only address
	ProtocolID  string // canonical address@domain identifier
	DisplayName string
	AvatarRef   string
	ReplyCount  int
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message is one persisted conversation event. Immutable after insert except
// for delivery status transitions; ownership is reassignable during merges.
type Message struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	ContactID      uuid.UUID
	Direction      Direction
	Body           string
	DeliveryStatus DeliveryStatus
	Timestamp      time.Time
	CreatedAt      time.Time
}
