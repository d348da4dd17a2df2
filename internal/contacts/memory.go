package contacts

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and single-node setups
// without PostgreSQL.
type MemoryStore struct {
	mu       sync.RWMutex
	contacts map[uuid.UUID]Contact
	messages map[uuid.UUID]Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contacts: make(map[uuid.UUID]Contact),
		messages: make(map[uuid.UUID]Message),
	}
}

func (s *MemoryStore) CreateContact(_ context.Context, c *Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.Status == "" {
		c.Status = StatusPending
	}
	s.contacts[c.ID] = *c
	return nil
}

func (s *MemoryStore) UpdateContact(_ context.Context, c *Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.contacts[c.ID]
	if !ok || existing.TenantID != c.TenantID {
		return ErrNotFound
	}
	s.contacts[c.ID] = *c
	return nil
}

func (s *MemoryStore) GetContact(_ context.Context, tenantID, id uuid.UUID) (Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contacts[id]
	if !ok || c.TenantID != tenantID {
		return Contact{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) FindCandidates(_ context.Context, tenantID uuid.UUID, address, protocolID string) ([]Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]Contact, 0)
	for _, c := range s.contacts {
		if c.TenantID != tenantID {
			continue
		}
		if addressesOverlap(c.Address, address) || (protocolID != "" && c.ProtocolID == protocolID) {
			matches = append(matches, c)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.Before(matches[j].CreatedAt) })
	return matches, nil
}

func (s *MemoryStore) ListContacts(_ context.Context, tenantID uuid.UUID) ([]Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]Contact, 0)
	for _, c := range s.contacts {
		if c.TenantID == tenantID {
			items = append(items, c)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UpdatedAt.After(items[j].UpdatedAt) })
	return items, nil
}

func (s *MemoryStore) DeleteContacts(_ context.Context, tenantID uuid.UUID, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if c, ok := s.contacts[id]; ok && c.TenantID == tenantID {
			delete(s.contacts, id)
		}
	}
	return nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.DeliveryStatus == "" {
		m.DeliveryStatus = DeliveryPending
	}
	s.messages[m.ID] = *m
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, tenantID, contactID uuid.UUID, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	items := make([]Message, 0)
	for _, m := range s.messages {
		if m.TenantID == tenantID && m.ContactID == contactID {
			items = append(items, m)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Timestamp.After(items[j].Timestamp) })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) ReassignMessages(_ context.Context, tenantID uuid.UUID, fromIDs []uuid.UUID, toID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := make(map[uuid.UUID]bool, len(fromIDs))
	for _, id := range fromIDs {
		from[id] = true
	}
	for id, m := range s.messages {
		if m.TenantID == tenantID && from[m.ContactID] {
			m.ContactID = toID
			s.messages[id] = m
		}
	}
	return nil
}

func (s *MemoryStore) UpdateDeliveryStatus(_ context.Context, tenantID, messageID uuid.UUID, status DeliveryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok || m.TenantID != tenantID {
		return ErrNotFound
	}
	m.DeliveryStatus = status
	s.messages[messageID] = m
	return nil
}

func (s *MemoryStore) HasRecentMessage(_ context.Context, tenantID, contactID uuid.UUID, body string, direction Direction, ts time.Time, window time.Duration) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.messages {
		if m.TenantID != tenantID || m.ContactID != contactID {
			continue
		}
		if m.Body != body || m.Direction != direction {
			continue
		}
		delta := m.Timestamp.Sub(ts)
		if delta < 0 {
			delta = -delta
		}
		if delta <= window {
			return true, nil
		}
	}
	return false, nil
}

func addressesOverlap(stored, query string) bool {
	if stored == "" || query == "" {
		return false
	}
	return stored == query || strings.HasSuffix(stored, query) || strings.HasSuffix(query, stored)
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
