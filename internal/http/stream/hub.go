// Package stream fans domain events out to SSE clients, partitioned by
// tenant. The bus has no unsubscribe, so the hub registers once and manages
// its own client set.
package stream

import (
	"context"
	"sync"

	"chatbridge_backend/internal/events"

	"github.com/google/uuid"
)

// Envelope is what an SSE client receives.
type Envelope struct {
	Name  string       `json:"name"`
	Event events.Event `json:"event"`
}

// Hub distributes tenant-scoped events to subscribed clients.
type Hub struct {
	mu      sync.Mutex
	clients map[uuid.UUID]map[chan Envelope]struct{}
}

func NewHub(bus events.Bus) *Hub {
	h := &Hub{clients: make(map[uuid.UUID]map[chan Envelope]struct{})}
	for _, name := range []string{
		events.ConnectionStatusChanged{}.EventName(),
		events.MessageReceived{}.EventName(),
		events.ContactsChanged{}.EventName(),
		events.AutoReplySent{}.EventName(),
	} {
		bus.Subscribe(name, events.HandlerFunc(h.handle))
	}
	return h
}

func (h *Hub) handle(_ context.Context, ev events.Event) error {
	tenantID, ok := tenantOf(ev)
	if !ok {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients[tenantID] {
		// Slow clients lose events rather than stalling the hub.
		select {
		case ch <- Envelope{Name: ev.EventName(), Event: ev}:
		default:
		}
	}
	return nil
}

// Subscribe registers a client for one tenant's events. The returned cancel
// function must be called when the client disconnects.
func (h *Hub) Subscribe(tenantID uuid.UUID) (<-chan Envelope, func()) {
	ch := make(chan Envelope, 16)

	h.mu.Lock()
	set, ok := h.clients[tenantID]
	if !ok {
		set = make(map[chan Envelope]struct{})
		h.clients[tenantID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.clients[tenantID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.clients, tenantID)
			}
		}
	}
	return ch, cancel
}

func tenantOf(ev events.Event) (uuid.UUID, bool) {
	switch e := ev.(type) {
	case events.ConnectionStatusChanged:
		return e.TenantID, true
	case events.MessageReceived:
		return e.TenantID, true
	case events.ContactsChanged:
		return e.TenantID, true
	case events.AutoReplySent:
		return e.TenantID, true
	default:
		return uuid.Nil, false
	}
}
