// Package reconcile maps raw identifiers observed on events to exactly one
// canonical contact, merging duplicates created by inconsistent identifiers.
package reconcile

import (
	"context"
	"sync"

	"chatbridge_backend/internal/contacts"
	"chatbridge_backend/internal/events"
	"chatbridge_backend/internal/identity"
	"chatbridge_backend/platform/apperr"
	"chatbridge_backend/platform/logger"

	"github.com/google/uuid"
)

// Engine resolves raw identifiers to one canonical contact per tenant.
type Engine struct {
	store contacts.Store
	bus   events.Bus
	log   *logger.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func NewEngine(store contacts.Store, bus events.Bus, log *logger.Logger) *Engine {
	return &Engine{
		store: store,
		bus:   bus,
		log:   log,
		locks: make(map[uuid.UUID]*sync.Mutex),
	}
}

// tenantLock serializes resolution per tenant. Concurrent unguarded merges
// can recreate the duplicates they are meant to eliminate.
func (e *Engine) tenantLock(tenantID uuid.UUID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[tenantID] = l
	}
	return l
}

// Resolve returns the single canonical contact for the given raw identifiers,
// creating or merging as needed. preferredID, when non-nil, pins merges to a
// contact a prior action already committed to.
func (e *Engine) Resolve(ctx context.Context, tenantID uuid.UUID, rawAddress, rawProtocolID string, preferredID *uuid.UUID) (contacts.Contact, error) {
	address := identity.NormalizeAddress(rawAddress)
	protocolID := identity.NormalizeProtocolID(rawProtocolID)
	if address == "" && protocolID != "" {
		address = identity.NormalizeAddress(protocolID)
	}
	if address == "" && protocolID == "" {
		return contacts.Contact{}, apperr.Validation("no resolvable identifier").WithOp("reconcile.Resolve")
	}

	lock := e.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	matches, err := e.store.FindCandidates(ctx, tenantID, address, protocolID)
	if err != nil {
		return contacts.Contact{}, err
	}

	switch len(matches) {
	case 0:
		return e.create(ctx, tenantID, address, protocolID)
	case 1:
		return e.backfill(ctx, matches[0], address, protocolID)
	default:
		return e.merge(ctx, tenantID, matches, address, protocolID, preferredID)
	}
}

func (e *Engine) create(ctx context.Context, tenantID uuid.UUID, address, protocolID string) (contacts.Contact, error) {
	// Re-check right before insert: two near-simultaneous events may both
	// have missed the lookup. First writer wins; the second reuses it.
	matches, err := e.store.FindCandidates(ctx, tenantID, address, protocolID)
	if err != nil {
		return contacts.Contact{}, err
	}
	if len(matches) > 0 {
		return matches[0], nil
	}

	c := contacts.Contact{
		ID:         uuid.New(),
		TenantID:   tenantID,
		Address:    address,
		ProtocolID: identity.CanonicalProtocolID(address, protocolID),
		Status:     contacts.StatusPending,
	}
	if err := e.store.CreateContact(ctx, &c); err != nil {
		return contacts.Contact{}, err
	}

	e.publishChanged(ctx, tenantID, c.ID, nil)
	return c, nil
}

// backfill opportunistically upgrades a single match to canonical form.
func (e *Engine) backfill(ctx context.Context, c contacts.Contact, address, protocolID string) (contacts.Contact, error) {
	changed := false

	if c.Address == "" && address != "" {
		c.Address = address
		changed = true
	} else if address != "" && len(address) > len(c.Address) && addressSuffix(address, c.Address) {
		// Prefer the longer form: it carries the country code.
		c.Address = address
		changed = true
	}

	canonical := identity.CanonicalProtocolID(c.Address, firstNonEmpty(c.ProtocolID, protocolID))
	if c.ProtocolID == "" && canonical != "" {
		c.ProtocolID = canonical
		changed = true
	}

	if !changed {
		return c, nil
	}
	if err := e.store.UpdateContact(ctx, &c); err != nil {
		return contacts.Contact{}, err
	}
	return c, nil
}

// merge collapses all matches into one surviving contact.
func (e *Engine) merge(ctx context.Context, tenantID uuid.UUID, matches []contacts.Contact, address, protocolID string, preferredID *uuid.UUID) (contacts.Contact, error) {
	primary := pickPrimary(matches, preferredID)

	loserIDs := make([]uuid.UUID, 0, len(matches)-1)
	for _, m := range matches {
		if m.ID == primary.ID {
			continue
		}
		loserIDs = append(loserIDs, m.ID)

		primary.ReplyCount += m.ReplyCount
		if primary.DisplayName == "" && m.DisplayName != "" {
			primary.DisplayName = m.DisplayName
		}
		if primary.AvatarRef == "" && m.AvatarRef != "" {
			primary.AvatarRef = m.AvatarRef
		}
		if m.CreatedAt.Before(primary.CreatedAt) {
			primary.CreatedAt = m.CreatedAt
		}
		if m.UpdatedAt.After(primary.UpdatedAt) {
			primary.UpdatedAt = m.UpdatedAt
		}
		if m.Status.Further(primary.Status) {
			primary.Status = m.Status
		}
	}

	if address != "" && (primary.Address == "" || (len(address) > len(primary.Address) && addressSuffix(address, primary.Address))) {
		primary.Address = address
	}
	primary.ProtocolID = identity.CanonicalProtocolID(primary.Address, firstNonEmpty(primary.ProtocolID, protocolID))

	if err := e.store.ReassignMessages(ctx, tenantID, loserIDs, primary.ID); err != nil {
		return contacts.Contact{}, err
	}
	if err := e.store.UpdateContact(ctx, &primary); err != nil {
		return contacts.Contact{}, err
	}
	if err := e.store.DeleteContacts(ctx, tenantID, loserIDs); err != nil {
		return contacts.Contact{}, err
	}

	e.log.Info("merged duplicate contacts",
		"tenant_id", tenantID.String(),
		"primary_id", primary.ID.String(),
		"merged", len(loserIDs),
	)
	e.publishChanged(ctx, tenantID, primary.ID, loserIDs)
	return primary, nil
}

// pickPrimary applies the tie-break order: explicit caller preference, then
// the first match carrying a display name or avatar, then earliest created.
// Matches arrive sorted by creation time.
func pickPrimary(matches []contacts.Contact, preferredID *uuid.UUID) contacts.Contact {
	if preferredID != nil {
		for _, m := range matches {
			if m.ID == *preferredID {
				return m
			}
		}
	}
	for _, m := range matches {
		if m.DisplayName != "" || m.AvatarRef != "" {
			return m
		}
	}
	return matches[0]
}

func (e *Engine) publishChanged(ctx context.Context, tenantID, contactID uuid.UUID, mergedIDs []uuid.UUID) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, events.ContactsChanged{
		BaseEvent: events.NewBaseEvent(),
		TenantID:  tenantID,
		ContactID: contactID,
		MergedIDs: mergedIDs,
	})
}

func addressSuffix(longer, shorter string) bool {
	return len(longer) >= len(shorter) && longer[len(longer)-len(shorter):] == shorter
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
