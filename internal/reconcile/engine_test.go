package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"chatbridge_backend/internal/contacts"
	"chatbridge_backend/platform/logger"

	"github.com/google/uuid"
)

func newTestEngine() (*Engine, *contacts.MemoryStore) {
	store := contacts.NewMemoryStore()
	return NewEngine(store, nil, logger.New("development")), store
}

func TestResolveCreatesContactOnFirstSight(t *testing.T) {
	engine, _ := newTestEngine()
	tenant := uuid.New()

	c, err := engine.Resolve(context.Background(), tenant, "087712345678", "", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if c.Address != "87712345678" {
		t.Fatalf("address = %q, want 87712345678", c.Address)
	}
	if c.ProtocolID != "87712345678@s.whatsapp.net" {
		t.Fatalf("protocol id = %q", c.ProtocolID)
	}
	if c.Status != contacts.StatusPending {
		t.Fatalf("status = %q, want pending", c.Status)
	}
}

func TestResolveRejectsUnresolvableInput(t *testing.T) {
	engine, _ := newTestEngine()
	if _, err := engine.Resolve(context.Background(), uuid.New(), "abc", "junk", nil); err == nil {
		t.Fatal("expected error for unresolvable identifiers")
	}
}

func TestResolveSameContactForTrunkPrefixVariants(t *testing.T) {
	engine, _ := newTestEngine()
	tenant := uuid.New()
	ctx := context.Background()

	first, err := engine.Resolve(ctx, tenant, "087712345678", "", nil)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, err := engine.Resolve(ctx, tenant, "87712345678", "", nil)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected one contact, got %s and %s", first.ID, second.ID)
	}
}

func TestResolveSuffixTolerantLookup(t *testing.T) {
	engine, store := newTestEngine()
	tenant := uuid.New()
	ctx := context.Background()

	// Historical record stored without country code.
	seeded := contacts.Contact{TenantID: tenant, Address: "8123456789", ProtocolID: "8123456789@s.whatsapp.net"}
	if err := store.CreateContact(ctx, &seeded); err != nil {
		t.Fatal(err)
	}

	resolved, err := engine.Resolve(ctx, tenant, "628123456789", "", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.ID != seeded.ID {
		t.Fatal("expected suffix match to reuse the historical contact")
	}
	if resolved.Address != "628123456789" {
		t.Fatalf("expected backfill to the longer address, got %q", resolved.Address)
	}
}

func TestMergeInvariant(t *testing.T) {
	engine, store := newTestEngine()
	tenant := uuid.New()
	ctx := context.Background()

	older := contacts.Contact{
		TenantID: tenant, Address: "5550001234", ProtocolID: "5550001234@s.whatsapp.net",
		ReplyCount: 2, CreatedAt: time.Now().Add(-2 * time.Hour),
	}
	newer := contacts.Contact{
		TenantID: tenant, Address: "5550001234", ProtocolID: "5550001234@lid",
		DisplayName: "Alice", ReplyCount: 3, CreatedAt: time.Now().Add(-time.Hour),
	}
	if err := store.CreateContact(ctx, &older); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateContact(ctx, &newer); err != nil {
		t.Fatal(err)
	}
	for _, owner := range []uuid.UUID{older.ID, newer.ID} {
		msg := contacts.Message{TenantID: tenant, ContactID: owner, Direction: contacts.DirectionInbound, Body: "hello", Timestamp: time.Now()}
		if err := store.InsertMessage(ctx, &msg); err != nil {
			t.Fatal(err)
		}
	}

	merged, err := engine.Resolve(ctx, tenant, "5550001234", "5550001234@lid", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Exactly one contact survives; the named one wins.
	remaining, err := store.ListContacts(ctx, tenant)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected 1 surviving contact, got %d", len(remaining))
	}
	if merged.ID != newer.ID {
		t.Fatal("expected the contact with a display name to be primary")
	}
	if merged.ReplyCount != 5 {
		t.Fatalf("reply count = %d, want 5 (summed)", merged.ReplyCount)
	}
	if !merged.CreatedAt.Equal(older.CreatedAt) {
		t.Fatal("createdAt must become the minimum across merged contacts")
	}

	msgs, err := store.ListMessages(ctx, tenant, merged.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected both messages reassigned to the survivor, got %d", len(msgs))
	}
}

func TestMergePrefersCallerPinnedContact(t *testing.T) {
	engine, store := newTestEngine()
	tenant := uuid.New()
	ctx := context.Background()

	a := contacts.Contact{TenantID: tenant, Address: "5550001234", ProtocolID: "5550001234@a", DisplayName: "A"}
	b := contacts.Contact{TenantID: tenant, Address: "5550001234", ProtocolID: "5550001234@b", DisplayName: "B"}
	if err := store.CreateContact(ctx, &a); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateContact(ctx, &b); err != nil {
		t.Fatal(err)
	}

	merged, err := engine.Resolve(ctx, tenant, "5550001234", "", &b.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if merged.ID != b.ID {
		t.Fatal("caller-preferred contact must win the merge")
	}
}

func TestConcurrentResolveCreatesOneContact(t *testing.T) {
	engine, store := newTestEngine()
	tenant := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.Resolve(context.Background(), tenant, "6287712345678", "", nil); err != nil {
				t.Errorf("resolve: %v", err)
			}
		}()
	}
	wg.Wait()

	remaining, err := store.ListContacts(context.Background(), tenant)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected exactly one contact after concurrent resolution, got %d", len(remaining))
	}
}
