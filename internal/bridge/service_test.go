package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"chatbridge_backend/internal/autoreply"
	"chatbridge_backend/internal/connection"
	"chatbridge_backend/internal/contacts"
	"chatbridge_backend/internal/ingest"
	"chatbridge_backend/internal/protocol"
	"chatbridge_backend/internal/reconcile"
	"chatbridge_backend/platform/apperr"
	"chatbridge_backend/platform/logger"

	"github.com/google/uuid"
)

type fakeSession struct {
	mu     sync.Mutex
	connFn func(protocol.ConnectionEvent)
	msgFn  func(protocol.MessageBatch)
	sent   []string
}

func (s *fakeSession) Connect(context.Context) error { return nil }
func (s *fakeSession) Disconnect()                   {}
func (s *fakeSession) Logout(context.Context) error  { return nil }

func (s *fakeSession) OnConnection(fn func(protocol.ConnectionEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connFn = fn
}

func (s *fakeSession) OnMessages(fn func(protocol.MessageBatch)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgFn = fn
}

func (s *fakeSession) open() {
	s.mu.Lock()
	fn := s.connFn
	s.mu.Unlock()
	fn(protocol.ConnectionEvent{Kind: protocol.EventOpened})
}

func (s *fakeSession) deliver(batch protocol.MessageBatch) {
	s.mu.Lock()
	fn := s.msgFn
	s.mu.Unlock()
	if fn != nil {
		fn(batch)
	}
}

func (s *fakeSession) SendText(_ context.Context, _, body string) (protocol.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, body)
	return protocol.SendResult{ProviderID: "srv-1", Timestamp: time.Now()}, nil
}

func (s *fakeSession) SendAudio(context.Context, string, []byte, string) (protocol.SendResult, error) {
	return protocol.SendResult{}, nil
}
func (s *fakeSession) MarkRead(context.Context, string, []string) error { return nil }
func (s *fakeSession) SetPresence(context.Context, string, protocol.Presence) error {
	return nil
}
func (s *fakeSession) ProfileName(context.Context, string) (string, error)    { return "", nil }
func (s *fakeSession) ProfilePicture(context.Context, string) (string, error) { return "", nil }
func (s *fakeSession) DownloadVoicePCM(context.Context, protocol.MediaRef) ([]float32, error) {
	return nil, nil
}

type fakeClient struct {
	mu       sync.Mutex
	sessions []*fakeSession
}

func (c *fakeClient) NewSession(context.Context, uuid.UUID) (protocol.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &fakeSession{}
	c.sessions = append(c.sessions, s)
	return s, nil
}

func (c *fakeClient) last() *fakeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[len(c.sessions)-1]
}

type noopCreds struct{}

func (noopCreds) Clear(context.Context, uuid.UUID) error { return nil }

func newTestService(t *testing.T) (*Service, *fakeClient, *contacts.MemoryStore) {
	t.Helper()
	log := logger.New("development")
	store := contacts.NewMemoryStore()
	engine := reconcile.NewEngine(store, nil, log)
	client := &fakeClient{}

	dispatcher := autoreply.NewDispatcher(store, sessionSourceFunc(nil), autoreply.NewStaticRules(autoreply.NewRuleSet()), nil, nil, log, autoreply.Config{})
	pipeline := ingest.NewPipeline(engine, store, ingest.NewStoreDetector(store, 30*time.Second), dispatcher, nil, nil, log, ingest.Config{HistoryRecencyWindow: 5 * time.Minute})

	svc := newServiceWithDeps(client, store, engine, pipeline, dispatcher, log)
	dispatcher.BindSessions(svc)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc, client, store
}

func newServiceWithDeps(client *fakeClient, store *contacts.MemoryStore, engine *reconcile.Engine, pipeline *ingest.Pipeline, dispatcher *autoreply.Dispatcher, log *logger.Logger) *Service {
	return NewService(client, noopCreds{}, store, engine, pipeline, dispatcher, nil, log, Config{
		Connection: connection.Config{
			MaxReconnectAttempts: 3,
			ReconnectBaseDelay:   time.Millisecond,
			RestartRetryDelay:    time.Millisecond,
			QRTTL:                time.Minute,
		},
		DefaultRegion: "ID",
	})
}

type sessionSourceFunc func(uuid.UUID) protocol.Session

func (f sessionSourceFunc) Session(id uuid.UUID) protocol.Session {
	if f == nil {
		return nil
	}
	return f(id)
}

func TestStartTenantIsIdempotent(t *testing.T) {
	svc, client, _ := newTestService(t)
	tenant := uuid.New()

	if err := svc.StartTenant(tenant); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.StartTenant(tenant); err != nil {
		t.Fatalf("second start: %v", err)
	}
	client.mu.Lock()
	n := len(client.sessions)
	client.mu.Unlock()
	if n != 1 {
		t.Fatalf("dialed %d sessions, want 1", n)
	}
}

func TestSendMessageRequiresConnection(t *testing.T) {
	svc, _, _ := newTestService(t)
	tenant := uuid.New()
	if err := svc.StartTenant(tenant); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err := svc.SendMessage(context.Background(), tenant, "+62 877-1234-5678", "hello", nil)
	if !apperr.Is(err, apperr.KindUnavailable) {
		t.Fatalf("err = %v, want unavailable", err)
	}
}

func TestSendMessagePersistsOutbound(t *testing.T) {
	svc, client, store := newTestService(t)
	tenant := uuid.New()
	if err := svc.StartTenant(tenant); err != nil {
		t.Fatalf("start: %v", err)
	}
	client.last().open()

	msg, err := svc.SendMessage(context.Background(), tenant, "+62 877-1234-5678", "hello there", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Direction != contacts.DirectionOutbound || msg.Body != "hello there" {
		t.Fatalf("unexpected message %+v", msg)
	}

	cs, err := store.ListContacts(context.Background(), tenant)
	if err != nil {
		t.Fatal(err)
	}
	if len(cs) != 1 || cs[0].Address != "6287712345678" {
		t.Fatalf("expected one contact with E.164 digits, got %+v", cs)
	}
}

func TestInboundBatchCreatesContactAndMessage(t *testing.T) {
	svc, client, store := newTestService(t)
	tenant := uuid.New()
	if err := svc.StartTenant(tenant); err != nil {
		t.Fatalf("start: %v", err)
	}
	sess := client.last()
	sess.open()

	sess.deliver(protocol.MessageBatch{
		Kind: protocol.BatchLive,
		Events: []protocol.MessageEvent{{
			ProviderID: "p1",
			ChatID:     "6287712345678@s.whatsapp.net",
			SenderID:   "6287712345678@s.whatsapp.net",
			Kind:       protocol.KindText,
			Body:       "hi",
			Timestamp:  time.Now(),
		}},
	})

	cs, err := store.ListContacts(context.Background(), tenant)
	if err != nil {
		t.Fatal(err)
	}
	if len(cs) != 1 {
		t.Fatalf("contacts = %d, want 1", len(cs))
	}
	msgs, err := store.ListMessages(context.Background(), tenant, cs[0].ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Body != "hi" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestUnknownTenantOperationsReturnNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	if _, err := svc.Status(uuid.New()); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("status err = %v, want not found", err)
	}
	if err := svc.Pause(uuid.New()); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("pause err = %v, want not found", err)
	}
}
