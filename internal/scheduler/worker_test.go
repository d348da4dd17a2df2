package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"chatbridge_backend/internal/contacts"
	"chatbridge_backend/internal/protocol"
	"chatbridge_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

type stubSession struct {
	mu    sync.Mutex
	sent  []string
	fail  error
}

func (s *stubSession) Connect(context.Context) error                   { return nil }
func (s *stubSession) Disconnect()                                     {}
func (s *stubSession) Logout(context.Context) error                    { return nil }
func (s *stubSession) OnConnection(func(protocol.ConnectionEvent))     {}
func (s *stubSession) OnMessages(func(protocol.MessageBatch))          {}
func (s *stubSession) MarkRead(context.Context, string, []string) error { return nil }
func (s *stubSession) SetPresence(context.Context, string, protocol.Presence) error {
	return nil
}
func (s *stubSession) ProfileName(context.Context, string) (string, error)    { return "", nil }
func (s *stubSession) ProfilePicture(context.Context, string) (string, error) { return "", nil }
func (s *stubSession) DownloadVoicePCM(context.Context, protocol.MediaRef) ([]float32, error) {
	return nil, nil
}
func (s *stubSession) SendAudio(context.Context, string, []byte, string) (protocol.SendResult, error) {
	return protocol.SendResult{}, nil
}

func (s *stubSession) SendText(_ context.Context, _, body string) (protocol.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return protocol.SendResult{}, s.fail
	}
	s.sent = append(s.sent, body)
	return protocol.SendResult{Timestamp: time.Now()}, nil
}

func (s *stubSession) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type stubSessions struct {
	sess protocol.Session
}

func (s *stubSessions) Session(uuid.UUID) protocol.Session { return s.sess }

func newFollowupWorker(store contacts.Store, sess protocol.Session) *Worker {
	return &Worker{
		store:    store,
		sessions: &stubSessions{sess: sess},
		log:      logger.New("development"),
		text:     DefaultFollowupText,
	}
}

func followupTask(t *testing.T, tenantID, contactID uuid.UUID, sentAt time.Time) *asynq.Task {
	t.Helper()
	task, err := NewAutoReplyFollowupTask(AutoReplyFollowupPayload{
		TenantID:  tenantID.String(),
		ContactID: contactID.String(),
		SentAt:    sentAt,
	})
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func seedRepliedContact(t *testing.T, store *contacts.MemoryStore, tenant uuid.UUID, replyAt time.Time) contacts.Contact {
	t.Helper()
	ctx := context.Background()
	c := contacts.Contact{
		TenantID:   tenant,
		Address:    "6287712345678",
		ProtocolID: "6287712345678@s.whatsapp.net",
		Status:     contacts.StatusReplied,
		ReplyCount: 1,
	}
	if err := store.CreateContact(ctx, &c); err != nil {
		t.Fatal(err)
	}
	msg := contacts.Message{
		TenantID: tenant, ContactID: c.ID,
		Direction: contacts.DirectionOutbound, Body: "thanks!",
		Timestamp: replyAt,
	}
	if err := store.InsertMessage(ctx, &msg); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestFollowupSentForQuietRepliedContact(t *testing.T) {
	store := contacts.NewMemoryStore()
	sess := &stubSession{}
	w := newFollowupWorker(store, sess)

	tenant := uuid.New()
	replyAt := time.Now().Add(-24 * time.Hour)
	c := seedRepliedContact(t, store, tenant, replyAt)

	if err := w.handleFollowup(context.Background(), followupTask(t, tenant, c.ID, replyAt)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if sess.sentCount() != 1 {
		t.Fatalf("sent %d follow-ups, want 1", sess.sentCount())
	}
	got, err := store.GetContact(context.Background(), tenant, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != contacts.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	msgs, _ := store.ListMessages(context.Background(), tenant, c.ID, 10)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want reply plus follow-up", len(msgs))
	}
}

func TestFollowupSkippedWhenConversationMovedOn(t *testing.T) {
	store := contacts.NewMemoryStore()
	sess := &stubSession{}
	w := newFollowupWorker(store, sess)

	tenant := uuid.New()
	replyAt := time.Now().Add(-24 * time.Hour)
	c := seedRepliedContact(t, store, tenant, replyAt)

	// The contact answered after our reply.
	answer := contacts.Message{
		TenantID: tenant, ContactID: c.ID,
		Direction: contacts.DirectionInbound, Body: "great, thanks",
		Timestamp: replyAt.Add(time.Hour),
	}
	if err := store.InsertMessage(context.Background(), &answer); err != nil {
		t.Fatal(err)
	}

	if err := w.handleFollowup(context.Background(), followupTask(t, tenant, c.ID, replyAt)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if sess.sentCount() != 0 {
		t.Fatal("follow-up must not fire after the contact answered")
	}
}

func TestFollowupSkippedForNonRepliedStatus(t *testing.T) {
	store := contacts.NewMemoryStore()
	sess := &stubSession{}
	w := newFollowupWorker(store, sess)

	tenant := uuid.New()
	c := contacts.Contact{TenantID: tenant, Address: "6287712345678", ProtocolID: "6287712345678@s.whatsapp.net", Status: contacts.StatusCompleted}
	if err := store.CreateContact(context.Background(), &c); err != nil {
		t.Fatal(err)
	}

	if err := w.handleFollowup(context.Background(), followupTask(t, tenant, c.ID, time.Now())); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if sess.sentCount() != 0 {
		t.Fatal("completed contacts must not receive follow-ups")
	}
}

func TestFollowupIgnoresVanishedContact(t *testing.T) {
	store := contacts.NewMemoryStore()
	w := newFollowupWorker(store, &stubSession{})

	// Merged-away contact id. The task completes without error so asynq
	// does not retry it forever.
	if err := w.handleFollowup(context.Background(), followupTask(t, uuid.New(), uuid.New(), time.Now())); err != nil {
		t.Fatalf("handle: %v", err)
	}
}

func TestFollowupRetriesWhileDisconnected(t *testing.T) {
	store := contacts.NewMemoryStore()
	w := &Worker{
		store:    store,
		sessions: &stubSessions{sess: nil},
		log:      logger.New("development"),
		text:     DefaultFollowupText,
	}

	tenant := uuid.New()
	c := seedRepliedContact(t, store, tenant, time.Now().Add(-24*time.Hour))

	if err := w.handleFollowup(context.Background(), followupTask(t, tenant, c.ID, time.Now().Add(-24*time.Hour))); err == nil {
		t.Fatal("expected an error so asynq retries once the tenant reconnects")
	}
}
