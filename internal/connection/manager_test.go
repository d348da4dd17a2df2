package connection

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"chatbridge_backend/internal/protocol"
	"chatbridge_backend/platform/logger"

	"github.com/google/uuid"
)

type fakeSession struct {
	mu           sync.Mutex
	connFn       func(protocol.ConnectionEvent)
	msgFn        func(protocol.MessageBatch)
	disconnected bool
	loggedOut    bool
}

func (s *fakeSession) Connect(context.Context) error { return nil }

func (s *fakeSession) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = true
}

func (s *fakeSession) Logout(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggedOut = true
	return nil
}

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

func (s *fakeSession) fire(ev protocol.ConnectionEvent) {
	s.mu.Lock()
	fn := s.connFn
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (s *fakeSession) deliver(batch protocol.MessageBatch) bool {
	s.mu.Lock()
	fn := s.msgFn
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(batch)
	return true
}

func (s *fakeSession) SendText(context.Context, string, string) (protocol.SendResult, error) {
	return protocol.SendResult{}, nil
}
func (s *fakeSession) SendAudio(context.Context, string, []byte, string) (protocol.SendResult, error) {
	return protocol.SendResult{}, nil
}
func (s *fakeSession) MarkRead(context.Context, string, []string) error     { return nil }
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

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *fakeClient) last() *fakeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) == 0 {
		return nil
	}
	return c.sessions[len(c.sessions)-1]
}

type fakeCreds struct {
	mu      sync.Mutex
	cleared int
}

func (c *fakeCreds) Clear(context.Context, uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared++
	return nil
}

func (c *fakeCreds) clearedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleared
}

func testConfig() Config {
	return Config{
		MaxReconnectAttempts: 3,
		ReconnectBaseDelay:   time.Millisecond,
		RestartRetryDelay:    time.Millisecond,
		QRTTL:                time.Minute,
	}
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeClient, *fakeCreds) {
	t.Helper()
	client := &fakeClient{}
	creds := &fakeCreds{}
	m := NewManager(uuid.New(), client, creds, nil, logger.New("development"), cfg)
	t.Cleanup(m.Shutdown)
	return m, client, creds
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestQRThenOpenAssignsEpochBeforeListener(t *testing.T) {
	m, client, _ := newTestManager(t, testConfig())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	sess := client.last()

	sess.fire(protocol.ConnectionEvent{Kind: protocol.EventQRIssued, QRPayload: "2@abc"})
	st := m.Status()
	if st.Phase != PhaseQRReady || st.QRPayload != "2@abc" {
		t.Fatalf("status = %+v, want qr_ready with payload", st)
	}
	if m.ActiveEpoch() != 0 {
		t.Fatal("epoch must be inactive before the session opens")
	}

	var gotEpoch uint64
	m.onBatch = func(epoch uint64, _ protocol.MessageBatch) { gotEpoch = epoch }

	sess.fire(protocol.ConnectionEvent{Kind: protocol.EventOpened})
	if m.ActiveEpoch() != 1 {
		t.Fatalf("active epoch = %d, want 1", m.ActiveEpoch())
	}
	if !sess.deliver(protocol.MessageBatch{Kind: protocol.BatchLive}) {
		t.Fatal("message listener must be attached after open")
	}
	if gotEpoch != 1 {
		t.Fatalf("batch epoch = %d, want 1", gotEpoch)
	}
	if st := m.Status(); st.QRPayload != "" {
		t.Fatal("QR payload must be discarded once connected")
	}
}

func TestLoggedOutClearsCredentialsAndStopsRetrying(t *testing.T) {
	m, client, creds := newTestManager(t, testConfig())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	sess := client.last()
	sess.fire(protocol.ConnectionEvent{Kind: protocol.EventOpened})

	sess.fire(protocol.ConnectionEvent{
		Kind:  protocol.EventClosed,
		Close: protocol.CloseInfo{Code: protocol.CloseLoggedOut},
	})

	st := m.Status()
	if st.Phase != PhaseDisconnected || st.Reason != ReasonLoggedOut {
		t.Fatalf("status = %+v, want disconnected/logged_out", st)
	}
	if creds.clearedCount() != 1 {
		t.Fatalf("credentials cleared %d times, want 1", creds.clearedCount())
	}

	// No retry may be scheduled after a terminal logout.
	time.Sleep(20 * time.Millisecond)
	if client.count() != 1 {
		t.Fatalf("sessions dialed = %d, want 1 (no auto-retry)", client.count())
	}
	if m.ActiveEpoch() != 0 {
		t.Fatal("epoch must be inactive after logout")
	}
}

func TestGenericCloseRetriesUntilMaxAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	m, client, _ := newTestManager(t, cfg)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 3; i++ {
		dialed := client.count()
		client.last().fire(protocol.ConnectionEvent{
			Kind:  protocol.EventClosed,
			Close: protocol.CloseInfo{Code: protocol.CloseGeneric},
		})
		if i < 2 {
			waitFor(t, "reconnect attempt", func() bool { return client.count() > dialed })
		}
	}

	st := m.Status()
	if st.Phase != PhaseDisconnected || st.Reason != ReasonMaxAttempts {
		t.Fatalf("status = %+v, want disconnected/max_attempts", st)
	}
	if st.ReconnectAttempts != 2 {
		t.Fatalf("attempts = %d, want 2", st.ReconnectAttempts)
	}
	time.Sleep(20 * time.Millisecond)
	if client.count() != 3 {
		t.Fatalf("sessions dialed = %d, want 3 (initial + 2 retries)", client.count())
	}
}

func TestRestartRequiredResetsAttemptCounter(t *testing.T) {
	m, client, _ := newTestManager(t, testConfig())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Accumulate one failed attempt, then a server-requested restart.
	client.last().fire(protocol.ConnectionEvent{
		Kind:  protocol.EventClosed,
		Close: protocol.CloseInfo{Code: protocol.CloseGeneric},
	})
	waitFor(t, "retry dial", func() bool { return client.count() == 2 })

	client.last().fire(protocol.ConnectionEvent{
		Kind:  protocol.EventClosed,
		Close: protocol.CloseInfo{Code: protocol.CloseRestartRequired},
	})
	waitFor(t, "restart dial", func() bool { return client.count() == 3 })

	if st := m.Status(); st.ReconnectAttempts != 0 {
		t.Fatalf("attempts = %d, want 0 after restart-required", st.ReconnectAttempts)
	}
}

func TestMethodRejectedRetriesImmediatelyKeepingCredentials(t *testing.T) {
	m, client, creds := newTestManager(t, testConfig())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	client.last().fire(protocol.ConnectionEvent{
		Kind:  protocol.EventClosed,
		Close: protocol.CloseInfo{Code: protocol.CloseMethodRejected},
	})
	waitFor(t, "fresh session after rejection", func() bool { return client.count() == 2 })

	if creds.clearedCount() != 0 {
		t.Fatal("rejection must not clear credentials")
	}
	if st := m.Status(); st.ReconnectAttempts != 0 {
		t.Fatalf("attempts = %d, want 0 (rejection does not count)", st.ReconnectAttempts)
	}
}

func TestTimeoutWithOutstandingQRIsExpiryNotFailure(t *testing.T) {
	m, client, _ := newTestManager(t, testConfig())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	sess := client.last()
	sess.fire(protocol.ConnectionEvent{Kind: protocol.EventQRIssued, QRPayload: "2@old"})

	sess.fire(protocol.ConnectionEvent{
		Kind:  protocol.EventClosed,
		Close: protocol.CloseInfo{Code: protocol.CloseTimeout},
	})
	waitFor(t, "fresh session for new QR", func() bool { return client.count() == 2 })

	st := m.Status()
	if st.ReconnectAttempts != 0 {
		t.Fatalf("attempts = %d, want 0 (QR expiry is not a failure)", st.ReconnectAttempts)
	}
	if st.QRPayload != "" {
		t.Fatal("expired QR payload must be discarded")
	}
}

func TestTimeoutWithNetworkUnreachableIsTerminal(t *testing.T) {
	m, client, _ := newTestManager(t, testConfig())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	client.last().fire(protocol.ConnectionEvent{
		Kind: protocol.EventClosed,
		Close: protocol.CloseInfo{
			Code: protocol.CloseTimeout,
			Err:  &net.DNSError{Err: "no such host", Name: "gateway", IsNotFound: true},
		},
	})

	st := m.Status()
	if st.Phase != PhaseDisconnected || st.Reason != ReasonNetworkError {
		t.Fatalf("status = %+v, want disconnected/network_error", st)
	}
	time.Sleep(20 * time.Millisecond)
	if client.count() != 1 {
		t.Fatalf("sessions dialed = %d, want 1 (no retry on network error)", client.count())
	}
}

func TestEpochIsMonotonicAcrossReconnects(t *testing.T) {
	m, client, _ := newTestManager(t, testConfig())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	client.last().fire(protocol.ConnectionEvent{Kind: protocol.EventOpened})
	first := m.ActiveEpoch()

	client.last().fire(protocol.ConnectionEvent{
		Kind:  protocol.EventClosed,
		Close: protocol.CloseInfo{Code: protocol.CloseRestartRequired},
	})
	waitFor(t, "redial", func() bool { return client.count() == 2 })
	if m.ActiveEpoch() != 0 {
		t.Fatal("epoch must be inactive while reconnecting")
	}

	client.last().fire(protocol.ConnectionEvent{Kind: protocol.EventOpened})
	second := m.ActiveEpoch()
	if second <= first {
		t.Fatalf("epoch %d must exceed previous %d", second, first)
	}
}

func TestStaleSessionEventsAreIgnored(t *testing.T) {
	m, client, _ := newTestManager(t, testConfig())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	old := client.last()

	old.fire(protocol.ConnectionEvent{
		Kind:  protocol.EventClosed,
		Close: protocol.CloseInfo{Code: protocol.CloseGeneric},
	})
	waitFor(t, "redial", func() bool { return client.count() == 2 })
	client.last().fire(protocol.ConnectionEvent{Kind: protocol.EventOpened})

	// A late close from the superseded session must not disturb the new one.
	old.fire(protocol.ConnectionEvent{
		Kind:  protocol.EventClosed,
		Close: protocol.CloseInfo{Code: protocol.CloseLoggedOut},
	})
	if st := m.Status(); st.Phase != PhaseConnected {
		t.Fatalf("phase = %s, want connected after stale close", st.Phase)
	}
}

func TestQRImagePNG(t *testing.T) {
	m, client, _ := newTestManager(t, testConfig())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	png, err := m.QRImagePNG(256)
	if err != nil || png != nil {
		t.Fatalf("expected no image before a QR is issued, got %d bytes, err %v", len(png), err)
	}

	client.last().fire(protocol.ConnectionEvent{Kind: protocol.EventQRIssued, QRPayload: "2@abc"})
	png, err = m.QRImagePNG(256)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(png) == 0 {
		t.Fatal("expected PNG bytes for outstanding QR")
	}
}
