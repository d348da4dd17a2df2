package connection

import (
	"context"
	"sync"
	"time"

	"chatbridge_backend/internal/events"
	"chatbridge_backend/internal/protocol"
	"chatbridge_backend/platform/logger"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"
)

// Config holds the lifecycle tuning knobs for one manager.
type Config struct {
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	RestartRetryDelay    time.Duration
	QRTTL                time.Duration
}

// Manager drives the connection state machine for a single tenant. All
// transitions funnel through one mutex; session callbacks, retry timers, and
// API calls may arrive on any goroutine.
type Manager struct {
	tenantID uuid.UUID
	client   protocol.Client
	creds    protocol.CredentialStore
	bus      events.Bus
	log      *logger.Logger
	cfg      Config

	// onBatch receives message batches tagged with the epoch that was live
	// when the listener was attached. Set once before Start.
	onBatch func(epoch uint64, batch protocol.MessageBatch)

	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
	session       protocol.Session
	phase         Phase
	reason        string
	epoch         uint64
	attempts      int
	qrPayload     string
	qrOutstanding bool
	updatedAt     time.Time
	retryTimer    *time.Timer
	qrTimer       *time.Timer
	closed        bool
}

func NewManager(tenantID uuid.UUID, client protocol.Client, creds protocol.CredentialStore, bus events.Bus, log *logger.Logger, cfg Config) *Manager {
	return &Manager{
		tenantID: tenantID,
		client:   client,
		creds:    creds,
		bus:      bus,
		log:      log.WithTenant(tenantID.String()),
		cfg:      cfg,
		phase:    PhaseInitializing,
	}
}

// OnBatch registers the message batch sink. Must be called before Start.
// The epoch argument is the connection epoch under which the batch arrived;
// consumers drop batches whose epoch is no longer active.
func (m *Manager) OnBatch(fn func(epoch uint64, batch protocol.MessageBatch)) {
	m.onBatch = fn
}

// Start brings the tenant online. The context bounds the manager's whole
// lifetime; cancelling it stops retries but does not log the tenant out.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	return m.connect()
}

// connect tears down any previous session and dials a fresh one. Every
// attempt uses a new session object; stale handlers die with their session.
func (m *Manager) connect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	old := m.session
	m.session = nil
	m.transitionLocked(PhaseConnecting, m.reason)
	ctx := m.ctx
	m.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}

	sess, err := m.client.NewSession(ctx, m.tenantID)
	if err != nil {
		m.mu.Lock()
		m.transitionLocked(PhaseError, ReasonInitFailure)
		m.mu.Unlock()
		m.log.Error("session init failed", "error", err)
		return err
	}

	m.mu.Lock()
	m.session = sess
	m.mu.Unlock()

	sess.OnConnection(func(ev protocol.ConnectionEvent) { m.handleEvent(sess, ev) })

	if err := sess.Connect(ctx); err != nil {
		m.handleEvent(sess, protocol.ConnectionEvent{
			Kind:  protocol.EventClosed,
			Close: protocol.CloseInfo{Code: protocol.CloseGeneric, Err: err},
		})
		return err
	}
	return nil
}

// handleEvent is the single entry point for session notifications. Events
// from superseded sessions are ignored.
func (m *Manager) handleEvent(from protocol.Session, ev protocol.ConnectionEvent) {
	m.mu.Lock()
	if m.closed || m.session != from {
		m.mu.Unlock()
		return
	}

	switch ev.Kind {
	case protocol.EventQRIssued:
		m.handleQRLocked(ev)
	case protocol.EventOpened:
		m.handleOpenedLocked(from)
		return // handleOpenedLocked unlocks
	case protocol.EventClosed:
		m.handleClosedLocked(ev.Close)
	}
	m.mu.Unlock()
}

func (m *Manager) handleQRLocked(ev protocol.ConnectionEvent) {
	m.qrPayload = ev.QRPayload
	m.qrOutstanding = true

	ttl := ev.QRTimeout
	if ttl <= 0 {
		ttl = m.cfg.QRTTL
	}
	m.stopQRTimerLocked()
	m.qrTimer = time.AfterFunc(ttl, m.expireQR)

	m.transitionLocked(PhaseQRReady, "")
}

// handleOpenedLocked records the new epoch and only then attaches the
// message listener, so no batch can ever be observed under a stale or
// unassigned epoch. Unlocks m.mu before touching the session.
func (m *Manager) handleOpenedLocked(sess protocol.Session) {
	m.stopQRTimerLocked()
	m.stopRetryTimerLocked()
	m.epoch++
	m.attempts = 0
	m.qrPayload = ""
	m.qrOutstanding = false
	epoch := m.epoch
	m.transitionLocked(PhaseConnected, "")
	m.mu.Unlock()

	if m.onBatch != nil {
		sess.OnMessages(func(batch protocol.MessageBatch) {
			m.onBatch(epoch, batch)
		})
	}
}

// handleClosedLocked applies the close-reason policy table.
func (m *Manager) handleClosedLocked(ci protocol.CloseInfo) {
	m.session = nil

	switch ci.Code {
	case protocol.CloseLoggedOut:
		// Credentials are dead on the network side; keeping them only
		// produces auth loops. Requires a fresh QR scan to come back.
		if err := m.creds.Clear(context.Background(), m.tenantID); err != nil {
			m.log.Error("clearing credentials failed", "error", err)
		}
		m.stopTimersLocked()
		m.transitionLocked(PhaseDisconnected, ReasonLoggedOut)

	case protocol.CloseMethodRejected:
		// Handshake rejection is transient; retry at once with a fresh
		// session, keeping credentials and the attempt counter untouched.
		m.reason = ReasonRejected
		m.scheduleRetryLocked(0)

	case protocol.CloseRestartRequired:
		m.attempts = 0
		m.reason = ReasonRestart
		m.scheduleRetryLocked(m.cfg.RestartRetryDelay)

	case protocol.CloseTimeout:
		if m.qrOutstanding {
			// Timeout while a code was on screen means the code expired
			// unscanned. Fetch a fresh one; this is not a failure.
			m.qrOutstanding = false
			m.qrPayload = ""
			m.stopQRTimerLocked()
			m.reason = ReasonQRExpired
			m.scheduleRetryLocked(0)
			break
		}
		if ci.IsNetworkUnreachable() {
			m.stopTimersLocked()
			m.transitionLocked(PhaseDisconnected, ReasonNetworkError)
			break
		}
		m.retryWithBackoffLocked()

	default:
		m.retryWithBackoffLocked()
	}
}

func (m *Manager) retryWithBackoffLocked() {
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.stopTimersLocked()
		m.transitionLocked(PhaseDisconnected, ReasonMaxAttempts)
		return
	}
	m.attempts++
	delay := m.cfg.ReconnectBaseDelay << (m.attempts - 1)
	m.reason = ReasonRetrying
	m.scheduleRetryLocked(delay)
}

func (m *Manager) scheduleRetryLocked(delay time.Duration) {
	m.stopRetryTimerLocked()
	m.transitionLocked(PhaseConnecting, m.reason)
	m.retryTimer = time.AfterFunc(delay, func() {
		if err := m.connect(); err != nil {
			m.log.Error("reconnect attempt failed", "error", err)
		}
	})
}

// expireQR fires when a scannable code outlives its TTL without a network
// timeout arriving first.
func (m *Manager) expireQR() {
	m.mu.Lock()
	if m.closed || !m.qrOutstanding {
		m.mu.Unlock()
		return
	}
	m.qrOutstanding = false
	m.qrPayload = ""
	m.reason = ReasonQRExpired
	m.scheduleRetryLocked(0)
	m.mu.Unlock()
}

// ActiveEpoch returns the current connection epoch, or zero when the tenant
// is not connected. Ingestion gates every batch on this value.
func (m *Manager) ActiveEpoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseConnected {
		return 0
	}
	return m.epoch
}

// Status returns a snapshot of the connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Phase:             m.phase,
		Reason:            m.reason,
		Epoch:             m.epoch,
		ReconnectAttempts: m.attempts,
		QRPayload:         m.qrPayload,
		UpdatedAt:         m.updatedAt,
	}
}

// QRImagePNG renders the outstanding pairing code as a PNG, or nil when no
// code is awaiting a scan.
func (m *Manager) QRImagePNG(size int) ([]byte, error) {
	m.mu.Lock()
	payload := m.qrPayload
	m.mu.Unlock()
	if payload == "" {
		return nil, nil
	}
	return qrcode.Encode(payload, qrcode.Medium, size)
}

// Reconnect forces a fresh connection attempt, resetting the attempt counter.
// Used by operators after a terminal disconnect.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	if m.closed || m.ctx == nil {
		m.mu.Unlock()
		return nil
	}
	m.attempts = 0
	m.reason = ""
	m.stopTimersLocked()
	m.mu.Unlock()
	return m.connect()
}

// Logout invalidates the tenant's credentials on the network and locally.
// The manager stays alive; a later Reconnect starts a fresh QR flow.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	sess := m.session
	m.session = nil
	m.stopTimersLocked()
	m.transitionLocked(PhaseDisconnected, ReasonLoggedOut)
	m.mu.Unlock()

	if sess != nil {
		if err := sess.Logout(ctx); err != nil {
			m.log.Error("network logout failed", "error", err)
		}
	}
	return m.creds.Clear(ctx, m.tenantID)
}

// Session returns the live session, or nil when disconnected. Callers must
// tolerate the session dying between the call and use.
func (m *Manager) Session() protocol.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseConnected {
		return nil
	}
	return m.session
}

// Shutdown disconnects without logging out. Credentials survive for the next
// process start.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	sess := m.session
	m.session = nil
	m.stopTimersLocked()
	if m.cancel != nil {
		m.cancel()
	}
	m.transitionLocked(PhaseDisconnected, m.reason)
	m.mu.Unlock()

	if sess != nil {
		sess.Disconnect()
	}
}

// transitionLocked records a phase change, logs it, and publishes the status
// event. Must be called with m.mu held.
func (m *Manager) transitionLocked(phase Phase, reason string) {
	m.phase = phase
	m.reason = reason
	m.updatedAt = time.Now()

	m.log.ConnectionEvent(m.tenantID.String(), string(phase), reason, m.epoch, m.attempts)

	if m.bus == nil {
		return
	}
	m.bus.Publish(context.Background(), events.ConnectionStatusChanged{
		BaseEvent:         events.NewBaseEvent(),
		TenantID:          m.tenantID,
		Phase:             string(phase),
		Reason:            reason,
		Epoch:             m.epoch,
		ReconnectAttempts: m.attempts,
		QRPayload:         m.qrPayload,
	})
}

func (m *Manager) stopTimersLocked() {
	m.stopRetryTimerLocked()
	m.stopQRTimerLocked()
}

func (m *Manager) stopRetryTimerLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) stopQRTimerLocked() {
	if m.qrTimer != nil {
		m.qrTimer.Stop()
		m.qrTimer = nil
	}
}
