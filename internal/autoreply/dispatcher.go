package autoreply

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"chatbridge_backend/internal/contacts"
	"chatbridge_backend/internal/events"
	"chatbridge_backend/internal/protocol"
	"chatbridge_backend/platform/logger"

	"github.com/google/uuid"
)

// SessionSource yields the live session for a tenant, or nil when the tenant
// is not connected.
type SessionSource interface {
	Session(tenantID uuid.UUID) protocol.Session
}

// FollowupScheduler books a delayed follow-up check after a reply is sent.
// Optional; implemented by the scheduler package on top of asynq.
type FollowupScheduler interface {
	Schedule(ctx context.Context, tenantID, contactID uuid.UUID, sentAt time.Time) error
}

// Config holds the dispatcher pacing knobs. The delays make replies read as
// typed by a person rather than fired by a bot.
type Config struct {
	ViewDelayMin  time.Duration
	ViewDelayMax  time.Duration
	ReplyDelayMin time.Duration
	ReplyDelayMax time.Duration

	AudioAssetsDir string
	QueueSize      int
}

type job struct {
	contact    contacts.Contact
	message    contacts.Message
	providerID string
	rule       Rule
	keyword    string
}

// Dispatcher sends keyword-triggered replies. Each tenant gets one worker
// goroutine and one queue, so a tenant's replies are strictly serialized
// while tenants never block each other.
type Dispatcher struct {
	store     contacts.Store
	sessions  SessionSource
	rules     RuleSource
	followups FollowupScheduler
	bus       events.Bus
	log       *logger.Logger
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	queues   map[uuid.UUID]chan job
	paused   map[uuid.UUID]bool
	draining bool
}

func NewDispatcher(store contacts.Store, sessions SessionSource, rules RuleSource, followups FollowupScheduler, bus events.Bus, log *logger.Logger, cfg Config) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:     store,
		sessions:  sessions,
		rules:     rules,
		followups: followups,
		bus:       bus,
		log:       log,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		queues:    make(map[uuid.UUID]chan job),
		paused:    make(map[uuid.UUID]bool),
	}
}

// BindSessions sets the session source. The bridge service is constructed
// after the dispatcher, so it binds itself here before any tenant starts.
func (d *Dispatcher) BindSessions(src SessionSource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions = src
}

func (d *Dispatcher) sessionFor(tenantID uuid.UUID) protocol.Session {
	d.mu.Lock()
	src := d.sessions
	d.mu.Unlock()
	if src == nil {
		return nil
	}
	return src.Session(tenantID)
}

// SetPaused toggles auto-reply for one tenant. Paused tenants still ingest
// and persist messages; they just never answer.
func (d *Dispatcher) SetPaused(tenantID uuid.UUID, paused bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused[tenantID] = paused
}

func (d *Dispatcher) IsPaused(tenantID uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused[tenantID]
}

// Enqueue matches the message against the tenant's rules and, on a hit,
// queues a reply job. Never blocks the ingestion path: a full queue drops
// the job with a log line.
func (d *Dispatcher) Enqueue(tenantID uuid.UUID, contact contacts.Contact, message contacts.Message, providerID string) {
	rule, keyword, ok := d.rules.Rules(tenantID).Match(message.Body)
	if !ok {
		return
	}

	d.mu.Lock()
	if d.draining || d.paused[tenantID] {
		d.mu.Unlock()
		return
	}
	q, exists := d.queues[tenantID]
	if !exists {
		q = make(chan job, d.cfg.QueueSize)
		d.queues[tenantID] = q
		d.wg.Add(1)
		go d.worker(tenantID, q)
	}

	// The send stays under the mutex: Drain closes the queues under the same
	// lock, so a send can never race a close. It cannot block because the
	// full-queue case falls through to the default branch.
	select {
	case q <- job{contact: contact, message: message, providerID: providerID, rule: rule, keyword: keyword}:
		d.mu.Unlock()
	default:
		d.mu.Unlock()
		d.log.Warn("reply queue full, dropping job",
			"tenant_id", tenantID.String(),
			"contact_id", contact.ID.String(),
		)
	}
}

func (d *Dispatcher) worker(tenantID uuid.UUID, q chan job) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			d.process(tenantID, j)
		}
	}
}

// process runs one reply job end to end. A failure at any step abandons this
// job only; the worker moves on to the next.
func (d *Dispatcher) process(tenantID uuid.UUID, j job) {
	sess := d.sessionFor(tenantID)
	if sess == nil {
		d.log.Warn("skipping reply, tenant not connected", "tenant_id", tenantID.String())
		return
	}

	// Let the message sit unread for a moment, like a person noticing it.
	if !d.sleep(randBetween(d.cfg.ViewDelayMin, d.cfg.ViewDelayMax)) {
		return
	}
	if j.providerID != "" {
		if err := sess.MarkRead(d.ctx, j.contact.ProtocolID, []string{j.providerID}); err != nil {
			d.log.DispatchError(tenantID.String(), "mark_read", err)
		}
	}

	presence := protocol.PresenceTyping
	if j.rule.AudioFile != "" {
		presence = protocol.PresenceRecording
	}
	if err := sess.SetPresence(d.ctx, j.contact.ProtocolID, presence); err != nil {
		d.log.DispatchError(tenantID.String(), "presence", err)
	}
	if !d.sleep(d.composeDelay(j.rule.Text)) {
		return
	}

	// The presence signal stays up through the send and is cleared after,
	// the way a client keeps "typing..." visible until the message lands.
	body, res, err := d.send(sess, j)
	_ = sess.SetPresence(d.ctx, j.contact.ProtocolID, protocol.PresencePaused)
	if err != nil {
		d.log.DispatchError(tenantID.String(), "send", err)
		return
	}

	d.record(tenantID, j, body, res)
}

// send delivers the reply. Audio rules fall back to their text when the
// asset is unreadable or the audio send fails.
func (d *Dispatcher) send(sess protocol.Session, j job) (string, protocol.SendResult, error) {
	if j.rule.AudioFile != "" {
		data, err := os.ReadFile(filepath.Join(d.cfg.AudioAssetsDir, j.rule.AudioFile))
		if err == nil {
			res, err := sess.SendAudio(d.ctx, j.contact.ProtocolID, data, "audio/ogg; codecs=opus")
			if err == nil {
				return "[Voice] " + j.rule.Text, res, nil
			}
			d.log.DispatchError(j.contact.TenantID.String(), "send_audio", err)
		} else {
			d.log.DispatchError(j.contact.TenantID.String(), "read_audio_asset", err)
		}
	}
	res, err := sess.SendText(d.ctx, j.contact.ProtocolID, j.rule.Text)
	return j.rule.Text, res, err
}

// record persists the outbound message and advances the contact lifecycle.
func (d *Dispatcher) record(tenantID uuid.UUID, j job, body string, res protocol.SendResult) {
	sentAt := res.Timestamp
	if sentAt.IsZero() {
		sentAt = time.Now()
	}

	msg := contacts.Message{
		ID:             uuid.New(),
		TenantID:       tenantID,
		ContactID:      j.contact.ID,
		Direction:      contacts.DirectionOutbound,
		Body:           body,
		DeliveryStatus: contacts.DeliverySent,
		Timestamp:      sentAt,
	}
	if err := d.store.InsertMessage(d.ctx, &msg); err != nil {
		d.log.DispatchError(tenantID.String(), "persist_reply", err)
		return
	}

	// Re-read the contact: a merge may have replaced it since enqueue.
	contact, err := d.store.GetContact(d.ctx, tenantID, j.contact.ID)
	if err != nil {
		d.log.DispatchError(tenantID.String(), "load_contact", err)
		return
	}
	contact.ReplyCount++
	if contact.Status == contacts.StatusPending {
		contact.Status = contacts.StatusReplied
	}
	if sentAt.After(contact.UpdatedAt) {
		contact.UpdatedAt = sentAt
	}
	if err := d.store.UpdateContact(d.ctx, &contact); err != nil {
		d.log.DispatchError(tenantID.String(), "update_contact", err)
		return
	}

	if d.bus != nil {
		d.bus.Publish(d.ctx, events.AutoReplySent{
			BaseEvent: events.NewBaseEvent(),
			TenantID:  tenantID,
			ContactID: contact.ID,
			MessageID: msg.ID,
			Keyword:   j.keyword,
		})
	}
	if d.followups != nil {
		if err := d.followups.Schedule(d.ctx, tenantID, contact.ID, sentAt); err != nil {
			d.log.DispatchError(tenantID.String(), "schedule_followup", err)
		}
	}
}

// composeDelay approximates typing time: a jittered base plus a per-character
// component, capped at the configured maximum.
func (d *Dispatcher) composeDelay(text string) time.Duration {
	delay := randBetween(d.cfg.ReplyDelayMin, d.cfg.ReplyDelayMax)
	delay += time.Duration(len(text)) * 30 * time.Millisecond
	if d.cfg.ReplyDelayMax > 0 && delay > d.cfg.ReplyDelayMax {
		delay = d.cfg.ReplyDelayMax
	}
	return delay
}

// sleep waits for d unless the dispatcher shuts down first.
func (d *Dispatcher) sleep(dur time.Duration) bool {
	if dur <= 0 {
		return d.ctx.Err() == nil
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-d.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Drain stops accepting jobs, lets in-flight queues empty, and waits up to
// the context deadline before cancelling whatever is left.
func (d *Dispatcher) Drain(ctx context.Context) {
	d.mu.Lock()
	d.draining = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn("reply queues did not drain before deadline")
	}
	d.cancel()
}

func randBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}
