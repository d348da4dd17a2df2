// Package bridge owns the per-tenant runtime: it starts connection managers,
// routes message batches into ingestion, and exposes tenant operations to the
// HTTP layer.
package bridge

import (
	"context"
	"sync"
	"time"

	"chatbridge_backend/internal/autoreply"
	"chatbridge_backend/internal/connection"
	"chatbridge_backend/internal/contacts"
	"chatbridge_backend/internal/events"
	"chatbridge_backend/internal/identity"
	"chatbridge_backend/internal/ingest"
	"chatbridge_backend/internal/protocol"
	"chatbridge_backend/internal/reconcile"
	"chatbridge_backend/platform/apperr"
	"chatbridge_backend/platform/logger"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Config holds the bridge-level knobs.
type Config struct {
	Connection    connection.Config
	DefaultRegion string
	// ShutdownTimeout bounds how long each tenant gets to disconnect cleanly.
	ShutdownTimeout time.Duration
}

// Service is the tenant arena. One Manager per started tenant.
type Service struct {
	client     protocol.Client
	creds      protocol.CredentialStore
	store      contacts.Store
	engine     *reconcile.Engine
	pipeline   *ingest.Pipeline
	dispatcher *autoreply.Dispatcher
	bus        events.Bus
	log        *logger.Logger
	cfg        Config

	mu       sync.RWMutex
	managers map[uuid.UUID]*connection.Manager
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewService(client protocol.Client, creds protocol.CredentialStore, store contacts.Store, engine *reconcile.Engine, pipeline *ingest.Pipeline, dispatcher *autoreply.Dispatcher, bus events.Bus, log *logger.Logger, cfg Config) *Service {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		client:     client,
		creds:      creds,
		store:      store,
		engine:     engine,
		pipeline:   pipeline,
		dispatcher: dispatcher,
		bus:        bus,
		log:        log,
		cfg:        cfg,
		managers:   make(map[uuid.UUID]*connection.Manager),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// StartTenant brings a tenant online, creating its connection manager on
// first use. Starting an already-started tenant is a no-op.
func (s *Service) StartTenant(tenantID uuid.UUID) error {
	s.mu.Lock()
	if _, ok := s.managers[tenantID]; ok {
		s.mu.Unlock()
		return nil
	}

	mgr := connection.NewManager(tenantID, s.client, s.creds, s.bus, s.log, s.cfg.Connection)
	mgr.OnBatch(func(epoch uint64, batch protocol.MessageBatch) {
		s.pipeline.HandleBatch(s.ctx, tenantID, mgr.Session(), epoch, mgr.ActiveEpoch(), batch)
	})
	s.managers[tenantID] = mgr
	s.mu.Unlock()

	return mgr.Start(s.ctx)
}

func (s *Service) manager(tenantID uuid.UUID) (*connection.Manager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mgr, ok := s.managers[tenantID]
	if !ok {
		return nil, apperr.NotFound("tenant not started").WithOp("bridge.manager")
	}
	return mgr, nil
}

// Session implements autoreply.SessionSource.
func (s *Service) Session(tenantID uuid.UUID) protocol.Session {
	mgr, err := s.manager(tenantID)
	if err != nil {
		return nil
	}
	return mgr.Session()
}

func (s *Service) Status(tenantID uuid.UUID) (connection.Status, error) {
	mgr, err := s.manager(tenantID)
	if err != nil {
		return connection.Status{}, err
	}
	st := mgr.Status()
	return st, nil
}

func (s *Service) QRImagePNG(tenantID uuid.UUID, size int) ([]byte, error) {
	mgr, err := s.manager(tenantID)
	if err != nil {
		return nil, err
	}
	return mgr.QRImagePNG(size)
}

// Pause stops auto-replies for a tenant without touching the connection.
func (s *Service) Pause(tenantID uuid.UUID) error {
	if _, err := s.manager(tenantID); err != nil {
		return err
	}
	s.dispatcher.SetPaused(tenantID, true)
	return nil
}

func (s *Service) Resume(tenantID uuid.UUID) error {
	if _, err := s.manager(tenantID); err != nil {
		return err
	}
	s.dispatcher.SetPaused(tenantID, false)
	return nil
}

func (s *Service) IsPaused(tenantID uuid.UUID) bool {
	return s.dispatcher.IsPaused(tenantID)
}

func (s *Service) Reconnect(tenantID uuid.UUID) error {
	mgr, err := s.manager(tenantID)
	if err != nil {
		return err
	}
	return mgr.Reconnect()
}

// Logout invalidates the tenant's credentials; the next start requires a QR
// scan.
func (s *Service) Logout(ctx context.Context, tenantID uuid.UUID) error {
	mgr, err := s.manager(tenantID)
	if err != nil {
		return err
	}
	return mgr.Logout(ctx)
}

// SendMessage sends a manual outbound message to an address. The address is
// normalized to E.164 digits first so operators can paste numbers in any
// local format. contactIDHint pins reconciliation to a known contact.
func (s *Service) SendMessage(ctx context.Context, tenantID uuid.UUID, address, body string, contactIDHint *uuid.UUID) (contacts.Message, error) {
	const op = "bridge.SendMessage"

	normalized := identity.NormalizeE164(address, s.cfg.DefaultRegion)
	if normalized == "" {
		normalized = identity.NormalizeAddress(address)
	}
	if normalized == "" {
		return contacts.Message{}, apperr.Validation("unresolvable address").WithOp(op)
	}

	contact, err := s.engine.Resolve(ctx, tenantID, normalized, "", contactIDHint)
	if err != nil {
		return contacts.Message{}, err
	}

	sess := s.Session(tenantID)
	if sess == nil {
		return contacts.Message{}, apperr.Unavailable("tenant not connected").WithOp(op)
	}

	res, err := sess.SendText(ctx, contact.ProtocolID, body)
	if err != nil {
		return contacts.Message{}, apperr.Wrap(apperr.KindUnavailable, "send failed", err).WithOp(op)
	}

	sentAt := res.Timestamp
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	msg := contacts.Message{
		ID:             uuid.New(),
		TenantID:       tenantID,
		ContactID:      contact.ID,
		Direction:      contacts.DirectionOutbound,
		Body:           body,
		DeliveryStatus: contacts.DeliverySent,
		Timestamp:      sentAt,
	}
	if err := s.store.InsertMessage(ctx, &msg); err != nil {
		return contacts.Message{}, err
	}
	if sentAt.After(contact.UpdatedAt) {
		contact.UpdatedAt = sentAt
		if err := s.store.UpdateContact(ctx, &contact); err != nil {
			s.log.DatabaseError("update contact recency", err)
		}
	}
	return msg, nil
}

func (s *Service) Contacts(ctx context.Context, tenantID uuid.UUID) ([]contacts.Contact, error) {
	return s.store.ListContacts(ctx, tenantID)
}

func (s *Service) Messages(ctx context.Context, tenantID, contactID uuid.UUID, limit int) ([]contacts.Message, error) {
	return s.store.ListMessages(ctx, tenantID, contactID, limit)
}

// Shutdown disconnects every tenant, bounded per tenant, then drains the
// reply queues. Credentials are kept for the next start.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	managers := make([]*connection.Manager, 0, len(s.managers))
	for _, mgr := range s.managers {
		managers = append(managers, mgr)
	}
	s.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, mgr := range managers {
		g.Go(func() error {
			done := make(chan struct{})
			go func() {
				mgr.Shutdown()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(s.cfg.ShutdownTimeout):
				s.log.Warn("tenant shutdown timed out")
			}
			return nil
		})
	}
	err := g.Wait()

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	s.dispatcher.Drain(drainCtx)

	s.cancel()
	return err
}
