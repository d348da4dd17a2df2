package scheduler

import (
	"context"
	"fmt"
	"time"

	"chatbridge_backend/internal/autoreply"
	"chatbridge_backend/internal/contacts"
	"chatbridge_backend/internal/events"
	"chatbridge_backend/platform/config"
	"chatbridge_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// DefaultFollowupText is sent when no custom follow-up message is configured.
const DefaultFollowupText = "Hi! Just checking in, is there anything else we can help you with?"

// Worker processes due follow-up tasks. A follow-up fires only when the
// contact was replied to and has stayed quiet since.
type Worker struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	store    contacts.Store
	sessions autoreply.SessionSource
	bus      events.Bus
	log      *logger.Logger
	text     string
}

func NewWorker(cfg config.SchedulerConfig, store contacts.Store, sessions autoreply.SessionSource, bus events.Bus, log *logger.Logger, followupText string) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	if followupText == "" {
		followupText = DefaultFollowupText
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
	})

	mux := asynq.NewServeMux()
	w := &Worker{
		server:   server,
		mux:      mux,
		store:    store,
		sessions: sessions,
		bus:      bus,
		log:      log,
		text:     followupText,
	}

	mux.HandleFunc(TaskAutoReplyFollowup, w.handleFollowup)

	return w, nil
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}

func (w *Worker) handleFollowup(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseAutoReplyFollowupPayload(task)
	if err != nil {
		return err
	}

	tenantID, err := uuid.Parse(payload.TenantID)
	if err != nil {
		return err
	}
	contactID, err := uuid.Parse(payload.ContactID)
	if err != nil {
		return err
	}

	contact, err := w.store.GetContact(ctx, tenantID, contactID)
	if err != nil {
		// The contact may have been merged away since the reply. Nothing to do.
		if err == contacts.ErrNotFound {
			return nil
		}
		return err
	}

	if contact.Status != contacts.StatusReplied {
		return nil
	}

	// Any message after the reply means the conversation moved on.
	msgs, err := w.store.ListMessages(ctx, tenantID, contactID, 1)
	if err != nil {
		return err
	}
	if len(msgs) > 0 && msgs[0].Timestamp.After(payload.SentAt) {
		return nil
	}

	sess := w.sessions.Session(tenantID)
	if sess == nil {
		// Returning an error lets asynq retry once the tenant reconnects.
		return fmt.Errorf("tenant %s not connected", tenantID)
	}

	res, err := sess.SendText(ctx, contact.ProtocolID, w.text)
	if err != nil {
		return err
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
		Body:           w.text,
		DeliveryStatus: contacts.DeliverySent,
		Timestamp:      sentAt,
	}
	if err := w.store.InsertMessage(ctx, &msg); err != nil {
		return err
	}

	contact.Status = contacts.StatusCompleted
	if sentAt.After(contact.UpdatedAt) {
		contact.UpdatedAt = sentAt
	}
	if err := w.store.UpdateContact(ctx, &contact); err != nil {
		return err
	}

	if w.bus != nil {
		w.bus.Publish(ctx, events.AutoReplySent{
			BaseEvent: events.NewBaseEvent(),
			TenantID:  tenantID,
			ContactID: contact.ID,
			MessageID: msg.ID,
			Keyword:   "followup",
		})
	}

	w.log.Info("follow-up sent",
		"tenant_id", tenantID.String(),
		"contact_id", contact.ID.String(),
	)
	return nil
}
