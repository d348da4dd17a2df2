// Package ingest turns raw protocol message batches into persisted
// conversation records on canonical contacts.
package ingest

import (
	"context"
	"strings"
	"time"

	"chatbridge_backend/internal/contacts"
	"chatbridge_backend/internal/events"
	"chatbridge_backend/internal/protocol"
	"chatbridge_backend/internal/reconcile"
	"chatbridge_backend/platform/logger"

	"github.com/google/uuid"
)

// DuplicateDetector decides whether an incoming message was already recorded.
// Providers re-deliver on reconnect and echo back self-sent messages, so
// provider ids alone cannot be trusted.
type DuplicateDetector interface {
	Seen(ctx context.Context, tenantID, contactID uuid.UUID, body string, direction contacts.Direction, ts time.Time) (bool, error)
}

// StoreDetector flags duplicates by matching body and direction within a
// tolerance window around the message timestamp.
type StoreDetector struct {
	store  contacts.Store
	window time.Duration
}

func NewStoreDetector(store contacts.Store, window time.Duration) *StoreDetector {
	return &StoreDetector{store: store, window: window}
}

func (d *StoreDetector) Seen(ctx context.Context, tenantID, contactID uuid.UUID, body string, direction contacts.Direction, ts time.Time) (bool, error) {
	return d.store.HasRecentMessage(ctx, tenantID, contactID, body, direction, ts, d.window)
}

// ReplySink receives genuinely live inbound messages for auto-reply
// consideration. Implemented by the autoreply dispatcher.
type ReplySink interface {
	Enqueue(tenantID uuid.UUID, contact contacts.Contact, message contacts.Message, providerID string)
}

// Transcriber converts voice note PCM samples to text. Optional.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32) (string, error)
}

// Config holds ingestion tuning.
type Config struct {
	// HistoryRecencyWindow bounds how old events in a possibly-historical
	// batch may be. A single older event drops the whole batch.
	HistoryRecencyWindow time.Duration
}

// Pipeline processes message batches for all tenants. It is stateless per
// batch; ordering guarantees come from the session delivering batches on a
// single goroutine.
type Pipeline struct {
	engine      *reconcile.Engine
	store       contacts.Store
	dedup       DuplicateDetector
	replies     ReplySink
	transcriber Transcriber
	bus         events.Bus
	log         *logger.Logger
	cfg         Config
	now         func() time.Time
}

func NewPipeline(engine *reconcile.Engine, store contacts.Store, dedup DuplicateDetector, replies ReplySink, transcriber Transcriber, bus events.Bus, log *logger.Logger, cfg Config) *Pipeline {
	return &Pipeline{
		engine:      engine,
		store:       store,
		dedup:       dedup,
		replies:     replies,
		transcriber: transcriber,
		bus:         bus,
		log:         log,
		cfg:         cfg,
		now:         time.Now,
	}
}

// HandleBatch processes one batch delivered under batchEpoch. activeEpoch is
// the tenant's current connection epoch at delivery time; a mismatch means
// the batch belongs to a superseded connection and is dropped whole.
func (p *Pipeline) HandleBatch(ctx context.Context, tenantID uuid.UUID, sess protocol.Session, batchEpoch, activeEpoch uint64, batch protocol.MessageBatch) {
	if batchEpoch == 0 || batchEpoch != activeEpoch {
		p.log.Debug("dropping batch from stale epoch",
			"tenant_id", tenantID.String(),
			"batch_epoch", batchEpoch,
			"active_epoch", activeEpoch,
			"events", len(batch.Events),
		)
		return
	}

	live := batch.Kind == protocol.BatchLive
	if !live {
		// A possibly-historical batch is all-or-nothing: one event older
		// than the recency window marks the batch as backlog replay, and
		// replaying part of a backlog is worse than skipping it.
		cutoff := p.now().Add(-p.cfg.HistoryRecencyWindow)
		for _, ev := range batch.Events {
			if ev.Timestamp.Before(cutoff) {
				p.log.Debug("dropping possibly-historical batch",
					"tenant_id", tenantID.String(),
					"events", len(batch.Events),
				)
				return
			}
		}
	}

	for _, ev := range batch.Events {
		if err := p.handleEvent(ctx, tenantID, sess, ev, live); err != nil {
			p.log.Error("ingest failed",
				"tenant_id", tenantID.String(),
				"provider_id", ev.ProviderID,
				"error", err,
			)
		}
	}
}

func (p *Pipeline) handleEvent(ctx context.Context, tenantID uuid.UUID, sess protocol.Session, ev protocol.MessageEvent, live bool) error {
	if ev.IsGroup || ev.IsBroadcast || ev.Kind == protocol.KindProtocol {
		return nil
	}

	body := p.extractBody(ctx, sess, ev)
	if body == "" {
		return nil
	}

	direction := contacts.DirectionInbound
	if ev.FromMe {
		direction = contacts.DirectionOutbound
	}

	contact, err := p.engine.Resolve(ctx, tenantID, "", ev.ChatID, nil)
	if err != nil {
		return err
	}

	if !ev.FromMe && ev.PushName != "" && contact.DisplayName == "" {
		contact.DisplayName = ev.PushName
		if err := p.store.UpdateContact(ctx, &contact); err != nil {
			p.log.Error("display name backfill failed", "tenant_id", tenantID.String(), "error", err)
		}
	}

	seen, err := p.dedup.Seen(ctx, tenantID, contact.ID, body, direction, ev.Timestamp)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	msg := contacts.Message{
		ID:             uuid.New(),
		TenantID:       tenantID,
		ContactID:      contact.ID,
		Direction:      direction,
		Body:           body,
		DeliveryStatus: contacts.DeliveryDelivered,
		Timestamp:      ev.Timestamp,
	}
	if err := p.store.InsertMessage(ctx, &msg); err != nil {
		return err
	}

	// Conversation recency drives contact ordering in listings.
	if ev.Timestamp.After(contact.UpdatedAt) {
		contact.UpdatedAt = ev.Timestamp
		if err := p.store.UpdateContact(ctx, &contact); err != nil {
			p.log.Error("contact recency update failed", "tenant_id", tenantID.String(), "error", err)
		}
	}

	if p.bus != nil {
		p.bus.Publish(ctx, events.MessageReceived{
			BaseEvent: events.NewBaseEvent(),
			TenantID:  tenantID,
			ContactID: contact.ID,
			MessageID: msg.ID,
			Direction: string(direction),
			Body:      body,
			SentAt:    ev.Timestamp,
		})
	}

	// Only genuinely live inbound traffic is eligible for auto-reply.
	// Historical sync and self-echoes never trigger replies.
	if live && direction == contacts.DirectionInbound && p.replies != nil {
		p.replies.Enqueue(tenantID, contact, msg, ev.ProviderID)
	}
	return nil
}

// extractBody reduces a message event to storable text. Media without a
// caption is recorded as a type tag so the conversation stays legible.
func (p *Pipeline) extractBody(ctx context.Context, sess protocol.Session, ev protocol.MessageEvent) string {
	switch ev.Kind {
	case protocol.KindText:
		return strings.TrimSpace(ev.Body)
	case protocol.KindAudio:
		if p.transcriber != nil && ev.VoiceRef != nil && sess != nil {
			if text := p.transcribeVoice(ctx, sess, *ev.VoiceRef); text != "" {
				return text
			}
		}
		return withCaption("[Voice]", ev.Body)
	case protocol.KindImage:
		return withCaption("[Image]", ev.Body)
	case protocol.KindVideo:
		return withCaption("[Video]", ev.Body)
	case protocol.KindDocument:
		return withCaption("[Document]", ev.Body)
	case protocol.KindSticker:
		return "[Sticker]"
	default:
		return strings.TrimSpace(ev.Body)
	}
}

func (p *Pipeline) transcribeVoice(ctx context.Context, sess protocol.Session, ref protocol.MediaRef) string {
	pcm, err := sess.DownloadVoicePCM(ctx, ref)
	if err != nil || len(pcm) == 0 {
		return ""
	}
	text, err := p.transcriber.Transcribe(ctx, pcm)
	if err != nil {
		p.log.Warn("voice transcription failed", "error", err)
		return ""
	}
	return strings.TrimSpace(text)
}

func withCaption(tag, caption string) string {
	caption = strings.TrimSpace(caption)
	if caption == "" {
		return tag
	}
	return tag + " " + caption
}
