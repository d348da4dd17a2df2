package contacts

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const contactColumns = `id, tenant_id, address, protocol_id, display_name, avatar_ref, reply_count, status, created_at, updated_at`

// Repository is the PostgreSQL-backed Store implementation.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) CreateContact(ctx context.Context, c *Contact) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.Status == "" {
		c.Status = StatusPending
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO contacts (id, tenant_id, address, protocol_id, display_name, avatar_ref, reply_count, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, c.ID, c.TenantID, c.Address, c.ProtocolID, c.DisplayName, c.AvatarRef, c.ReplyCount, c.Status, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r *Repository) UpdateContact(ctx context.Context, c *Contact) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE contacts
		SET address = $3, protocol_id = $4, display_name = $5, avatar_ref = $6,
		    reply_count = $7, status = $8, created_at = $9, updated_at = $10
		WHERE id = $1 AND tenant_id = $2
	`, c.ID, c.TenantID, c.Address, c.ProtocolID, c.DisplayName, c.AvatarRef, c.ReplyCount, c.Status, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) GetContact(ctx context.Context, tenantID, id uuid.UUID) (Contact, error) {
	var c Contact
	err := r.pool.QueryRow(ctx, `
		SELECT `+contactColumns+`
		FROM contacts WHERE id = $1 AND tenant_id = $2
	`, id, tenantID).Scan(
		&c.ID, &c.TenantID, &c.Address, &c.ProtocolID, &c.DisplayName, &c.AvatarRef,
		&c.ReplyCount, &c.Status, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contact{}, ErrNotFound
	}
	if err != nil {
		return Contact{}, err
	}
	return c, nil
}

// FindCandidates matches by exact or suffix-tolerant address (historical
// records may be stored with or without a country code) or by exact
// protocol id.
func (r *Repository) FindCandidates(ctx context.Context, tenantID uuid.UUID, address, protocolID string) ([]Contact, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE tenant_id = $1
		  AND (
		        ($2 <> '' AND address <> '' AND (address = $2 OR address LIKE '%' || $2 OR $2 LIKE '%' || address))
		     OR ($3 <> '' AND protocol_id = $3)
		  )
		ORDER BY created_at ASC
	`, tenantID, address, protocolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanContacts(rows)
}

func (r *Repository) ListContacts(ctx context.Context, tenantID uuid.UUID) ([]Contact, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+contactColumns+`
		FROM contacts WHERE tenant_id = $1
		ORDER BY updated_at DESC
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanContacts(rows)
}

func (r *Repository) DeleteContacts(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		DELETE FROM contacts WHERE tenant_id = $1 AND id = ANY($2)
	`, tenantID, ids)
	return err
}

func (r *Repository) InsertMessage(ctx context.Context, m *Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.DeliveryStatus == "" {
		m.DeliveryStatus = DeliveryPending
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO messages (id, tenant_id, contact_id, direction, body, delivery_status, ts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.ID, m.TenantID, m.ContactID, m.Direction, m.Body, m.DeliveryStatus, m.Timestamp, m.CreatedAt)
	return err
}

func (r *Repository) ListMessages(ctx context.Context, tenantID, contactID uuid.UUID, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, contact_id, direction, body, delivery_status, ts, created_at
		FROM messages
		WHERE tenant_id = $1 AND contact_id = $2
		ORDER BY ts DESC
		LIMIT $3
	`, tenantID, contactID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.TenantID, &m.ContactID, &m.Direction, &m.Body, &m.DeliveryStatus, &m.Timestamp, &m.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (r *Repository) ReassignMessages(ctx context.Context, tenantID uuid.UUID, fromIDs []uuid.UUID, toID uuid.UUID) error {
	if len(fromIDs) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE messages SET contact_id = $3
		WHERE tenant_id = $1 AND contact_id = ANY($2)
	`, tenantID, fromIDs, toID)
	return err
}

func (r *Repository) UpdateDeliveryStatus(ctx context.Context, tenantID, messageID uuid.UUID, status DeliveryStatus) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE messages SET delivery_status = $3
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, messageID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) HasRecentMessage(ctx context.Context, tenantID, contactID uuid.UUID, body string, direction Direction, ts time.Time, window time.Duration) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM messages
			WHERE tenant_id = $1 AND contact_id = $2 AND body = $3 AND direction = $4
			  AND ts BETWEEN $5 AND $6
		)
	`, tenantID, contactID, body, direction, ts.Add(-window), ts.Add(window)).Scan(&exists)
	return exists, err
}

func scanContacts(rows pgx.Rows) ([]Contact, error) {
	items := make([]Contact, 0)
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Address, &c.ProtocolID, &c.DisplayName, &c.AvatarRef, &c.ReplyCount, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// Compile-time check that Repository implements Store.
var _ Store = (*Repository)(nil)
