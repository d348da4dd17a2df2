// Package wa adapts whatsmeow to the protocol contract. Each tenant gets its
// own session database, so devices never bleed across tenants.
package wa

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chatbridge_backend/internal/protocol"
	"chatbridge_backend/platform/logger"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Client creates whatsmeow-backed sessions.
type Client struct {
	dir      string
	logLevel string
	log      *logger.Logger
}

func NewClient(dir string, env string, log *logger.Logger) (*Client, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	logLevel := "WARN"
	if strings.EqualFold(env, "development") {
		logLevel = "INFO"
	}
	return &Client{dir: dir, logLevel: logLevel, log: log}, nil
}

func (c *Client) dbURI(tenantID uuid.UUID) string {
	return fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(c.dir, "whatsapp-"+tenantID.String()+".db"))
}

// NewSession opens (or creates) the tenant's device store and wraps a fresh
// whatsmeow client around it. Reconnect handling is left to the lifecycle
// manager, so auto-reconnect stays off.
func (c *Client) NewSession(ctx context.Context, tenantID uuid.UUID) (protocol.Session, error) {
	dbLog := waLog.Stdout("Database", c.logLevel, true)
	container, err := sqlstore.New(ctx, "sqlite3", c.dbURI(tenantID), dbLog)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	cli := whatsmeow.NewClient(device, waLog.Stdout("Client", c.logLevel, true))
	cli.EnableAutoReconnect = false
	cli.AutoTrustIdentity = true

	return newSession(cli, container, tenantID, c.log), nil
}

var _ protocol.Client = (*Client)(nil)

// CredentialStore clears whatsmeow session material by removing the
// tenant's session database. Loading and saving happen inside sqlstore as
// the session's auth material changes.
type CredentialStore struct {
	dir string
}

func NewCredentialStore(dir string) *CredentialStore {
	return &CredentialStore{dir: dir}
}

func (s *CredentialStore) Clear(_ context.Context, tenantID uuid.UUID) error {
	base := filepath.Join(s.dir, "whatsapp-"+tenantID.String()+".db")
	for _, path := range []string{base, base + "-wal", base + "-shm"} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

var _ protocol.CredentialStore = (*CredentialStore)(nil)
