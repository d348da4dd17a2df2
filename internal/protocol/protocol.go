// Package protocol defines the narrow contract the rest of the system uses to
// talk to the messaging network. The wire protocol itself (handshake,
// encryption, multi-device sync) lives behind this contract in an adapter.
package protocol

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
)

// CloseCode classifies why a session closed. The connection lifecycle
// manager's retry policy branches on this, so adapters must map their
// library's disconnect reasons onto these codes.
type CloseCode int

const (
	// CloseGeneric is any close without a more specific classification.
	CloseGeneric CloseCode = iota
	// CloseLoggedOut means the credentials were invalidated (explicit logout
	// or remote revocation). Terminal; session material must be cleared.
	CloseLoggedOut
	// CloseMethodRejected is a protocol-level handshake rejection. Retryable
	// immediately with a fresh session, without credential loss.
	CloseMethodRejected
	// CloseRestartRequired is a benign server-requested restart.
	CloseRestartRequired
	// CloseTimeout is a connection timeout. Its meaning depends on whether a
	// scannable credential was outstanding when it fired.
	CloseTimeout
)

// CloseInfo carries the classification and the underlying error of a close.
type CloseInfo struct {
	Code CloseCode
	Err  error
}

// IsNetworkUnreachable reports whether the close stems from a
// name-resolution or connectivity fault. Such closes are surfaced as a
// distinct disconnected reason and not auto-retried.
func (ci CloseInfo) IsNetworkUnreachable() bool {
	if ci.Err == nil {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(ci.Err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(ci.Err, &opErr)
}

// ConnectionEventKind enumerates session-level notifications.
type ConnectionEventKind int

const (
	// EventQRIssued carries a scannable credential payload.
	EventQRIssued ConnectionEventKind = iota
	// EventOpened signals a fully established, authenticated session.
	EventOpened
	// EventClosed signals the session ended; Close describes why.
	EventClosed
)

// ConnectionEvent is one session-level notification.
type ConnectionEvent struct {
	Kind      ConnectionEventKind
	QRPayload string
	QRTimeout time.Duration
	Close     CloseInfo
}

// BatchKind classifies a message batch as genuinely live or possibly part of
// a synced backlog.
type BatchKind int

const (
	BatchLive BatchKind = iota
	BatchPossiblyHistorical
)

// MessageKind is the payload type of one message event.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindVideo    MessageKind = "video"
	KindAudio    MessageKind = "audio"
	KindDocument MessageKind = "document"
	KindSticker  MessageKind = "sticker"
	// KindProtocol covers receipts, deletions, and other control messages
	// that never become stored conversation content.
	KindProtocol MessageKind = "protocol"
)

// MediaRef opaquely identifies a downloadable media payload.
type MediaRef struct {
	ID   string
	Mime string
}

// MessageEvent is one raw message observed on the network.
type MessageEvent struct {
	ProviderID  string // network-assigned message id; not unique for self-echoes
	ChatID      string // raw protocol id of the conversation
	SenderID    string // raw protocol id of the sender
	PushName    string // sender-advertised display name, may be empty
	FromMe      bool
	IsGroup     bool
	IsBroadcast bool
	Kind        MessageKind
	Body        string // extracted text or caption, may be empty for media
	Timestamp   time.Time
	VoiceRef    *MediaRef // set for voice notes when download is supported
}

// MessageBatch is a group of message events delivered together.
type MessageBatch struct {
	Kind   BatchKind
	Events []MessageEvent
}

// Presence is an outgoing chat presence signal.
type Presence string

const (
	PresenceTyping    Presence = "composing"
	PresenceRecording Presence = "recording"
	PresencePaused    Presence = "paused"
)

// SendResult reports a completed send.
type SendResult struct {
	ProviderID string
	Timestamp  time.Time
}

// Session is one live protocol session. Implementations must deliver
// connection events and message batches on single goroutines per session.
type Session interface {
	// Connect starts the session. Connection progress (QR, open, close) is
	// reported through the handler registered with OnConnection.
	Connect(ctx context.Context) error
	// Disconnect tears the session down without touching credentials.
	Disconnect()
	// Logout invalidates the session's credentials on the network.
	Logout(ctx context.Context) error

	// OnConnection registers the connection event handler. Must be called
	// before Connect.
	OnConnection(fn func(ConnectionEvent))
	// OnMessages registers the message batch handler. The lifecycle manager
	// attaches this only after the connection epoch is recorded.
	OnMessages(fn func(MessageBatch))

	SendText(ctx context.Context, toProtocolID, body string) (SendResult, error)
	SendAudio(ctx context.Context, toProtocolID string, data []byte, mime string) (SendResult, error)
	MarkRead(ctx context.Context, chatProtocolID string, providerIDs []string) error
	SetPresence(ctx context.Context, chatProtocolID string, p Presence) error

	// ProfileName looks up the network-side display name for a contact.
	ProfileName(ctx context.Context, protocolID string) (string, error)
	// ProfilePicture returns an avatar reference for a contact.
	ProfilePicture(ctx context.Context, protocolID string) (string, error)
	// DownloadVoicePCM returns 16kHz mono PCM samples for a voice note, for
	// optional transcription. Implementations may return an error when
	// decoding is unsupported.
	DownloadVoicePCM(ctx context.Context, ref MediaRef) ([]float32, error)
}

// Client creates sessions. One tenant holds at most one live session; a new
// session fully supersedes the old one.
type Client interface {
	NewSession(ctx context.Context, tenantID uuid.UUID) (Session, error)
}

// CredentialStore clears per-tenant session credential material on terminal
// auth failure. Persistence of the material itself is the adapter's business:
// sessions load and save credentials through their own store as auth material
// changes, so the lifecycle manager only ever needs to destroy it.
type CredentialStore interface {
	Clear(ctx context.Context, tenantID uuid.UUID) error
}
