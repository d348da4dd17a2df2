// Package connection owns one protocol session per tenant and drives a state
// machine over connect, auth, QR, and disconnect events.
package connection

import "time"

// Phase is one state of the per-tenant connection state machine.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseConnecting   Phase = "connecting"
	PhaseQRReady      Phase = "qr_ready"
	PhaseConnected    Phase = "connected"
	PhaseDisconnected Phase = "disconnected"
	PhaseError        Phase = "error"
)

// Disconnect / transition reasons surfaced to operators. The reason lets an
// operator distinguish "needs re-scan", "will retry", and "needs manual
// intervention" without parsing logs.
const (
	ReasonLoggedOut    = "logged_out"
	ReasonNetworkError = "network_error"
	ReasonMaxAttempts  = "max_attempts"
	ReasonRestart      = "restart"
	ReasonRejected     = "rejected"
	ReasonQRExpired    = "qr_expired"
	ReasonRetrying     = "retrying"
	ReasonInitFailure  = "init_failure"
)

// Status is a snapshot of a tenant's connection state.
type Status struct {
	Phase             Phase     `json:"phase"`
	Reason            string    `json:"reason,omitempty"`
	Epoch             uint64    `json:"connectionEpoch"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	QRPayload         string    `json:"qrPayload,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}
