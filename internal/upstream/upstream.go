// Package upstream holds the thin HTTP clients for the services this server
// collaborates with: the identity authority that owns token revocation, the
// push-notification gateway, and the call history store. Each collaborator is
// an interface so the rest of the server can be tested without a network.
package upstream

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when a collaborator cannot be reached or answers
// with a server error. Callers decide whether that is fatal (fail_closed auth)
// or merely degraded (missed notification).
var ErrUnavailable = errors.New("upstream unavailable")

// Verdict is the identity authority's answer for a presented token.
type Verdict int

const (
	// VerdictValid means the authority recognizes the token and the account
	// is in good standing.
	VerdictValid Verdict = iota
	// VerdictRevoked means the token or account has been invalidated and the
	// request must be rejected regardless of local signature checks.
	VerdictRevoked
)

// IdentityAuthority checks token revocation with the main auth service. The
// local JWT signature check always runs first; this is the second, networked
// step.
type IdentityAuthority interface {
	// CheckToken returns the authority's verdict for the raw token. A wrapped
	// ErrUnavailable means the authority could not be consulted.
	CheckToken(ctx context.Context, rawToken string) (Verdict, error)
}

// CallNotice carries the fields the notification gateway needs to wake a
// callee's devices.
type CallNotice struct {
	SessionID  string `json:"session_id"`
	CallerID   string `json:"caller_id"`
	CallerName string `json:"caller_name,omitempty"`
	CalleeID   string `json:"callee_id"`
	MediaKind  string `json:"media_kind"`
	Group      bool   `json:"group,omitempty"`
}

// NotificationGateway delivers out-of-band call notifications for users who
// have no live signaling connection. Delivery is best-effort; failures are
// logged, never surfaced to the caller.
type NotificationGateway interface {
	SendIncomingCall(ctx context.Context, notice CallNotice) error
	SendMissedCall(ctx context.Context, notice CallNotice) error
	CancelIncomingCall(ctx context.Context, sessionID, calleeID string) error
}

// CallRecord is the terminal summary of a call session, written once when the
// session reaches a terminal status.
type CallRecord struct {
	SessionID    string        `json:"session_id"`
	CallerID     string        `json:"caller_id"`
	CalleeID     string        `json:"callee_id"`
	Participants []string      `json:"participants,omitempty"`
	MediaKind    string        `json:"media_kind"`
	Status       string        `json:"status"`
	Reason       string        `json:"reason,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      time.Time     `json:"ended_at"`
	Duration     time.Duration `json:"-"`
	DurationSecs int64         `json:"duration_seconds"`
}

// HistoryStore persists terminal call records and serves per-user history.
type HistoryStore interface {
	RecordCall(ctx context.Context, rec CallRecord) error
	History(ctx context.Context, userID string, limit int) ([]CallRecord, error)
}
