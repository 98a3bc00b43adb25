// Package call owns the lifecycle of every call session: the status machine,
// participant membership, capacity limits, ring timeouts, and the handoff to
// history once a session reaches a terminal status.
package call

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// Status is a call session's lifecycle state. Transitions are monotonic: a
// terminal status is never left.
type Status string

const (
	// StatusInitializing: session created, callee not yet notified.
	StatusInitializing Status = "initializing"
	// StatusRinging: callee(s) notified, waiting for an answer.
	StatusRinging Status = "ringing"
	// StatusConnecting: answered, peers exchanging SDP/ICE.
	StatusConnecting Status = "connecting"
	// StatusConnected: media path established.
	StatusConnected Status = "connected"

	// Terminal statuses.
	StatusEnded    Status = "ended"
	StatusRejected Status = "rejected"
	StatusTimeout  Status = "timeout"
	StatusFailed   Status = "failed"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusEnded, StatusRejected, StatusTimeout, StatusFailed:
		return true
	}
	return false
}

// validNext enumerates the allowed forward edges of the status machine.
var validNext = map[Status][]Status{
	StatusInitializing: {StatusRinging, StatusFailed, StatusEnded},
	StatusRinging:      {StatusConnecting, StatusRejected, StatusTimeout, StatusFailed, StatusEnded},
	StatusConnecting:   {StatusConnected, StatusFailed, StatusEnded},
	StatusConnected:    {StatusEnded, StatusFailed},
}

func canTransition(from, to Status) bool {
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MediaKind distinguishes audio-only from video calls. The server never
// touches media; the kind only flows through notifications and history.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func ParseMediaKind(raw string) (MediaKind, error) {
	switch MediaKind(raw) {
	case MediaAudio, MediaVideo:
		return MediaKind(raw), nil
	case "":
		return MediaAudio, nil
	default:
		return "", ErrInvalidMedia
	}
}

// Options are the negotiated media parameters for a call. The server never
// interprets them; they are fixed at creation, echoed to both sides, and the
// clients do the actual negotiation.
type Options struct {
	Encryption string `json:"encryption"`
	Codec      string `json:"codec"`
	Bitrate    int    `json:"bitrate"`
	Resolution string `json:"resolution,omitempty"`
}

func (o Options) withDefaults(kind MediaKind) Options {
	if o.Encryption == "" {
		o.Encryption = "aes-256-gcm"
	}
	if o.Codec == "" {
		o.Codec = "opus"
	}
	if o.Bitrate <= 0 {
		o.Bitrate = 128000
	}
	if o.Resolution == "" && kind == MediaVideo {
		o.Resolution = "720p"
	}
	return o
}

// QualityMetrics are the link stats tracked per session. Values are
// client-reported; the server only stores and exposes them.
type QualityMetrics struct {
	PacketsLost int    `json:"packets_lost"`
	LatencyMs   int    `json:"latency_ms"`
	Quality     string `json:"quality"`
}

// End reasons recorded on terminal sessions.
const (
	ReasonCompleted        = "completed"
	ReasonRejected         = "rejected"
	ReasonNoAnswer         = "no_answer"
	ReasonUserDisconnected = "user_disconnected"
	ReasonSessionTimeout   = "session_timeout"
	ReasonDurationExceeded = "max_duration_exceeded"
	ReasonServerShutdown   = "server_shutdown"
	ReasonSignalingFailed  = "signaling_failed"
)

// Participant is one user's membership in a session.
type Participant struct {
	UserID   string
	Name     string
	JoinedAt time.Time
	Muted    bool
	// Left is set when a group participant leaves before the session ends.
	Left bool
}

// Session is a single call. All fields are guarded by mu; external readers
// get a Snapshot instead of the live struct.
type Session struct {
	mu sync.Mutex

	id        string
	callerID  string
	calleeID  string // empty for group calls
	group     bool
	mediaKind MediaKind
	options   Options
	quality   QualityMetrics

	status    Status
	endReason string

	createdAt   time.Time
	ringingAt   time.Time
	answeredAt  time.Time
	connectedAt time.Time
	endedAt     time.Time

	participants map[string]*Participant

	ringTimer     *time.Timer
	durationTimer *time.Timer
}

func (s *Session) ID() string { return s.id }

// Snapshot is an immutable view of a session, safe to hand to handlers and
// serialize to clients.
type Snapshot struct {
	ID           string              `json:"session_id"`
	CallerID     string              `json:"caller_id"`
	CalleeID     string              `json:"callee_id,omitempty"`
	Group        bool                `json:"group,omitempty"`
	MediaKind    MediaKind           `json:"media_kind"`
	Options      Options             `json:"options"`
	Quality      QualityMetrics      `json:"quality"`
	Status       Status              `json:"status"`
	EndReason    string              `json:"end_reason,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	AnsweredAt   time.Time           `json:"answered_at,omitempty"`
	ConnectedAt  time.Time           `json:"connected_at,omitempty"`
	EndedAt      time.Time           `json:"ended_at,omitempty"`
	Participants []ParticipantView   `json:"participants"`

	// ICEServers is per-viewer, not session state: the registry attaches the
	// requesting user's STUN/TURN list on create, answer, and join.
	ICEServers []webrtc.ICEServer `json:"ice_servers,omitempty"`
}

type ParticipantView struct {
	UserID   string    `json:"user_id"`
	Name     string    `json:"name,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
	Muted    bool      `json:"muted"`
	Left     bool      `json:"left,omitempty"`
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:          s.id,
		CallerID:    s.callerID,
		CalleeID:    s.calleeID,
		Group:       s.group,
		MediaKind:   s.mediaKind,
		Options:     s.options,
		Quality:     s.quality,
		Status:      s.status,
		EndReason:   s.endReason,
		CreatedAt:   s.createdAt,
		AnsweredAt:  s.answeredAt,
		ConnectedAt: s.connectedAt,
		EndedAt:     s.endedAt,
	}
	snap.Participants = make([]ParticipantView, 0, len(s.participants))
	for _, p := range s.participants {
		snap.Participants = append(snap.Participants, ParticipantView{
			UserID:   p.UserID,
			Name:     p.Name,
			JoinedAt: p.JoinedAt,
			Muted:    p.Muted,
			Left:     p.Left,
		})
	}
	return snap
}

// Snapshot returns a point-in-time copy of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// hasParticipant reports whether userID is a current (non-left) member.
func (s *Session) hasParticipant(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[userID]
	return ok && !p.Left
}

// ParticipantIDs returns the user IDs of all current members.
func (s *Session) ParticipantIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.participants))
	for id, p := range s.participants {
		if !p.Left {
			ids = append(ids, id)
		}
	}
	return ids
}

// PeerIDs returns current members excluding userID. Used to fan signaling
// events out to everyone else on the call.
func (s *Session) PeerIDs(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.participants))
	for id, p := range s.participants {
		if id != userID && !p.Left {
			ids = append(ids, id)
		}
	}
	return ids
}

// transitionLocked moves the session to next, rejecting invalid edges.
// Callers hold s.mu.
func (s *Session) transitionLocked(next Status, now time.Time) error {
	if !canTransition(s.status, next) {
		return ErrInvalidState
	}
	s.status = next
	switch next {
	case StatusRinging:
		s.ringingAt = now
	case StatusConnecting:
		s.answeredAt = now
	case StatusConnected:
		s.connectedAt = now
	case StatusEnded, StatusRejected, StatusTimeout, StatusFailed:
		s.endedAt = now
	}
	return nil
}

// stopTimersLocked cancels any pending ring or duration timers.
func (s *Session) stopTimersLocked() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	if s.durationTimer != nil {
		s.durationTimer.Stop()
		s.durationTimer = nil
	}
}
