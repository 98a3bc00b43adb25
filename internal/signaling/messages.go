package signaling

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/securevox/call-server/internal/call"
)

// Envelope is the wire frame for every signaling event, both directions:
// a type tag plus an event-specific payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client-to-server event types.
const (
	TypeCallStart  = "call:start"
	TypeCallAnswer = "call:answer"
	TypeCallReject = "call:reject"
	TypeCallEnd    = "call:end"
	TypeCallJoin   = "call:join"
	TypeCallLeave  = "call:leave"
	TypeCallMute   = "call:mute"

	TypeOffer        = "webrtc:offer"
	TypeAnswer       = "webrtc:answer"
	TypeICECandidate = "webrtc:ice-candidate"

	TypeKeyExchange    = "encryption:key-exchange"
	TypeKeyRotation    = "encryption:key-rotation"
	TypeKeyMaterialReq = "encryption:request-keys"

	TypePing = "ping"
)

// Server-to-client event types.
const (
	TypeConnected         = "connected"
	TypeCallIncoming      = "call:incoming"
	TypeCallOutgoing      = "call:outgoing"
	TypeCallAnswered      = "call:answered"
	TypeCallRejected      = "call:rejected"
	TypeCallEnded         = "call:ended"
	TypeCallTimeout       = "call:timeout"
	TypeCallMissed        = "call:missed"
	TypeParticipantJoined = "call:participant-joined"
	TypeParticipantLeft   = "call:participant-left"
	TypeCallMuted         = "call:muted"
	TypePeerKeyRotated    = "encryption:peer-key-rotated"
	TypeError             = "error"
	TypePong              = "pong"
)

// CallStartData starts a 1:1 call (CalleeID) or a group call (CalleeIDs).
type CallStartData struct {
	CalleeID  string       `json:"callee_id,omitempty"`
	CalleeIDs []string     `json:"callee_ids,omitempty"`
	MediaKind string       `json:"media_kind,omitempty"`
	Options   call.Options `json:"options,omitempty"`
}

type CallAnswerData struct {
	SessionID string `json:"session_id"`
}

type CallRejectData struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

type CallEndData struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

type CallJoinData struct {
	SessionID string `json:"session_id"`
}

type CallMuteData struct {
	SessionID string `json:"session_id"`
	Muted     bool   `json:"muted"`
}

// RelayData is the shared shape of webrtc:* and encryption:key-exchange
// events. Payload is opaque to the server: SDP, ICE candidates, and key
// material are relayed byte-for-byte. From is stamped by the server; any
// client-supplied value is overwritten. To selects a single recipient inside
// the session (required for group calls, optional for 1:1).
type RelayData struct {
	SessionID string          `json:"session_id"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type KeyRotationData struct {
	SessionID string `json:"session_id"`
}

// KeyMaterialData carries server-derived key material for one epoch. It is
// delivered under the key-rotation event name, at session connect and on
// every later epoch.
type KeyMaterialData struct {
	SessionID string `json:"session_id"`
	KeyID     uint32 `json:"key_id"`
	Material  []byte `json:"material"`
	Algorithm string `json:"algorithm"`
	RotatedAt int64  `json:"rotated_at"`
}

type PeerKeyRotatedData struct {
	SessionID string `json:"session_id"`
	KeyID     uint32 `json:"key_id"`
}

// CallEventData is the server-side notification shape shared by call
// lifecycle events.
type CallEventData struct {
	SessionID  string `json:"session_id"`
	CallerID   string `json:"caller_id,omitempty"`
	CallerName string `json:"caller_name,omitempty"`
	CalleeID   string `json:"callee_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	MediaKind  string `json:"media_kind,omitempty"`
	Group      bool   `json:"group,omitempty"`
	Status     string `json:"status,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Muted      bool   `json:"muted,omitempty"`

	// ICEServers rides along on call setup events so the recipient can start
	// candidate gathering immediately. Always the recipient's own list.
	ICEServers []webrtc.ICEServer `json:"ice_servers,omitempty"`
}

// ErrorData is the error payload: a stable machine code plus a human
// message.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectedData greets a client after a successful upgrade.
type ConnectedData struct {
	UserID   string `json:"user_id"`
	Degraded bool   `json:"degraded,omitempty"`
}

func mustEnvelope(eventType string, data any) Envelope {
	raw, err := json.Marshal(data)
	if err != nil {
		// All payload types are plain structs; marshal cannot fail.
		panic(err)
	}
	return Envelope{Type: eventType, Data: raw}
}
