package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/securevox/call-server/internal/auth"
	"github.com/securevox/call-server/internal/call"
	"github.com/securevox/call-server/internal/keys"
)

// Outbound is one envelope addressed to one user. The connection layer
// resolves users to live sockets.
type Outbound struct {
	UserID string
	Env    Envelope
}

// Presence answers whether a user currently has a signaling connection.
// Implemented by the Hub.
type Presence interface {
	IsOnline(userID string) bool
}

// Router turns inbound envelopes into registry operations and outbound
// envelopes. It holds no connection state, so its dispatch logic is tested
// without a single socket.
type Router struct {
	registry *call.Registry
	keys     *keys.Coordinator
	presence Presence
	logger   *slog.Logger
}

func NewRouter(registry *call.Registry, kc *keys.Coordinator, presence Presence, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{registry: registry, keys: kc, presence: presence, logger: logger}
}

// Dispatch handles one envelope from sender. The returned slice contains
// every event to deliver, including error events addressed back to the
// sender.
func (rt *Router) Dispatch(ctx context.Context, sender auth.Identity, env Envelope) []Outbound {
	var (
		out []Outbound
		err error
	)

	switch env.Type {
	case TypeCallStart:
		out, err = rt.handleCallStart(ctx, sender, env.Data)
	case TypeCallAnswer:
		out, err = rt.handleCallAnswer(ctx, sender, env.Data)
	case TypeCallReject:
		out, err = rt.handleCallReject(ctx, sender, env.Data)
	case TypeCallEnd:
		out, err = rt.handleCallEnd(ctx, sender, env.Data)
	case TypeCallJoin:
		out, err = rt.handleCallJoin(ctx, sender, env.Data)
	case TypeCallLeave:
		out, err = rt.handleCallLeave(ctx, sender, env.Data)
	case TypeCallMute:
		out, err = rt.handleCallMute(sender, env.Data)
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeKeyExchange:
		out, err = rt.handleRelay(sender, env.Type, env.Data)
	case TypeKeyRotation:
		out, err = rt.handleKeyRotation(sender, env.Data)
	case TypeKeyMaterialReq:
		out, err = rt.handleKeyMaterialRequest(sender, env.Data)
	case TypePing:
		return []Outbound{{UserID: sender.UserID, Env: Envelope{Type: TypePong}}}
	default:
		err = fmt.Errorf("%w: unknown event type %q", errValidation, env.Type)
	}

	if err != nil {
		rt.logger.Debug("signaling event rejected",
			"type", env.Type, "user_id", sender.UserID, "error", err)
		return []Outbound{{UserID: sender.UserID, Env: errorEnvelope(err)}}
	}
	return out
}

// HandleDisconnect ends every call sender took part in and tells the peers.
func (rt *Router) HandleDisconnect(ctx context.Context, userID string) []Outbound {
	ended := rt.registry.EndUserCalls(ctx, userID, call.ReasonUserDisconnected)
	var out []Outbound
	for _, snap := range ended {
		env := mustEnvelope(TypeCallEnded, CallEventData{
			SessionID: snap.ID,
			UserID:    userID,
			Status:    string(snap.Status),
			Reason:    snap.EndReason,
		})
		for _, peer := range participantsExcept(snap, userID) {
			out = append(out, Outbound{UserID: peer, Env: env})
		}
	}
	return out
}

func (rt *Router) handleCallStart(ctx context.Context, sender auth.Identity, data json.RawMessage) ([]Outbound, error) {
	var req CallStartData
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	kind, err := call.ParseMediaKind(req.MediaKind)
	if err != nil {
		return nil, err
	}
	caller := call.Peer{ID: sender.UserID, Name: auth.Sanitize(sender.Email), Device: sender.DeviceID}

	if len(req.CalleeIDs) > 0 {
		snap, err := rt.registry.CreateGroup(ctx, caller, req.CalleeIDs, kind, req.Options)
		if err != nil {
			return nil, err
		}
		return rt.fanOutIncoming(snap, caller), nil
	}

	if req.CalleeID == "" {
		return nil, fmt.Errorf("%w: callee_id is required", errValidation)
	}
	if !rt.presence.IsOnline(req.CalleeID) {
		return nil, fmt.Errorf("%w: %s", ErrUserOffline, req.CalleeID)
	}
	snap, err := rt.registry.Create(ctx, caller, req.CalleeID, kind, req.Options)
	if err != nil {
		return nil, err
	}
	return rt.fanOutIncoming(snap, caller), nil
}

// fanOutIncoming tells the caller the session exists and rings every callee
// that is online. Offline group callees still get push notifications from
// the registry. Each recipient's envelope carries their own ICE server list;
// TURN credentials are per user, so the envelopes are never shared.
func (rt *Router) fanOutIncoming(snap call.Snapshot, caller call.Peer) []Outbound {
	started := mustEnvelope(TypeCallOutgoing, CallEventData{
		SessionID:  snap.ID,
		CallerID:   snap.CallerID,
		CalleeID:   snap.CalleeID,
		Group:      snap.Group,
		MediaKind:  string(snap.MediaKind),
		Status:     string(snap.Status),
		ICEServers: snap.ICEServers,
	})
	incoming := func(calleeID string) Envelope {
		return mustEnvelope(TypeCallIncoming, CallEventData{
			SessionID:  snap.ID,
			CallerID:   caller.ID,
			CallerName: caller.Name,
			Group:      snap.Group,
			MediaKind:  string(snap.MediaKind),
			ICEServers: rt.registry.ICEServersFor(calleeID, ""),
		})
	}

	out := []Outbound{{UserID: caller.ID, Env: started}}
	if !snap.Group {
		out = append(out, Outbound{UserID: snap.CalleeID, Env: incoming(snap.CalleeID)})
		return out
	}
	callees, err := rt.registry.Peers(snap.ID, caller.ID)
	if err != nil {
		return out
	}
	for _, calleeID := range callees {
		if rt.presence.IsOnline(calleeID) {
			out = append(out, Outbound{UserID: calleeID, Env: incoming(calleeID)})
		}
	}
	return out
}

func (rt *Router) handleCallAnswer(ctx context.Context, sender auth.Identity, data json.RawMessage) ([]Outbound, error) {
	var req CallAnswerData
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	snap, err := rt.registry.Answer(ctx, req.SessionID, call.Peer{ID: sender.UserID, Name: auth.Sanitize(sender.Email), Device: sender.DeviceID})
	if err != nil {
		return nil, err
	}
	env := mustEnvelope(TypeCallAnswered, CallEventData{
		SessionID: snap.ID,
		UserID:    sender.UserID,
		Status:    string(snap.Status),
	})
	var out []Outbound
	for _, peer := range participantsExcept(snap, sender.UserID) {
		out = append(out, Outbound{UserID: peer, Env: env})
	}
	return out, nil
}

func (rt *Router) handleCallReject(ctx context.Context, sender auth.Identity, data json.RawMessage) ([]Outbound, error) {
	var req CallRejectData
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	snap, err := rt.registry.Reject(ctx, req.SessionID, sender.UserID, auth.Sanitize(req.Reason))
	if err != nil {
		return nil, err
	}
	env := mustEnvelope(TypeCallRejected, CallEventData{
		SessionID: snap.ID,
		UserID:    sender.UserID,
		Status:    string(snap.Status),
		Reason:    snap.EndReason,
	})
	var out []Outbound
	for _, peer := range participantsExcept(snap, sender.UserID) {
		out = append(out, Outbound{UserID: peer, Env: env})
	}
	return out, nil
}

func (rt *Router) handleCallEnd(ctx context.Context, sender auth.Identity, data json.RawMessage) ([]Outbound, error) {
	var req CallEndData
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	snap, err := rt.registry.End(ctx, req.SessionID, sender.UserID, auth.Sanitize(req.Reason))
	if err != nil {
		return nil, err
	}
	env := mustEnvelope(TypeCallEnded, CallEventData{
		SessionID: snap.ID,
		UserID:    sender.UserID,
		Status:    string(snap.Status),
		Reason:    snap.EndReason,
	})
	var out []Outbound
	for _, peer := range participantsExcept(snap, sender.UserID) {
		out = append(out, Outbound{UserID: peer, Env: env})
	}
	return out, nil
}

func (rt *Router) handleCallJoin(ctx context.Context, sender auth.Identity, data json.RawMessage) ([]Outbound, error) {
	var req CallJoinData
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	snap, err := rt.registry.Join(ctx, req.SessionID, call.Peer{ID: sender.UserID, Name: auth.Sanitize(sender.Email), Device: sender.DeviceID})
	if err != nil {
		return nil, err
	}
	joined := mustEnvelope(TypeParticipantJoined, CallEventData{
		SessionID: snap.ID,
		UserID:    sender.UserID,
		Status:    string(snap.Status),
	})
	out := []Outbound{{
		UserID: sender.UserID,
		Env: mustEnvelope(TypeCallOutgoing, CallEventData{
			SessionID:  snap.ID,
			CallerID:   snap.CallerID,
			Group:      true,
			MediaKind:  string(snap.MediaKind),
			Status:     string(snap.Status),
			ICEServers: snap.ICEServers,
		}),
	}}
	for _, peer := range participantsExcept(snap, sender.UserID) {
		out = append(out, Outbound{UserID: peer, Env: joined})
	}
	return out, nil
}

func (rt *Router) handleCallLeave(ctx context.Context, sender auth.Identity, data json.RawMessage) ([]Outbound, error) {
	var req CallJoinData
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	snap, err := rt.registry.Leave(ctx, req.SessionID, sender.UserID)
	if err != nil {
		return nil, err
	}

	var env Envelope
	if snap.Status.Terminal() {
		env = mustEnvelope(TypeCallEnded, CallEventData{
			SessionID: snap.ID,
			UserID:    sender.UserID,
			Status:    string(snap.Status),
			Reason:    snap.EndReason,
		})
	} else {
		env = mustEnvelope(TypeParticipantLeft, CallEventData{
			SessionID: snap.ID,
			UserID:    sender.UserID,
		})
	}
	var out []Outbound
	for _, peer := range participantsExcept(snap, sender.UserID) {
		out = append(out, Outbound{UserID: peer, Env: env})
	}
	return out, nil
}

func (rt *Router) handleCallMute(sender auth.Identity, data json.RawMessage) ([]Outbound, error) {
	var req CallMuteData
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	snap, err := rt.registry.SetMuted(req.SessionID, sender.UserID, req.Muted)
	if err != nil {
		return nil, err
	}
	env := mustEnvelope(TypeCallMuted, CallEventData{
		SessionID: snap.ID,
		UserID:    sender.UserID,
		Muted:     req.Muted,
	})
	var out []Outbound
	for _, peer := range participantsExcept(snap, sender.UserID) {
		out = append(out, Outbound{UserID: peer, Env: env})
	}
	return out, nil
}

// handleRelay forwards SDP, ICE candidates and client key material between
// session participants. The payload is opaque; the server only checks
// membership and stamps the sender.
func (rt *Router) handleRelay(sender auth.Identity, eventType string, data json.RawMessage) ([]Outbound, error) {
	var req RelayData
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if len(req.Payload) == 0 {
		return nil, fmt.Errorf("%w: payload is required", errValidation)
	}
	if err := rt.registry.Authorize(req.SessionID, sender.UserID); err != nil {
		return nil, err
	}

	// The answering SDP completing the handshake moves the session to
	// connected. Renegotiation after that point is just another relay.
	if eventType == TypeAnswer {
		if _, err := rt.registry.MarkConnected(req.SessionID); err != nil && !isStateConflict(err) {
			return nil, err
		}
	}

	req.From = sender.UserID
	env := mustEnvelope(eventType, req)

	if req.To != "" {
		if err := rt.registry.Authorize(req.SessionID, req.To); err != nil {
			return nil, err
		}
		return []Outbound{{UserID: req.To, Env: env}}, nil
	}

	peers, err := rt.registry.Peers(req.SessionID, sender.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]Outbound, 0, len(peers))
	for _, peer := range peers {
		out = append(out, Outbound{UserID: peer, Env: env})
	}
	return out, nil
}

func (rt *Router) handleKeyRotation(sender auth.Identity, data json.RawMessage) ([]Outbound, error) {
	var req KeyRotationData
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := rt.registry.Authorize(req.SessionID, sender.UserID); err != nil {
		return nil, err
	}
	keyID, err := rt.keys.Rotate(req.SessionID)
	if err != nil {
		return nil, err
	}
	// Fresh material reaches every participant through the coordinator's
	// delivery path; this event just attributes the rotation.
	env := mustEnvelope(TypePeerKeyRotated, PeerKeyRotatedData{
		SessionID: req.SessionID,
		KeyID:     keyID,
	})
	peers, err := rt.registry.Peers(req.SessionID, sender.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]Outbound, 0, len(peers))
	for _, peer := range peers {
		out = append(out, Outbound{UserID: peer, Env: env})
	}
	return out, nil
}

func (rt *Router) handleKeyMaterialRequest(sender auth.Identity, data json.RawMessage) ([]Outbound, error) {
	var req KeyRotationData
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := rt.registry.Authorize(req.SessionID, sender.UserID); err != nil {
		return nil, err
	}
	ev, err := rt.keys.Material(req.SessionID, sender.UserID)
	if err != nil {
		return nil, err
	}
	env := mustEnvelope(TypeKeyRotation, KeyMaterialData{
		SessionID: ev.SessionID,
		KeyID:     ev.KeyID,
		Material:  ev.Material,
		Algorithm: ev.Algorithm,
		RotatedAt: ev.RotatedAt.Unix(),
	})
	return []Outbound{{UserID: sender.UserID, Env: env}}, nil
}

var errValidation = fmt.Errorf("invalid event")

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", errValidation)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", errValidation, err)
	}
	return nil
}

func isStateConflict(err error) bool {
	return ErrorCode(err) == CodeStateConflict
}

// participantsExcept lists current members of snap other than userID,
// including a 1:1 callee who has not formally answered yet.
func participantsExcept(snap call.Snapshot, userID string) []string {
	var out []string
	seen := map[string]struct{}{userID: {}}
	for _, p := range snap.Participants {
		if p.Left {
			continue
		}
		if _, dup := seen[p.UserID]; dup {
			continue
		}
		seen[p.UserID] = struct{}{}
		out = append(out, p.UserID)
	}
	if !snap.Group && snap.CalleeID != "" {
		if _, dup := seen[snap.CalleeID]; !dup {
			out = append(out, snap.CalleeID)
		}
	}
	return out
}
