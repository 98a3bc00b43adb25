package signaling

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securevox/call-server/internal/auth"
	"github.com/securevox/call-server/internal/call"
	"github.com/securevox/call-server/internal/config"
	"github.com/securevox/call-server/internal/keys"
	"github.com/securevox/call-server/internal/metrics"
)

type fakePresence map[string]bool

func (f fakePresence) IsOnline(userID string) bool { return f[userID] }

// fixtureICE stamps the requesting user into the list so tests can tell
// whose servers an envelope carries.
type fixtureICE struct{}

func (fixtureICE) Servers(userID, _ string) ([]webrtc.ICEServer, error) {
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.test:3478"}, Username: userID}}, nil
}

type fixture struct {
	router   *Router
	registry *call.Registry
	keys     *keys.Coordinator
	presence fakePresence
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Config{
		MaxCallsPerUser:    10,
		MaxConcurrentCalls: 100,
		MaxCallsPerMinute:  100,
		MaxCallDuration:    time.Hour,
		SessionTimeout:     time.Minute,
		RingTimeout:        time.Hour,
		UpstreamTimeout:    time.Second,
	}
	kc := keys.NewCoordinator(0, nil, metrics.New(), logger, keys.Options{})
	registry := call.NewRegistry(cfg, call.Deps{
		Keys:    kc,
		ICE:     fixtureICE{},
		Metrics: metrics.New(),
		Logger:  logger,
	})
	presence := fakePresence{"alice": true, "bob": true, "carol": true}
	return &fixture{
		router:   NewRouter(registry, kc, presence, logger),
		registry: registry,
		keys:     kc,
		presence: presence,
	}
}

func ident(userID string) auth.Identity {
	return auth.Identity{UserID: userID, DeviceID: userID + "-dev", Role: auth.RoleUser}
}

func envelope(t *testing.T, eventType string, data any) Envelope {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return Envelope{Type: eventType, Data: raw}
}

func eventData(t *testing.T, env Envelope) CallEventData {
	t.Helper()
	var data CallEventData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	return data
}

func findOutbound(t *testing.T, out []Outbound, userID, eventType string) Envelope {
	t.Helper()
	for _, ob := range out {
		if ob.UserID == userID && ob.Env.Type == eventType {
			return ob.Env
		}
	}
	t.Fatalf("no %s event for %s in %+v", eventType, userID, out)
	return Envelope{}
}

func errCode(t *testing.T, out []Outbound) string {
	t.Helper()
	require.Len(t, out, 1)
	require.Equal(t, TypeError, out[0].Env.Type)
	var data ErrorData
	require.NoError(t, json.Unmarshal(out[0].Env.Data, &data))
	return data.Code
}

// startCall drives a call to the ringing state and returns its session ID.
func (f *fixture) startCall(t *testing.T, caller, callee string) string {
	t.Helper()
	out := f.router.Dispatch(context.Background(), ident(caller),
		envelope(t, TypeCallStart, CallStartData{CalleeID: callee, MediaKind: "video"}))
	env := findOutbound(t, out, caller, TypeCallOutgoing)
	return eventData(t, env).SessionID
}

func TestDispatch_CallStart(t *testing.T) {
	f := newFixture(t)

	out := f.router.Dispatch(context.Background(), ident("alice"),
		envelope(t, TypeCallStart, CallStartData{CalleeID: "bob", MediaKind: "video"}))

	started := eventData(t, findOutbound(t, out, "alice", TypeCallOutgoing))
	assert.Equal(t, string(call.StatusRinging), started.Status)
	assert.Equal(t, "video", started.MediaKind)

	incoming := eventData(t, findOutbound(t, out, "bob", TypeCallIncoming))
	assert.Equal(t, started.SessionID, incoming.SessionID)
	assert.Equal(t, "alice", incoming.CallerID)

	// Each side gets its own ICE server list with the setup event.
	require.NotEmpty(t, started.ICEServers)
	assert.Equal(t, "alice", started.ICEServers[0].Username)
	require.NotEmpty(t, incoming.ICEServers)
	assert.Equal(t, "bob", incoming.ICEServers[0].Username)
}

func TestDispatch_CallStart_OfflineCallee(t *testing.T) {
	f := newFixture(t)

	out := f.router.Dispatch(context.Background(), ident("alice"),
		envelope(t, TypeCallStart, CallStartData{CalleeID: "dave"}))
	assert.Equal(t, CodeUserOffline, errCode(t, out))
}

func TestDispatch_CallStart_Validation(t *testing.T) {
	f := newFixture(t)

	out := f.router.Dispatch(context.Background(), ident("alice"),
		envelope(t, TypeCallStart, CallStartData{}))
	assert.Equal(t, CodeValidation, errCode(t, out))

	out = f.router.Dispatch(context.Background(), ident("alice"),
		envelope(t, TypeCallStart, CallStartData{CalleeID: "alice"}))
	assert.Equal(t, CodeValidation, errCode(t, out))

	out = f.router.Dispatch(context.Background(), ident("alice"),
		envelope(t, TypeCallStart, CallStartData{CalleeID: "bob", MediaKind: "hologram"}))
	assert.Equal(t, CodeValidation, errCode(t, out))
}

func TestDispatch_UnknownType(t *testing.T) {
	f := newFixture(t)

	out := f.router.Dispatch(context.Background(), ident("alice"),
		Envelope{Type: "call:warp", Data: json.RawMessage(`{}`)})
	assert.Equal(t, CodeValidation, errCode(t, out))
}

func TestDispatch_AnswerFlow(t *testing.T) {
	f := newFixture(t)
	sessionID := f.startCall(t, "alice", "bob")

	out := f.router.Dispatch(context.Background(), ident("bob"),
		envelope(t, TypeCallAnswer, CallAnswerData{SessionID: sessionID}))

	answered := eventData(t, findOutbound(t, out, "alice", TypeCallAnswered))
	assert.Equal(t, "bob", answered.UserID)
	assert.Equal(t, string(call.StatusConnecting), answered.Status)

	// Only the callee may answer.
	out = f.router.Dispatch(context.Background(), ident("carol"),
		envelope(t, TypeCallAnswer, CallAnswerData{SessionID: sessionID}))
	assert.Equal(t, CodeUnauthorized, errCode(t, out))
}

func TestDispatch_Reject(t *testing.T) {
	f := newFixture(t)
	sessionID := f.startCall(t, "alice", "bob")

	out := f.router.Dispatch(context.Background(), ident("bob"),
		envelope(t, TypeCallReject, CallRejectData{SessionID: sessionID, Reason: "busy"}))

	rejected := eventData(t, findOutbound(t, out, "alice", TypeCallRejected))
	assert.Equal(t, "busy", rejected.Reason)

	snap, err := f.registry.Get(sessionID)
	require.NoError(t, err)
	assert.Equal(t, call.StatusRejected, snap.Status)
}

func TestDispatch_End(t *testing.T) {
	f := newFixture(t)
	sessionID := f.startCall(t, "alice", "bob")

	f.router.Dispatch(context.Background(), ident("bob"),
		envelope(t, TypeCallAnswer, CallAnswerData{SessionID: sessionID}))

	out := f.router.Dispatch(context.Background(), ident("alice"),
		envelope(t, TypeCallEnd, CallEndData{SessionID: sessionID}))
	ended := eventData(t, findOutbound(t, out, "bob", TypeCallEnded))
	assert.Equal(t, string(call.StatusEnded), ended.Status)

	// The session was released on the first hang-up.
	out = f.router.Dispatch(context.Background(), ident("alice"),
		envelope(t, TypeCallEnd, CallEndData{SessionID: sessionID}))
	assert.Equal(t, CodeNotFound, errCode(t, out))
}

func TestDispatch_EndUnknownSession(t *testing.T) {
	f := newFixture(t)

	out := f.router.Dispatch(context.Background(), ident("alice"),
		envelope(t, TypeCallEnd, CallEndData{SessionID: "nope"}))
	assert.Equal(t, CodeNotFound, errCode(t, out))
}

func TestDispatch_RelayOffer(t *testing.T) {
	f := newFixture(t)
	sessionID := f.startCall(t, "alice", "bob")

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0..."}`)
	out := f.router.Dispatch(context.Background(), ident("alice"),
		envelope(t, TypeOffer, RelayData{SessionID: sessionID, Payload: sdp}))

	env := findOutbound(t, out, "bob", TypeOffer)
	var relayed RelayData
	require.NoError(t, json.Unmarshal(env.Data, &relayed))
	assert.Equal(t, "alice", relayed.From, "server stamps the sender")
	assert.JSONEq(t, string(sdp), string(relayed.Payload), "payload is relayed untouched")
}

func TestDispatch_RelayStampsOverForgedFrom(t *testing.T) {
	f := newFixture(t)
	sessionID := f.startCall(t, "alice", "bob")

	out := f.router.Dispatch(context.Background(), ident("alice"),
		envelope(t, TypeICECandidate, RelayData{
			SessionID: sessionID,
			From:      "carol", // forged
			Payload:   json.RawMessage(`{"candidate":"..."}`),
		}))

	env := findOutbound(t, out, "bob", TypeICECandidate)
	var relayed RelayData
	require.NoError(t, json.Unmarshal(env.Data, &relayed))
	assert.Equal(t, "alice", relayed.From)
}

func TestDispatch_RelayRequiresMembership(t *testing.T) {
	f := newFixture(t)
	sessionID := f.startCall(t, "alice", "bob")

	out := f.router.Dispatch(context.Background(), ident("carol"),
		envelope(t, TypeOffer, RelayData{
			SessionID: sessionID,
			Payload:   json.RawMessage(`{}`),
		}))
	assert.Equal(t, CodeUnauthorized, errCode(t, out))
}

func TestDispatch_AnswerSDPMarksConnected(t *testing.T) {
	f := newFixture(t)
	sessionID := f.startCall(t, "alice", "bob")

	f.router.Dispatch(context.Background(), ident("bob"),
		envelope(t, TypeCallAnswer, CallAnswerData{SessionID: sessionID}))
	f.router.Dispatch(context.Background(), ident("alice"),
		envelope(t, TypeOffer, RelayData{SessionID: sessionID, Payload: json.RawMessage(`{}`)}))
	f.router.Dispatch(context.Background(), ident("bob"),
		envelope(t, TypeAnswer, RelayData{SessionID: sessionID, Payload: json.RawMessage(`{}`)}))

	snap, err := f.registry.Get(sessionID)
	require.NoError(t, err)
	assert.Equal(t, call.StatusConnected, snap.Status)

	// A renegotiation answer after connection is relayed, not an error.
	out := f.router.Dispatch(context.Background(), ident("bob"),
		envelope(t, TypeAnswer, RelayData{SessionID: sessionID, Payload: json.RawMessage(`{}`)}))
	findOutbound(t, out, "alice", TypeAnswer)
}

func TestDispatch_RelayAfterTermination(t *testing.T) {
	f := newFixture(t)
	sessionID := f.startCall(t, "alice", "bob")

	f.router.Dispatch(context.Background(), ident("bob"),
		envelope(t, TypeCallReject, CallRejectData{SessionID: sessionID}))

	out := f.router.Dispatch(context.Background(), ident("alice"),
		envelope(t, TypeICECandidate, RelayData{
			SessionID: sessionID,
			Payload:   json.RawMessage(`{}`),
		}))
	assert.Equal(t, CodeNotFound, errCode(t, out))
}

func TestDispatch_KeyExchangeRelay(t *testing.T) {
	f := newFixture(t)
	sessionID := f.startCall(t, "alice", "bob")

	material := json.RawMessage(`{"public_key":"base64..."}`)
	out := f.router.Dispatch(context.Background(), ident("alice"),
		envelope(t, TypeKeyExchange, RelayData{SessionID: sessionID, Payload: material}))
	env := findOutbound(t, out, "bob", TypeKeyExchange)
	var relayed RelayData
	require.NoError(t, json.Unmarshal(env.Data, &relayed))
	assert.JSONEq(t, string(material), string(relayed.Payload))
}

func TestDispatch_KeyRotation(t *testing.T) {
	f := newFixture(t)
	sessionID := f.startCall(t, "alice", "bob")

	out := f.router.Dispatch(context.Background(), ident("alice"),
		envelope(t, TypeKeyRotation, KeyRotationData{SessionID: sessionID}))

	env := findOutbound(t, out, "bob", TypePeerKeyRotated)
	var data PeerKeyRotatedData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, uint32(2), data.KeyID)

	// Rotation by an outsider is rejected.
	out = f.router.Dispatch(context.Background(), ident("carol"),
		envelope(t, TypeKeyRotation, KeyRotationData{SessionID: sessionID}))
	assert.Equal(t, CodeUnauthorized, errCode(t, out))
}

func TestDispatch_KeyMaterialRequest(t *testing.T) {
	f := newFixture(t)
	sessionID := f.startCall(t, "alice", "bob")

	out := f.router.Dispatch(context.Background(), ident("alice"),
		envelope(t, TypeKeyMaterialReq, KeyRotationData{SessionID: sessionID}))

	env := findOutbound(t, out, "alice", TypeKeyRotation)
	var data KeyMaterialData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, sessionID, data.SessionID)
	assert.NotEmpty(t, data.Material)
	assert.Equal(t, keys.Algorithm, data.Algorithm)
}

func TestDispatch_Mute(t *testing.T) {
	f := newFixture(t)
	sessionID := f.startCall(t, "alice", "bob")
	f.router.Dispatch(context.Background(), ident("bob"),
		envelope(t, TypeCallAnswer, CallAnswerData{SessionID: sessionID}))

	out := f.router.Dispatch(context.Background(), ident("bob"),
		envelope(t, TypeCallMute, CallMuteData{SessionID: sessionID, Muted: true}))
	muted := eventData(t, findOutbound(t, out, "alice", TypeCallMuted))
	assert.True(t, muted.Muted)
	assert.Equal(t, "bob", muted.UserID)
}

func TestDispatch_GroupCall(t *testing.T) {
	f := newFixture(t)

	out := f.router.Dispatch(context.Background(), ident("alice"),
		envelope(t, TypeCallStart, CallStartData{CalleeIDs: []string{"bob", "carol"}}))
	started := eventData(t, findOutbound(t, out, "alice", TypeCallOutgoing))
	require.True(t, started.Group)
	findOutbound(t, out, "bob", TypeCallIncoming)
	findOutbound(t, out, "carol", TypeCallIncoming)

	out = f.router.Dispatch(context.Background(), ident("bob"),
		envelope(t, TypeCallJoin, CallJoinData{SessionID: started.SessionID}))
	findOutbound(t, out, "bob", TypeCallOutgoing)
	findOutbound(t, out, "alice", TypeParticipantJoined)

	out = f.router.Dispatch(context.Background(), ident("carol"),
		envelope(t, TypeCallJoin, CallJoinData{SessionID: started.SessionID}))
	findOutbound(t, out, "alice", TypeParticipantJoined)
	findOutbound(t, out, "bob", TypeParticipantJoined)

	out = f.router.Dispatch(context.Background(), ident("carol"),
		envelope(t, TypeCallLeave, CallJoinData{SessionID: started.SessionID}))
	findOutbound(t, out, "alice", TypeParticipantLeft)
	findOutbound(t, out, "bob", TypeParticipantLeft)

	// Bob leaving drops the call below two members: it ends.
	out = f.router.Dispatch(context.Background(), ident("bob"),
		envelope(t, TypeCallLeave, CallJoinData{SessionID: started.SessionID}))
	findOutbound(t, out, "alice", TypeCallEnded)
}

func TestDispatch_Ping(t *testing.T) {
	f := newFixture(t)

	out := f.router.Dispatch(context.Background(), ident("alice"), Envelope{Type: TypePing})
	require.Len(t, out, 1)
	assert.Equal(t, TypePong, out[0].Env.Type)
	assert.Equal(t, "alice", out[0].UserID)
}

func TestHandleDisconnect(t *testing.T) {
	f := newFixture(t)
	sessionID := f.startCall(t, "alice", "bob")
	f.router.Dispatch(context.Background(), ident("bob"),
		envelope(t, TypeCallAnswer, CallAnswerData{SessionID: sessionID}))

	out := f.router.HandleDisconnect(context.Background(), "alice")
	ended := eventData(t, findOutbound(t, out, "bob", TypeCallEnded))
	assert.Equal(t, call.ReasonUserDisconnected, ended.Reason)

	snap, err := f.registry.Get(sessionID)
	require.NoError(t, err)
	assert.True(t, snap.Status.Terminal())
}
