package signaling

import (
	"log/slog"
	"sync"

	"github.com/securevox/call-server/internal/auth"
	"github.com/securevox/call-server/internal/call"
	"github.com/securevox/call-server/internal/keys"
	"github.com/securevox/call-server/internal/metrics"
)

// Sender is one live client connection's outbound side. Send must not block;
// it reports false when the connection's queue is full or closed.
type Sender interface {
	Send(env Envelope) bool
}

// Hub tracks which users are connected and on which devices, and fans events
// out to them. It is also the registry's event sink and the key
// coordinator's delivery path, translating domain events into wire
// envelopes.
type Hub struct {
	maxConnsPerUser int
	metrics         *metrics.Metrics
	logger          *slog.Logger

	mu    sync.RWMutex
	users map[string]map[string]Sender // userID -> deviceID -> connection
}

func NewHub(maxConnsPerUser int, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		maxConnsPerUser: maxConnsPerUser,
		metrics:         m,
		logger:          logger,
		users:           make(map[string]map[string]Sender),
	}
}

// Register attaches a connection for user/device. A reconnect on the same
// device replaces the old connection; a new device beyond the cap is
// rejected.
func (h *Hub) Register(userID, deviceID string, s Sender) (replaced Sender, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	devices := h.users[userID]
	if devices == nil {
		devices = make(map[string]Sender)
		h.users[userID] = devices
	}
	old, sameDevice := devices[deviceID]
	if !sameDevice && h.maxConnsPerUser > 0 && len(devices) >= h.maxConnsPerUser {
		return nil, auth.ErrTooManyConnections
	}
	devices[deviceID] = s

	h.metrics.SetGauge(metrics.ConnectedUsers, float64(len(h.users)))
	return old, nil
}

// Unregister detaches a connection. A stale Unregister after a same-device
// replacement is a no-op.
func (h *Hub) Unregister(userID, deviceID string, s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()

	devices, ok := h.users[userID]
	if !ok {
		return
	}
	if current, ok := devices[deviceID]; !ok || current != s {
		return
	}
	delete(devices, deviceID)
	if len(devices) == 0 {
		delete(h.users, userID)
	}
	h.metrics.SetGauge(metrics.ConnectedUsers, float64(len(h.users)))
}

// Send delivers env to every device of userID. Returns false when the user
// is fully offline or every queue was full.
func (h *Hub) Send(userID string, env Envelope) bool {
	h.mu.RLock()
	devices := h.users[userID]
	senders := make([]Sender, 0, len(devices))
	for _, s := range devices {
		senders = append(senders, s)
	}
	h.mu.RUnlock()

	delivered := false
	for _, s := range senders {
		if s.Send(env) {
			delivered = true
		} else {
			h.metrics.Inc(metrics.RelayDropped)
		}
	}
	return delivered
}

// IsOnline reports whether userID has at least one live connection.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// ConnectionCount returns the number of live connections for userID.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// CallTimedOut implements call.EventSink: the caller learns the ring
// expired, everyone who never picked up gets a missed-call event.
func (h *Hub) CallTimedOut(snap call.Snapshot) {
	timeout := mustEnvelope(TypeCallTimeout, CallEventData{
		SessionID: snap.ID,
		CallerID:  snap.CallerID,
		CalleeID:  snap.CalleeID,
		Group:     snap.Group,
		Status:    string(snap.Status),
		Reason:    snap.EndReason,
	})
	h.Send(snap.CallerID, timeout)

	missed := mustEnvelope(TypeCallMissed, CallEventData{
		SessionID: snap.ID,
		CallerID:  snap.CallerID,
		Group:     snap.Group,
		MediaKind: string(snap.MediaKind),
	})
	delivered := map[string]bool{snap.CallerID: true}
	for _, p := range snap.Participants {
		if p.Left || delivered[p.UserID] {
			continue
		}
		delivered[p.UserID] = true
		h.Send(p.UserID, missed)
	}
	if !snap.Group && snap.CalleeID != "" && !delivered[snap.CalleeID] {
		h.Send(snap.CalleeID, missed)
	}
}

// CallEnded implements call.EventSink for terminations that happen off any
// request path (duration cap, sweeper, shutdown).
func (h *Hub) CallEnded(snap call.Snapshot) {
	env := mustEnvelope(TypeCallEnded, CallEventData{
		SessionID: snap.ID,
		Status:    string(snap.Status),
		Reason:    snap.EndReason,
	})
	h.broadcast(snap, env)
}

func (h *Hub) broadcast(snap call.Snapshot, env Envelope) {
	for _, p := range snap.Participants {
		if p.Left {
			continue
		}
		h.Send(p.UserID, env)
	}
	if !snap.Group && snap.CalleeID != "" {
		seen := false
		for _, p := range snap.Participants {
			if p.UserID == snap.CalleeID {
				seen = true
				break
			}
		}
		if !seen {
			h.Send(snap.CalleeID, env)
		}
	}
}

// DeliverKeys adapts the hub to keys.DeliverFunc.
func (h *Hub) DeliverKeys(userID string, ev keys.Event) {
	env := mustEnvelope(TypeKeyRotation, KeyMaterialData{
		SessionID: ev.SessionID,
		KeyID:     ev.KeyID,
		Material:  ev.Material,
		Algorithm: ev.Algorithm,
		RotatedAt: ev.RotatedAt.Unix(),
	})
	if !h.Send(userID, env) {
		h.logger.Debug("key material dropped, user offline", "user_id", userID, "session_id", ev.SessionID)
	}
}
