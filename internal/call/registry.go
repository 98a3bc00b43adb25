package call

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/securevox/call-server/internal/config"
	"github.com/securevox/call-server/internal/metrics"
	"github.com/securevox/call-server/internal/ratelimit"
	"github.com/securevox/call-server/internal/upstream"
)

// KeyService is the encryption key coordinator as seen from the registry. The
// registry drives the key lifecycle off session transitions; the coordinator
// never reaches back in.
type KeyService interface {
	CreateContext(sessionID string, participantIDs []string)
	AddParticipant(sessionID, userID string)
	RemoveParticipant(sessionID, userID string)
	SessionConnected(sessionID string)
	DestroyContext(sessionID string)
}

// NoopKeyService is used when end-to-end key coordination is disabled.
type NoopKeyService struct{}

func (NoopKeyService) CreateContext(string, []string)   {}
func (NoopKeyService) AddParticipant(string, string)    {}
func (NoopKeyService) RemoveParticipant(string, string) {}
func (NoopKeyService) SessionConnected(string)          {}
func (NoopKeyService) DestroyContext(string)            {}

// ICEProvider supplies the per-user STUN/TURN server list attached to call
// setup responses, so clients can start gathering candidates without a
// second round trip. Implemented by the ice issuer.
type ICEProvider interface {
	Servers(userID, deviceID string) ([]webrtc.ICEServer, error)
}

// NoopICEProvider hands out no servers. Clients then fall back to whatever
// they have configured locally.
type NoopICEProvider struct{}

func (NoopICEProvider) Servers(string, string) ([]webrtc.ICEServer, error) { return nil, nil }

// EventSink receives session terminations that happen off any request path
// (ring timeouts, duration caps, the sweeper) so the signaling layer can tell
// the participants.
type EventSink interface {
	CallTimedOut(snap Snapshot)
	CallEnded(snap Snapshot)
}

type noopSink struct{}

func (noopSink) CallTimedOut(Snapshot) {}
func (noopSink) CallEnded(Snapshot)    {}

// Peer identifies a user in a call operation. Device is optional and only
// feeds TURN credential derivation.
type Peer struct {
	ID     string
	Name   string
	Device string
}

// Deps are the registry's collaborators. Zero values get noop defaults so
// tests construct only what they exercise.
type Deps struct {
	Store   Store
	Keys    KeyService
	ICE     ICEProvider
	Notify  upstream.NotificationGateway
	History upstream.HistoryStore
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Clock   ratelimit.Clock
}

// Registry owns all live call sessions and enforces the capacity and rate
// limits around their creation.
type Registry struct {
	cfg     config.Config
	store   Store
	keys    KeyService
	ice     ICEProvider
	notify  upstream.NotificationGateway
	history upstream.HistoryStore
	metrics *metrics.Metrics
	logger  *slog.Logger
	clock   ratelimit.Clock

	perMinute *ratelimit.SlidingWindow

	mu        sync.Mutex
	userCalls map[string]map[string]struct{} // userID -> live session IDs
	active    int

	sinkMu sync.RWMutex
	sink   EventSink
}

func NewRegistry(cfg config.Config, deps Deps) *Registry {
	if deps.Store == nil {
		deps.Store = NewMemoryStore()
	}
	if deps.Keys == nil {
		deps.Keys = NoopKeyService{}
	}
	if deps.ICE == nil {
		deps.ICE = NoopICEProvider{}
	}
	if deps.Notify == nil {
		deps.Notify = upstream.NoopNotificationGateway{}
	}
	if deps.History == nil {
		deps.History = upstream.NoopHistoryStore{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = ratelimit.RealClock{}
	}
	return &Registry{
		cfg:       cfg,
		store:     deps.Store,
		keys:      deps.Keys,
		ice:       deps.ICE,
		notify:    deps.Notify,
		history:   deps.History,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		clock:     deps.Clock,
		perMinute: ratelimit.NewSlidingWindow(deps.Clock, time.Minute, cfg.MaxCallsPerMinute),
		userCalls: make(map[string]map[string]struct{}),
		sink:      noopSink{},
	}
}

// SetEventSink wires the signaling layer in after construction. Must be
// called before Run.
func (r *Registry) SetEventSink(sink EventSink) {
	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()
	if sink != nil {
		r.sink = sink
	}
}

func (r *Registry) eventSink() EventSink {
	r.sinkMu.RLock()
	defer r.sinkMu.RUnlock()
	return r.sink
}

// Create starts a 1:1 call from caller to calleeID and arms the ring timer.
// The returned snapshot is already in the ringing state.
func (r *Registry) Create(ctx context.Context, caller Peer, calleeID string, kind MediaKind, opts Options) (Snapshot, error) {
	if calleeID == caller.ID {
		return Snapshot{}, ErrSelfCall
	}
	return r.create(ctx, caller, calleeID, []string{calleeID}, kind, opts, false)
}

// CreateGroup starts a group call ringing every callee.
func (r *Registry) CreateGroup(ctx context.Context, caller Peer, calleeIDs []string, kind MediaKind, opts Options) (Snapshot, error) {
	invited := make([]string, 0, len(calleeIDs))
	seen := map[string]struct{}{caller.ID: {}}
	for _, id := range calleeIDs {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		invited = append(invited, id)
	}
	if len(invited) == 0 {
		return Snapshot{}, ErrNoCallees
	}
	return r.create(ctx, caller, "", invited, kind, opts, true)
}

func (r *Registry) create(ctx context.Context, caller Peer, calleeID string, invited []string, kind MediaKind, opts Options, group bool) (Snapshot, error) {
	if !r.perMinute.Allow(caller.ID) {
		r.metrics.Inc(metrics.RateLimited)
		return Snapshot{}, ErrRateLimited
	}

	now := r.clock.Now()
	s := &Session{
		id:        uuid.NewString(),
		callerID:  caller.ID,
		calleeID:  calleeID,
		group:     group,
		mediaKind: kind,
		options:   opts.withDefaults(kind),
		quality:   QualityMetrics{Quality: "unknown"},
		status:    StatusInitializing,
		createdAt: now,
		participants: map[string]*Participant{
			caller.ID: {UserID: caller.ID, Name: caller.Name, JoinedAt: now},
		},
	}

	r.mu.Lock()
	if r.cfg.MaxConcurrentCalls > 0 && r.active >= r.cfg.MaxConcurrentCalls {
		r.mu.Unlock()
		r.metrics.Inc(metrics.CallsFailed)
		return Snapshot{}, ErrSystemCapacity
	}
	if r.cfg.MaxCallsPerUser > 0 && len(r.userCalls[caller.ID]) >= r.cfg.MaxCallsPerUser {
		r.mu.Unlock()
		return Snapshot{}, ErrTooManyCalls
	}
	r.indexLocked(caller.ID, s.id)
	for _, id := range invited {
		r.indexLocked(id, s.id)
	}
	r.active++
	r.mu.Unlock()

	r.store.Put(s)
	r.keys.CreateContext(s.id, append([]string{caller.ID}, invited...))

	s.mu.Lock()
	s.transitionLocked(StatusRinging, r.clock.Now())
	s.ringTimer = time.AfterFunc(r.cfg.RingTimeout, func() { r.handleRingTimeout(s.id) })
	snap := s.snapshotLocked()
	s.mu.Unlock()
	snap.ICEServers = r.ICEServersFor(caller.ID, caller.Device)

	r.metrics.Inc(metrics.CallsCreated)
	r.metrics.SetGauge(metrics.ActiveCalls, r.activeCount())
	r.logger.Info("call created",
		"session_id", s.id, "caller_id", caller.ID, "group", group, "media", string(kind))

	for _, id := range invited {
		notice := upstream.CallNotice{
			SessionID:  s.id,
			CallerID:   caller.ID,
			CallerName: caller.Name,
			CalleeID:   id,
			MediaKind:  string(kind),
			Group:      group,
		}
		if err := r.notify.SendIncomingCall(ctx, notice); err != nil {
			r.logger.Warn("incoming-call notification failed",
				"session_id", s.id, "callee_id", id, "error", err)
		}
	}

	return snap, nil
}

// Answer accepts a ringing call. For 1:1 calls only the invited callee may
// answer; for group calls any invited user answers by joining.
func (r *Registry) Answer(ctx context.Context, sessionID string, user Peer) (Snapshot, error) {
	s, ok := r.store.Get(sessionID)
	if !ok {
		return Snapshot{}, ErrNotFound
	}

	s.mu.Lock()
	if s.status != StatusRinging {
		s.mu.Unlock()
		return Snapshot{}, ErrInvalidState
	}
	if !s.group && user.ID != s.calleeID {
		s.mu.Unlock()
		return Snapshot{}, ErrNotParticipant
	}
	if s.group && !r.isInvited(s.id, user.ID) {
		s.mu.Unlock()
		return Snapshot{}, ErrNotParticipant
	}
	if err := s.transitionLocked(StatusConnecting, r.clock.Now()); err != nil {
		s.mu.Unlock()
		return Snapshot{}, err
	}
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	s.participants[user.ID] = &Participant{UserID: user.ID, Name: user.Name, JoinedAt: r.clock.Now()}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	r.keys.AddParticipant(sessionID, user.ID)
	r.cancelRingPush(ctx, sessionID, user.ID)
	r.logger.Info("call answered", "session_id", sessionID, "user_id", user.ID)
	snap.ICEServers = r.ICEServersFor(user.ID, user.Device)
	return snap, nil
}

// MarkConnected records that the peers established a media path. Called when
// the answering SDP has been relayed. Starts the max-duration timer.
func (r *Registry) MarkConnected(sessionID string) (Snapshot, error) {
	s, ok := r.store.Get(sessionID)
	if !ok {
		return Snapshot{}, ErrNotFound
	}

	s.mu.Lock()
	if err := s.transitionLocked(StatusConnected, r.clock.Now()); err != nil {
		s.mu.Unlock()
		return Snapshot{}, err
	}
	if r.cfg.MaxCallDuration > 0 {
		s.durationTimer = time.AfterFunc(r.cfg.MaxCallDuration, func() {
			r.terminateAsync(sessionID, StatusEnded, ReasonDurationExceeded)
		})
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	r.keys.SessionConnected(sessionID)
	r.logger.Info("call connected", "session_id", sessionID)
	return snap, nil
}

// Reject declines a ringing call.
func (r *Registry) Reject(ctx context.Context, sessionID, userID, reason string) (Snapshot, error) {
	s, ok := r.store.Get(sessionID)
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	if !s.group && userID != s.calleeID && !s.hasParticipant(userID) {
		return Snapshot{}, ErrNotParticipant
	}
	if s.group && !r.isInvited(sessionID, userID) {
		return Snapshot{}, ErrNotParticipant
	}
	if reason == "" {
		reason = ReasonRejected
	}
	snap, err := r.terminate(ctx, s, StatusRejected, reason)
	if err != nil {
		return Snapshot{}, err
	}
	r.cancelRingPush(ctx, sessionID, userID)
	r.metrics.Inc(metrics.CallsRejected)
	return snap, nil
}

// End hangs up a call in any non-terminal state.
func (r *Registry) End(ctx context.Context, sessionID, userID, reason string) (Snapshot, error) {
	s, ok := r.store.Get(sessionID)
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	if !r.mayControl(s, userID) {
		return Snapshot{}, ErrNotParticipant
	}
	if reason == "" {
		reason = ReasonCompleted
	}
	return r.terminate(ctx, s, StatusEnded, reason)
}

// mayControl reports whether userID may end sessionID: any current
// participant, or the invited callee of a still-ringing call.
func (r *Registry) mayControl(s *Session, userID string) bool {
	if s.hasParticipant(userID) {
		return true
	}
	if s.group {
		return r.isInvited(s.id, userID)
	}
	return userID == s.calleeID
}

// EndUserCalls terminates every live session userID takes part in. Called on
// signaling disconnect.
func (r *Registry) EndUserCalls(ctx context.Context, userID, reason string) []Snapshot {
	r.mu.Lock()
	ids := make([]string, 0, len(r.userCalls[userID]))
	for id := range r.userCalls[userID] {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	ended := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		s, ok := r.store.Get(id)
		if !ok {
			continue
		}
		status := StatusEnded
		if s.Status() == StatusRinging {
			status = StatusFailed
		}
		snap, err := r.terminate(ctx, s, status, reason)
		if err != nil {
			continue
		}
		ended = append(ended, snap)
	}
	return ended
}

// Join adds an invited user to a live group call.
func (r *Registry) Join(ctx context.Context, sessionID string, user Peer) (Snapshot, error) {
	s, ok := r.store.Get(sessionID)
	if !ok {
		return Snapshot{}, ErrNotFound
	}

	s.mu.Lock()
	if !s.group {
		s.mu.Unlock()
		return Snapshot{}, ErrInvalidState
	}
	if s.status.Terminal() || s.status == StatusInitializing {
		s.mu.Unlock()
		return Snapshot{}, ErrInvalidState
	}
	if p, ok := s.participants[user.ID]; ok && !p.Left {
		s.mu.Unlock()
		return Snapshot{}, ErrAlreadyInCall
	}
	if !r.isInvited(sessionID, user.ID) {
		s.mu.Unlock()
		return Snapshot{}, ErrNotParticipant
	}
	if s.status == StatusRinging {
		// First joiner answers the group call.
		s.transitionLocked(StatusConnecting, r.clock.Now())
		if s.ringTimer != nil {
			s.ringTimer.Stop()
			s.ringTimer = nil
		}
	}
	s.participants[user.ID] = &Participant{UserID: user.ID, Name: user.Name, JoinedAt: r.clock.Now()}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	r.keys.AddParticipant(sessionID, user.ID)
	r.cancelRingPush(ctx, sessionID, user.ID)
	r.logger.Info("group call joined", "session_id", sessionID, "user_id", user.ID)
	snap.ICEServers = r.ICEServersFor(user.ID, user.Device)
	return snap, nil
}

// Leave removes a participant from a group call. The last one out ends the
// session.
func (r *Registry) Leave(ctx context.Context, sessionID, userID string) (Snapshot, error) {
	s, ok := r.store.Get(sessionID)
	if !ok {
		return Snapshot{}, ErrNotFound
	}

	s.mu.Lock()
	if !s.group {
		s.mu.Unlock()
		return Snapshot{}, ErrInvalidState
	}
	p, ok := s.participants[userID]
	if !ok || p.Left {
		s.mu.Unlock()
		return Snapshot{}, ErrNotParticipant
	}
	p.Left = true
	remaining := 0
	for _, q := range s.participants {
		if !q.Left {
			remaining++
		}
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	r.keys.RemoveParticipant(sessionID, userID)
	r.unindex(userID, sessionID)
	r.logger.Info("group call left", "session_id", sessionID, "user_id", userID, "remaining", remaining)

	if remaining <= 1 {
		return r.terminate(ctx, s, StatusEnded, ReasonCompleted)
	}
	return snap, nil
}

// SetMuted updates a participant's advertised mute state.
func (r *Registry) SetMuted(sessionID, userID string, muted bool) (Snapshot, error) {
	s, ok := r.store.Get(sessionID)
	if !ok {
		return Snapshot{}, ErrNotFound
	}

	s.mu.Lock()
	p, present := s.participants[userID]
	if !present || p.Left {
		s.mu.Unlock()
		return Snapshot{}, ErrNotParticipant
	}
	p.Muted = muted
	snap := s.snapshotLocked()
	s.mu.Unlock()
	return snap, nil
}

// Get returns a snapshot of a live session. Terminated sessions are
// released immediately, so they only exist in the history store.
func (r *Registry) Get(sessionID string) (Snapshot, error) {
	s, ok := r.store.Get(sessionID)
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return s.Snapshot(), nil
}

// Authorize reports whether userID may exchange signaling traffic on
// sessionID.
func (r *Registry) Authorize(sessionID, userID string) error {
	s, ok := r.store.Get(sessionID)
	if !ok {
		return ErrNotFound
	}
	if s.Status().Terminal() {
		return ErrInvalidState
	}
	if s.hasParticipant(userID) {
		return nil
	}
	if !s.group && userID == s.calleeID {
		// The callee may signal before formally answering.
		return nil
	}
	if s.group && r.isInvited(sessionID, userID) {
		return nil
	}
	return ErrNotParticipant
}

// Peers returns the other current participants of sessionID for fan-out.
func (r *Registry) Peers(sessionID, userID string) ([]string, error) {
	s, ok := r.store.Get(sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	peers := s.PeerIDs(userID)
	if !s.group && userID == s.callerID {
		// Before the callee answers they have no participant entry yet.
		found := false
		for _, p := range peers {
			if p == s.calleeID {
				found = true
				break
			}
		}
		if !found {
			peers = append(peers, s.calleeID)
		}
	}
	return peers, nil
}

// ActiveCalls returns every non-terminal session userID takes part in.
func (r *Registry) ActiveCalls(userID string) []Snapshot {
	r.mu.Lock()
	ids := make([]string, 0, len(r.userCalls[userID]))
	for id := range r.userCalls[userID] {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.store.Get(id); ok && !s.Status().Terminal() {
			out = append(out, s.Snapshot())
		}
	}
	return out
}

// RegistryStats is the admin-facing view of the registry.
type RegistryStats struct {
	ActiveSessions int            `json:"active_sessions"`
	StoredSessions int            `json:"stored_sessions"`
	ByStatus       map[string]int `json:"by_status"`
}

func (r *Registry) Stats() RegistryStats {
	stats := RegistryStats{
		ActiveSessions: int(r.activeCount()),
		StoredSessions: r.store.Len(),
		ByStatus:       make(map[string]int),
	}
	r.store.Range(func(s *Session) bool {
		stats.ByStatus[string(s.Status())]++
		return true
	})
	return stats
}

// Run drives the background sweeper until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	interval := r.cfg.SessionSweep
	if interval <= 0 {
		interval = config.DefaultSessionSweep
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
			r.perMinute.Prune()
		}
	}
}

// sweep fails sessions stuck before connection for longer than
// SESSION_TIMEOUT. Ring timeouts have their own timer; this is the backstop
// for timers lost to a crash in their callback.
func (r *Registry) sweep(ctx context.Context) {
	now := r.clock.Now()
	cutoff := now.Add(-r.cfg.SessionTimeout)
	var stale []*Session

	r.store.Range(func(s *Session) bool {
		s.mu.Lock()
		status := s.status
		createdAt := s.createdAt
		s.mu.Unlock()

		switch status {
		case StatusInitializing, StatusRinging, StatusConnecting:
			if createdAt.Before(cutoff) {
				stale = append(stale, s)
			}
		}
		return true
	})

	for _, s := range stale {
		if snap, err := r.terminate(ctx, s, StatusFailed, ReasonSessionTimeout); err == nil {
			r.logger.Warn("swept stale session", "session_id", snap.ID, "status", snap.Status)
			r.eventSink().CallEnded(snap)
		}
	}
}

// Shutdown ends every live session so peers are told before the process
// exits.
func (r *Registry) Shutdown(ctx context.Context) {
	r.store.Range(func(s *Session) bool {
		if !s.Status().Terminal() {
			if snap, err := r.terminate(ctx, s, StatusEnded, ReasonServerShutdown); err == nil {
				r.eventSink().CallEnded(snap)
			}
		}
		return true
	})
}

// handleRingTimeout fires when nobody answered within RING_TIMEOUT.
func (r *Registry) handleRingTimeout(sessionID string) {
	s, ok := r.store.Get(sessionID)
	if !ok {
		return
	}
	if s.Status() != StatusRinging {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.UpstreamTimeout)
	defer cancel()

	snap, err := r.terminate(ctx, s, StatusTimeout, ReasonNoAnswer)
	if err != nil {
		return
	}
	r.metrics.Inc(metrics.CallsTimeout)
	r.logger.Info("call ring timeout", "session_id", sessionID)

	for _, calleeID := range s.ParticipantIDs() {
		if calleeID == snap.CallerID {
			continue
		}
		notice := upstream.CallNotice{
			SessionID: sessionID,
			CallerID:  snap.CallerID,
			CalleeID:  calleeID,
			MediaKind: string(snap.MediaKind),
		}
		r.cancelRingPush(ctx, sessionID, calleeID)
		if err := r.notify.SendMissedCall(ctx, notice); err != nil {
			r.logger.Warn("missed-call notification failed", "session_id", sessionID, "error", err)
		}
	}
	if !snap.Group && snap.CalleeID != "" {
		notice := upstream.CallNotice{
			SessionID: sessionID,
			CallerID:  snap.CallerID,
			CalleeID:  snap.CalleeID,
			MediaKind: string(snap.MediaKind),
		}
		r.cancelRingPush(ctx, sessionID, snap.CalleeID)
		if err := r.notify.SendMissedCall(ctx, notice); err != nil {
			r.logger.Warn("missed-call notification failed", "session_id", sessionID, "error", err)
		}
	}
	r.eventSink().CallTimedOut(snap)
}

// cancelRingPush withdraws the incoming-call push once calleeID's ring is
// over, whatever ended it. Best effort, like the sends.
func (r *Registry) cancelRingPush(ctx context.Context, sessionID, calleeID string) {
	if err := r.notify.CancelIncomingCall(ctx, sessionID, calleeID); err != nil {
		r.logger.Warn("incoming-call cancellation failed",
			"session_id", sessionID, "callee_id", calleeID, "error", err)
	}
}

// ICEServersFor asks the issuer for userID's STUN/TURN list. Issuance
// failures degrade to an empty list rather than failing the call operation.
func (r *Registry) ICEServersFor(userID, deviceID string) []webrtc.ICEServer {
	servers, err := r.ice.Servers(userID, deviceID)
	if err != nil {
		r.logger.Warn("ice server issuance failed", "user_id", userID, "error", err)
		return nil
	}
	return servers
}

// terminateAsync is the timer-callback variant of terminate.
func (r *Registry) terminateAsync(sessionID string, status Status, reason string) {
	s, ok := r.store.Get(sessionID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.UpstreamTimeout)
	defer cancel()
	if snap, err := r.terminate(ctx, s, status, reason); err == nil {
		r.logger.Info("call terminated", "session_id", sessionID, "reason", reason)
		r.eventSink().CallEnded(snap)
	}
}

// terminate moves s to a terminal status exactly once, then releases every
// resource tied to it: timers, key context, user index, capacity slot. The
// terminal record is written to history before returning.
func (r *Registry) terminate(ctx context.Context, s *Session, status Status, reason string) (Snapshot, error) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return Snapshot{}, ErrInvalidState
	}
	wasConnected := s.status == StatusConnected
	if err := s.transitionLocked(status, r.clock.Now()); err != nil {
		s.mu.Unlock()
		return Snapshot{}, err
	}
	s.endReason = reason
	s.stopTimersLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	// The registry entry is released at termination: a second hang-up or a
	// stats lookup on an ended call answers not-found, and only the history
	// store remembers the session.
	r.store.Delete(s.id)
	r.keys.DestroyContext(s.id)

	r.mu.Lock()
	for userID, sessions := range r.userCalls {
		if _, ok := sessions[s.id]; ok {
			delete(sessions, s.id)
			if len(sessions) == 0 {
				delete(r.userCalls, userID)
			}
		}
	}
	if r.active > 0 {
		r.active--
	}
	r.mu.Unlock()

	r.metrics.Inc(metrics.CallsEnded)
	r.metrics.SetGauge(metrics.ActiveCalls, r.activeCount())
	if wasConnected {
		r.metrics.Observe(metrics.CallDurationSeconds, snap.EndedAt.Sub(snap.ConnectedAt).Seconds())
	}

	rec := upstream.CallRecord{
		SessionID: snap.ID,
		CallerID:  snap.CallerID,
		CalleeID:  snap.CalleeID,
		MediaKind: string(snap.MediaKind),
		Status:    string(snap.Status),
		Reason:    reason,
		StartedAt: snap.CreatedAt,
		EndedAt:   snap.EndedAt,
	}
	if snap.Group {
		for _, p := range snap.Participants {
			rec.Participants = append(rec.Participants, p.UserID)
		}
	}
	if wasConnected {
		rec.Duration = snap.EndedAt.Sub(snap.ConnectedAt)
	}
	if err := r.history.RecordCall(ctx, rec); err != nil {
		r.logger.Warn("call history write failed", "session_id", snap.ID, "error", err)
	}

	return snap, nil
}

func (r *Registry) activeCount() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return float64(r.active)
}

// indexLocked adds sessionID under userID. Caller holds r.mu.
func (r *Registry) indexLocked(userID, sessionID string) {
	if r.userCalls[userID] == nil {
		r.userCalls[userID] = make(map[string]struct{})
	}
	r.userCalls[userID][sessionID] = struct{}{}
}

func (r *Registry) unindex(userID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sessions, ok := r.userCalls[userID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.userCalls, userID)
		}
	}
}

// isInvited reports whether userID was indexed at creation or join time for
// sessionID. Group invitations live in the user index.
func (r *Registry) isInvited(sessionID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.userCalls[userID][sessionID]
	return ok
}
