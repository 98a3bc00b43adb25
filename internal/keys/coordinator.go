// Package keys coordinates end-to-end media encryption for call sessions.
// The server never sees media plaintext: clients exchange their own key
// material through the signaling relay, while this coordinator contributes
// per-epoch key material derived from a per-epoch seed and schedules periodic
// rotation so long calls never run a single key for hours.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/securevox/call-server/internal/metrics"
)

// Algorithm advertised to clients alongside key material.
const Algorithm = "SFrame-AES-GCM-256"

const (
	seedLen = 32
	keyLen  = 32
)

var (
	ErrNoContext      = errors.New("no key context for session")
	ErrNotParticipant = errors.New("user has no key slot in session")
)

// Event is one participant's key material for one epoch. Material is unique
// per participant so a leaked slot never exposes another sender's keys.
type Event struct {
	SessionID string
	UserID    string
	KeyID     uint32
	Material  []byte
	Algorithm string
	RotatedAt time.Time
}

// DeliverFunc pushes an Event to a connected user. Implemented by the
// signaling hub; must not block.
type DeliverFunc func(userID string, ev Event)

type keyContext struct {
	sessionID    string
	seed         []byte
	keyID        uint32
	participants map[string]struct{}
	connected    bool
	rotateTimer  *time.Timer
}

// Coordinator owns one key context per live session. It is driven entirely
// by the call registry: contexts appear on session creation and vanish on
// termination.
type Coordinator struct {
	interval time.Duration
	deliver  DeliverFunc
	metrics  *metrics.Metrics
	logger   *slog.Logger
	randSrc  io.Reader
	now      func() time.Time

	mu       sync.Mutex
	contexts map[string]*keyContext
}

type Options struct {
	// Rand overrides the seed source; nil means crypto/rand.
	Rand io.Reader
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

func NewCoordinator(rotationInterval time.Duration, deliver DeliverFunc, m *metrics.Metrics, logger *slog.Logger, opts Options) *Coordinator {
	if deliver == nil {
		deliver = func(string, Event) {}
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		interval: rotationInterval,
		deliver:  deliver,
		metrics:  m,
		logger:   logger,
		randSrc:  opts.Rand,
		now:      opts.Now,
		contexts: make(map[string]*keyContext),
	}
}

// SetDeliver wires the signaling hub in after construction.
func (c *Coordinator) SetDeliver(deliver DeliverFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if deliver != nil {
		c.deliver = deliver
	}
}

// CreateContext allocates a fresh seed for a new session.
func (c *Coordinator) CreateContext(sessionID string, participantIDs []string) {
	seed := make([]byte, seedLen)
	if _, err := io.ReadFull(c.randSrc, seed); err != nil {
		c.logger.Error("key seed generation failed", "session_id", sessionID, "error", err)
		return
	}

	kc := &keyContext{
		sessionID:    sessionID,
		seed:         seed,
		keyID:        1,
		participants: make(map[string]struct{}, len(participantIDs)),
	}
	for _, id := range participantIDs {
		kc.participants[id] = struct{}{}
	}

	c.mu.Lock()
	c.contexts[sessionID] = kc
	c.mu.Unlock()
}

func (c *Coordinator) AddParticipant(sessionID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kc, ok := c.contexts[sessionID]; ok {
		kc.participants[userID] = struct{}{}
	}
}

// RemoveParticipant drops a user's key slot and rotates immediately so the
// departed member cannot decrypt future media.
func (c *Coordinator) RemoveParticipant(sessionID, userID string) {
	c.mu.Lock()
	kc, ok := c.contexts[sessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(kc.participants, userID)
	c.mu.Unlock()

	if _, err := c.Rotate(sessionID); err != nil {
		c.logger.Warn("post-leave key rotation failed", "session_id", sessionID, "error", err)
	}
}

// SessionConnected delivers the first key epoch and starts the rotation
// schedule. Called once when the media path is established.
func (c *Coordinator) SessionConnected(sessionID string) {
	c.mu.Lock()
	kc, ok := c.contexts[sessionID]
	if !ok || kc.connected {
		c.mu.Unlock()
		return
	}
	kc.connected = true
	if c.interval > 0 {
		kc.rotateTimer = time.AfterFunc(c.interval, func() { c.rotateAndReschedule(sessionID) })
	}
	events := c.epochEventsLocked(kc)
	c.mu.Unlock()

	for _, ev := range events {
		c.deliver(ev.UserID, ev)
	}
}

// DestroyContext wipes a session's seed and cancels its rotation schedule.
func (c *Coordinator) DestroyContext(sessionID string) {
	c.mu.Lock()
	kc, ok := c.contexts[sessionID]
	if ok {
		if kc.rotateTimer != nil {
			kc.rotateTimer.Stop()
		}
		for i := range kc.seed {
			kc.seed[i] = 0
		}
		delete(c.contexts, sessionID)
	}
	c.mu.Unlock()
}

// Rotate advances a session to the next key epoch and delivers fresh
// material to every participant. Clients may also request this explicitly.
// Each epoch gets its own seed, so a member who left before the rotation
// has nothing to derive the new material from.
func (c *Coordinator) Rotate(sessionID string) (uint32, error) {
	seed := make([]byte, seedLen)
	if _, err := io.ReadFull(c.randSrc, seed); err != nil {
		return 0, fmt.Errorf("rotation seed: %w", err)
	}

	c.mu.Lock()
	kc, ok := c.contexts[sessionID]
	if !ok {
		c.mu.Unlock()
		return 0, ErrNoContext
	}
	for i := range kc.seed {
		kc.seed[i] = 0
	}
	kc.seed = seed
	kc.keyID++
	keyID := kc.keyID
	events := c.epochEventsLocked(kc)
	c.mu.Unlock()

	for _, ev := range events {
		c.deliver(ev.UserID, ev)
	}
	c.metrics.Inc(metrics.KeyRotations)
	c.logger.Debug("key epoch rotated", "session_id", sessionID, "key_id", keyID)
	return keyID, nil
}

// Material derives one participant's key for the current epoch without
// advancing it. Used when a reconnecting client asks for its keys again.
func (c *Coordinator) Material(sessionID, userID string) (Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kc, ok := c.contexts[sessionID]
	if !ok {
		return Event{}, ErrNoContext
	}
	if _, ok := kc.participants[userID]; !ok {
		return Event{}, ErrNotParticipant
	}
	return c.eventLocked(kc, userID), nil
}

// HasContext reports whether sessionID has a live key context.
func (c *Coordinator) HasContext(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.contexts[sessionID]
	return ok
}

func (c *Coordinator) rotateAndReschedule(sessionID string) {
	if _, err := c.Rotate(sessionID); err != nil {
		return
	}
	c.mu.Lock()
	if kc, ok := c.contexts[sessionID]; ok && c.interval > 0 {
		kc.rotateTimer = time.AfterFunc(c.interval, func() { c.rotateAndReschedule(sessionID) })
	}
	c.mu.Unlock()
}

// epochEventsLocked derives this epoch's material for every participant.
// Caller holds c.mu.
func (c *Coordinator) epochEventsLocked(kc *keyContext) []Event {
	events := make([]Event, 0, len(kc.participants))
	for userID := range kc.participants {
		events = append(events, c.eventLocked(kc, userID))
	}
	return events
}

func (c *Coordinator) eventLocked(kc *keyContext, userID string) Event {
	info := fmt.Sprintf("securevox:%s:%d:%s", kc.sessionID, kc.keyID, userID)
	material := make([]byte, keyLen)
	r := hkdf.New(sha256.New, kc.seed, nil, []byte(info))
	if _, err := io.ReadFull(r, material); err != nil {
		// hkdf only errors past its output limit; keyLen is far below it.
		c.logger.Error("key derivation failed", "session_id", kc.sessionID, "error", err)
	}
	return Event{
		SessionID: kc.sessionID,
		UserID:    userID,
		KeyID:     kc.keyID,
		Material:  material,
		Algorithm: Algorithm,
		RotatedAt: c.now(),
	}
}
