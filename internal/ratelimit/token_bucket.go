package ratelimit

import (
	"sync"
	"time"
)

// nanoPerToken is the fixed-point scale: one token is 1e9 nano-tokens, so a
// refill rate of N tokens/sec adds exactly N nano-tokens per elapsed
// nanosecond without float rounding.
const nanoPerToken = int64(time.Second)

// TokenBucket throttles one signaling connection: a client may burst up to
// capacity messages, then is held to perSecond. Each Allow spends one token.
//
// A zero capacity or rate never admits anything; callers that want an
// unlimited connection skip the bucket instead.
type TokenBucket struct {
	mu sync.Mutex

	clock     Clock
	capacity  int64 // nano-tokens
	perSecond int64 // tokens/sec

	avail int64 // nano-tokens
	last  time.Time
}

func NewTokenBucket(clock Clock, capacity, perSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if perSecond < 0 {
		perSecond = 0
	}
	capNano := saturatingScale(capacity)
	return &TokenBucket{
		clock:     clock,
		capacity:  capNano,
		perSecond: perSecond,
		avail:     capNano,
		last:      clock.Now(),
	}
}

// Allow spends one token, reporting whether the message is within budget.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.avail < nanoPerToken {
		return false
	}
	b.avail -= nanoPerToken
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.perSecond <= 0 || b.avail >= b.capacity {
		return
	}
	// elapsed * perSecond can overflow after a long idle stretch; any gap
	// long enough to fill the bucket just clamps to capacity.
	need := b.capacity - b.avail
	if elapsed >= need/b.perSecond {
		b.avail = b.capacity
		return
	}
	b.avail += elapsed * b.perSecond
}

func saturatingScale(tokens int64) int64 {
	const maxInt64 = int64(^uint64(0) >> 1)
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
