// Package limits rate-limits inbound messages per connection.
//
// Token bucket via golang.org/x/time/rate: the sustained rate comes from
// configuration, the burst is twice the rate so short flurries pass while
// a flooding client gets its frames dropped before they reach fan-out.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// entryTTL controls when idle per-connection buckets are collected.
const entryTTL = 5 * time.Minute

type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// MessageLimiter holds one bucket per connection id. A zero or negative
// rate disables limiting entirely.
type MessageLimiter struct {
	mu      sync.Mutex
	buckets map[uint64]*entry

	perSecond float64
	burst     int

	stop    chan struct{}
	stopped sync.Once
	logger  zerolog.Logger
}

// NewMessageLimiter creates the limiter. perSecond <= 0 returns a
// pass-through limiter that never rejects.
func NewMessageLimiter(perSecond float64, logger zerolog.Logger) *MessageLimiter {
	ml := &MessageLimiter{
		buckets:   make(map[uint64]*entry),
		perSecond: perSecond,
		burst:     int(perSecond * 2),
		stop:      make(chan struct{}),
		logger:    logger.With().Str("component", "message_limiter").Logger(),
	}
	if ml.burst < 1 {
		ml.burst = 1
	}
	if perSecond > 0 {
		go ml.cleanupLoop()
	}
	return ml
}

// Allow reports whether the connection may submit another message now.
func (ml *MessageLimiter) Allow(connID uint64) bool {
	if ml.perSecond <= 0 {
		return true
	}

	ml.mu.Lock()
	e, ok := ml.buckets[connID]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(ml.perSecond), ml.burst)}
		ml.buckets[connID] = e
	}
	e.lastAccess = time.Now()
	ml.mu.Unlock()

	allowed := e.limiter.Allow()
	if !allowed {
		ml.logger.Debug().
			Uint64("conn_id", connID).
			Float64("rate", ml.perSecond).
			Msg("Message rate limit exceeded")
	}
	return allowed
}

// Remove drops the connection's bucket. Called on disconnect.
func (ml *MessageLimiter) Remove(connID uint64) {
	if ml.perSecond <= 0 {
		return
	}
	ml.mu.Lock()
	delete(ml.buckets, connID)
	ml.mu.Unlock()
}

// Stop terminates the cleanup goroutine. Idempotent.
func (ml *MessageLimiter) Stop() {
	ml.stopped.Do(func() { close(ml.stop) })
}

func (ml *MessageLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ml.cleanup()
		case <-ml.stop:
			return
		}
	}
}

func (ml *MessageLimiter) cleanup() {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	now := time.Now()
	for id, e := range ml.buckets {
		if now.Sub(e.lastAccess) > entryTTL {
			delete(ml.buckets, id)
		}
	}
}
