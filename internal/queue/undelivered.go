// Package queue holds per-user FIFOs of payloads that could not be
// delivered because the user had no live connection.
//
// The queue is bounded only by memory and disabled entirely by
// configuration, in which case undeliverable payloads are dropped with a
// log line at the call site.
package queue

import (
	"sync"

	"github.com/scatter-server/scatter/internal/payload"
)

// Undelivered is safe for concurrent use; a single lock covers the map.
type Undelivered struct {
	mu      sync.Mutex
	enabled bool
	byUser  map[uint64][]*payload.Payload
}

// New creates the store. When enabled is false every Push is a no-op and
// Drain always returns nil.
func New(enabled bool) *Undelivered {
	return &Undelivered{
		enabled: enabled,
		byUser:  make(map[uint64][]*payload.Payload),
	}
}

// Enabled reports whether queuing is switched on.
func (q *Undelivered) Enabled() bool { return q.enabled }

// Push appends a payload to the user's FIFO. The caller passes the
// per-recipient clone (recipients already rewritten to [user]); the
// payload is stored whole so its id survives the round trip.
func (q *Undelivered) Push(user uint64, p *payload.Payload) bool {
	if !q.enabled {
		return false
	}
	q.mu.Lock()
	q.byUser[user] = append(q.byUser[user], p)
	q.mu.Unlock()
	return true
}

// Drain removes and returns the user's queued payloads in arrival order.
func (q *Undelivered) Drain(user uint64) []*payload.Payload {
	if !q.enabled {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.byUser[user]
	delete(q.byUser, user)
	return out
}

// Len returns the user's queue depth.
func (q *Undelivered) Len(user uint64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byUser[user])
}

// Depth returns the total number of queued payloads across all users.
func (q *Undelivered) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, l := range q.byUser {
		total += len(l)
	}
	return total
}
