// Package registry tracks which connections belong to which user, plus
// the pong-wait table the liveness watchdog sweeps.
//
// Layout: {user id → {connection id → Conn}}. One user may own many
// concurrent connections. The only way a connection enters is Add, so
// every registered connection has a user id by construction.
package registry

import (
	"sync"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
)

// Conn is the registry's view of a live connection. *transport.Conn
// satisfies it; tests substitute in-memory fakes.
type Conn interface {
	ID() uint64
	User() uint64
	Send(data []byte, done func(error))
	Ping() error
	Close(status ws.StatusCode, reason string) error
}

// VisitFunc is invoked for each of a user's connections under the
// registry lock. idx is a stable per-iteration index for logging.
type VisitFunc func(idx int, conn Conn, connID, userID uint64)

// MissingFunc is invoked when a slot holds a nil connection; the slot is
// removed before the callback fires.
type MissingFunc func(userID, connID uint64)

// pongEntry tracks one pinged connection awaiting its pong.
type pongEntry struct {
	user     uint64
	conn     Conn
	received bool
}

// Registry is safe for concurrent use. The connection map and the
// pong-wait table are guarded by separate locks so the watchdog sweep
// does not contend with fan-out.
type Registry struct {
	mu    sync.RWMutex
	users map[uint64]map[uint64]Conn

	pongMu sync.Mutex
	pongs  map[uint64]*pongEntry

	logger zerolog.Logger
}

// New creates an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		users:  make(map[uint64]map[uint64]Conn),
		pongs:  make(map[uint64]*pongEntry),
		logger: logger,
	}
}

// Add inserts a connection under the given user.
func (r *Registry) Add(userID uint64, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.users[userID]
	if conns == nil {
		conns = make(map[uint64]Conn)
		r.users[userID] = conns
	}
	conns[conn.ID()] = conn

	r.logger.Debug().
		Uint64("user_id", userID).
		Uint64("conn_id", conn.ID()).
		Int("user_connections", len(conns)).
		Msg("Connection registered")
}

// Remove deletes one connection slot. Idempotent.
func (r *Registry) Remove(userID, connID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(userID, connID)
}

// RemoveConn deletes the connection using its own user binding. Idempotent.
func (r *Registry) RemoveConn(conn Conn) {
	r.Remove(conn.User(), conn.ID())
}

func (r *Registry) removeLocked(userID, connID uint64) {
	conns, ok := r.users[userID]
	if !ok {
		return
	}
	if _, ok := conns[connID]; !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.users, userID)
	}
	r.logger.Debug().
		Uint64("user_id", userID).
		Uint64("conn_id", connID).
		Msg("Connection removed")
}

// Count returns the number of live connections for a user.
func (r *Registry) Count(userID uint64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// TotalConnections returns the number of connections across all users.
func (r *Registry) TotalConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, conns := range r.users {
		total += len(conns)
	}
	return total
}

// Users returns a snapshot of all user ids with at least one connection.
func (r *Registry) Users() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uint64, 0, len(r.users))
	for u := range r.users {
		out = append(out, u)
	}
	return out
}

// Get returns a snapshot of a user's connections.
func (r *Registry) Get(userID uint64) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.users[userID]
	out := make([]Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// ForEach iterates a user's connections under the registry lock. A nil
// slot is dropped and reported through onMissing instead of visit.
func (r *Registry) ForEach(userID uint64, visit VisitFunc, onMissing MissingFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.users[userID]
	idx := 0
	for connID, conn := range conns {
		if conn == nil {
			r.removeLocked(userID, connID)
			if onMissing != nil {
				onMissing(userID, connID)
			}
			continue
		}
		if visit != nil {
			visit(idx, conn, connID, userID)
		}
		idx++
	}
}

// Verify issues a ping to every registered connection and arms the
// pong-wait table. Only pings that enqueue successfully are recorded as
// waiting; a connection that cannot even queue a control frame will be
// caught by its own transport error path.
func (r *Registry) Verify() int {
	r.mu.RLock()
	snapshot := make([]Conn, 0, 64)
	for _, conns := range r.users {
		for _, c := range conns {
			snapshot = append(snapshot, c)
		}
	}
	r.mu.RUnlock()

	armed := 0
	r.pongMu.Lock()
	defer r.pongMu.Unlock()
	for _, c := range snapshot {
		if err := c.Ping(); err != nil {
			r.logger.Warn().
				Err(err).
				Uint64("conn_id", c.ID()).
				Uint64("user_id", c.User()).
				Msg("Ping enqueue failed")
			continue
		}
		r.pongs[c.ID()] = &pongEntry{user: c.User(), conn: c}
		armed++
	}
	return armed
}

// MarkPongReceived flags the connection as alive for the current sweep.
// A pong with no matching entry (e.g. after a sweep already drained it)
// is ignored.
func (r *Registry) MarkPongReceived(conn Conn) {
	r.pongMu.Lock()
	defer r.pongMu.Unlock()
	if e, ok := r.pongs[conn.ID()]; ok {
		e.received = true
	}
}

// ReapWithoutPong atomically drains the pong-wait table and closes every
// connection whose flag is still false with (status, reason), removing it
// from the registry. Returns the number of connections reaped.
func (r *Registry) ReapWithoutPong(status ws.StatusCode, reason string) int {
	r.pongMu.Lock()
	drained := r.pongs
	r.pongs = make(map[uint64]*pongEntry)
	r.pongMu.Unlock()

	reaped := 0
	for connID, e := range drained {
		if e.received {
			continue
		}
		r.logger.Info().
			Uint64("user_id", e.user).
			Uint64("conn_id", connID).
			Int("status", int(status)).
			Msg("Reaping silent connection")
		e.conn.Close(status, reason)
		r.Remove(e.user, connID)
		reaped++
	}
	return reaped
}
