// Package stats keeps per-user delivery counters for the REST surface.
//
// A record is created on first touch and lives for the process lifetime.
// The map lock is only taken to find or create a record; the counters
// themselves are atomics so the fan-out completion path increments
// without contention.
package stats

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// timeLayout matches the payload timestamp format so the REST dump and
// the wire envelopes render timestamps identically.
const timeLayout = "2006-01-02T15:04:05.000000-07:00"

// Record holds one user's counters. All fields are manipulated
// atomically; timestamps store unix nanoseconds.
type Record struct {
	connects       uint64
	disconnects    uint64
	bytes          uint64
	sent           uint64
	received       uint64
	lastMessage    int64
	lastConnect    int64
	lastDisconnect int64
}

// Snapshot is the externally visible form of a record.
type Snapshot struct {
	UserID           uint64 `json:"userId"`
	ConnectCount     uint64 `json:"connectCount"`
	DisconnectCount  uint64 `json:"disconnectCount"`
	BytesTransferred uint64 `json:"bytesTransferred"`
	Sent             uint64 `json:"sent"`
	Received         uint64 `json:"received"`
	LastMessageAt    string `json:"lastMessageAt,omitempty"`
	LastConnectAt    string `json:"lastConnectAt,omitempty"`
	LastDisconnectAt string `json:"lastDisconnectAt,omitempty"`
}

// Store maps user ids to records. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	records map[uint64]*Record
}

// New creates an empty store.
func New() *Store {
	return &Store{records: make(map[uint64]*Record)}
}

func (s *Store) record(user uint64) *Record {
	s.mu.RLock()
	r, ok := s.records[user]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.records[user]; ok {
		return r
	}
	r = &Record{}
	s.records[user] = r
	return r
}

// Connected bumps the connect counter and stamps last_connect_at.
func (s *Store) Connected(user uint64) {
	r := s.record(user)
	atomic.AddUint64(&r.connects, 1)
	atomic.StoreInt64(&r.lastConnect, time.Now().UnixNano())
}

// Disconnected bumps the disconnect counter and stamps last_disconnect_at.
func (s *Store) Disconnected(user uint64) {
	r := s.record(user)
	atomic.AddUint64(&r.disconnects, 1)
	atomic.StoreInt64(&r.lastDisconnect, time.Now().UnixNano())
}

// Sent records a completed send by the originating user: one message and
// its wire size. Called once per recipient on first delivery.
func (s *Store) Sent(user uint64, bytes int) {
	r := s.record(user)
	atomic.AddUint64(&r.sent, 1)
	atomic.AddUint64(&r.bytes, uint64(bytes))
	atomic.StoreInt64(&r.lastMessage, time.Now().UnixNano())
}

// Received records a payload delivered to one of the user's connections.
// Incremented per connection actually delivered.
func (s *Store) Received(user uint64) {
	r := s.record(user)
	atomic.AddUint64(&r.received, 1)
	atomic.StoreInt64(&r.lastMessage, time.Now().UnixNano())
}

// Get returns the user's snapshot. Unknown users yield a zero-valued
// record rather than an error.
func (s *Store) Get(user uint64) Snapshot {
	s.mu.RLock()
	r, ok := s.records[user]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{UserID: user}
	}
	return r.snapshot(user)
}

// All returns snapshots for every known user.
func (s *Store) All() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.records))
	for user, r := range s.records {
		out = append(out, r.snapshot(user))
	}
	return out
}

// MarshalJSON dumps the whole map keyed by user id, the shape the
// GET /stats endpoint serves.
func (s *Store) MarshalJSON() ([]byte, error) {
	all := s.All()
	byUser := make(map[uint64]Snapshot, len(all))
	for _, snap := range all {
		byUser[snap.UserID] = snap
	}
	return json.Marshal(byUser)
}

func (r *Record) snapshot(user uint64) Snapshot {
	return Snapshot{
		UserID:           user,
		ConnectCount:     atomic.LoadUint64(&r.connects),
		DisconnectCount:  atomic.LoadUint64(&r.disconnects),
		BytesTransferred: atomic.LoadUint64(&r.bytes),
		Sent:             atomic.LoadUint64(&r.sent),
		Received:         atomic.LoadUint64(&r.received),
		LastMessageAt:    stamp(atomic.LoadInt64(&r.lastMessage)),
		LastConnectAt:    stamp(atomic.LoadInt64(&r.lastConnect)),
		LastDisconnectAt: stamp(atomic.LoadInt64(&r.lastDisconnect)),
	}
}

func stamp(ns int64) string {
	if ns == 0 {
		return ""
	}
	return time.Unix(0, ns).Format(timeLayout)
}
