// Package assembler reassembles fragmented WebSocket messages.
//
// Buffers are keyed by (user id, connection id) so two simultaneous
// connections of the same user can interleave fragmented messages without
// corrupting each other.
package assembler

import (
	"bytes"
	"errors"
	"sync"
)

// ErrTooLarge is returned when an assembled message would exceed the
// configured maximum. The caller closes the connection with status 1009.
var ErrTooLarge = errors.New("assembler: message exceeds maximum size")

// ErrNoFragment is returned when a continuation arrives with no open
// fragment sequence for that connection.
var ErrNoFragment = errors.New("assembler: continuation without initial fragment")

// Key identifies one fragment stream.
type Key struct {
	User uint64
	Conn uint64
}

// Assembler accumulates fragment payloads per stream. Safe for concurrent
// use; one lock covers the buffer map, matching the ingress rate.
type Assembler struct {
	mu   sync.Mutex
	bufs map[Key]*bytes.Buffer
	max  int64
}

// New creates an assembler enforcing the given maximum assembled size.
// max <= 0 disables the cap.
func New(max int64) *Assembler {
	return &Assembler{
		bufs: make(map[Key]*bytes.Buffer),
		max:  max,
	}
}

// Max returns the configured size cap.
func (a *Assembler) Max() int64 { return a.max }

// Begin starts a new fragment sequence, discarding any previous partial
// state for the stream.
func (a *Assembler) Begin(k Key, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf := a.bufs[k]
	if buf == nil {
		buf = &bytes.Buffer{}
		a.bufs[k] = buf
	}
	buf.Reset()
	return a.writeLocked(k, buf, data)
}

// Append adds a continuation fragment.
func (a *Assembler) Append(k Key, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf, ok := a.bufs[k]
	if !ok {
		return ErrNoFragment
	}
	return a.writeLocked(k, buf, data)
}

// Finish appends the final fragment and returns the assembled message,
// clearing the stream's buffer.
func (a *Assembler) Finish(k Key, data []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf, ok := a.bufs[k]
	if !ok {
		return nil, ErrNoFragment
	}
	if err := a.writeLocked(k, buf, data); err != nil {
		return nil, err
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	delete(a.bufs, k)
	return out, nil
}

// Drop discards any partial state for the stream. Called on disconnect.
func (a *Assembler) Drop(k Key) {
	a.mu.Lock()
	delete(a.bufs, k)
	a.mu.Unlock()
}

// Pending reports whether the stream has an open fragment sequence.
func (a *Assembler) Pending(k Key) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.bufs[k]
	return ok
}

func (a *Assembler) writeLocked(k Key, buf *bytes.Buffer, data []byte) error {
	if a.max > 0 && int64(buf.Len())+int64(len(data)) > a.max {
		delete(a.bufs, k)
		return ErrTooLarge
	}
	buf.Write(data)
	return nil
}
