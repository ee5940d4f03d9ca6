// Package ident emits process-unique 128-bit message identifiers.
//
// An ID is cheap to generate and monotone-ish within a process, which is
// all echo/acknowledgement correlation needs. It is NOT a cryptographic
// UUID; collision probability is bounded empirically by the layout below.
package ident

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fragEvery controls how often the uuid fragment is rotated.
// Rotating every 1000 emissions keeps Next() at roughly counter-increment
// cost while still decorrelating IDs across bursts.
const fragEvery = 1000

// ID is a 128-bit message identifier laid out as
// (unix seconds, uuid fragment, low 16 bits of pid, counter).
type ID struct {
	Seconds  uint32
	Fragment uint32
	PID      uint16
	Counter  uint32
}

// String renders the canonical form: four hex groups separated by hyphens,
// e.g. "68aa01f3-9c3b21e0-4f11-0000002a".
func (id ID) String() string {
	return fmt.Sprintf("%08x-%08x-%04x-%08x", id.Seconds, id.Fragment, id.PID, id.Counter)
}

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Generator produces IDs. Safe for concurrent use; there is one
// process-wide instance in practice but tests create their own.
type Generator struct {
	mu       sync.Mutex
	counter  uint32
	fragment uint32
	pid      uint16
}

// NewGenerator creates a generator seeded with a fresh uuid fragment.
func NewGenerator() *Generator {
	return &Generator{
		fragment: newFragment(),
		pid:      uint16(os.Getpid()),
	}
}

// Next returns the next identifier. The uuid fragment is regenerated every
// fragEvery calls and when the counter wraps at 2^32-1.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.counter%fragEvery == 0 {
		g.fragment = newFragment()
	}

	id := ID{
		Seconds:  uint32(time.Now().Unix()),
		Fragment: g.fragment,
		PID:      g.pid,
		Counter:  g.counter,
	}

	if g.counter == ^uint32(0) {
		// Counter wrap: restart at zero with a fresh fragment so the
		// (fragment, counter) pair never repeats within a second.
		g.counter = 0
		g.fragment = newFragment()
	} else {
		g.counter++
	}

	return id
}

// newFragment derives 32 bits of randomness from a v4 UUID.
func newFragment() uint32 {
	u := uuid.New()
	return binary.BigEndian.Uint32(u[:4])
}
