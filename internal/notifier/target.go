package notifier

import (
	"time"

	"github.com/scatter-server/scatter/internal/payload"
)

// Target is a pluggable delivery sink for mirrored payloads. Send is
// synchronous from the worker's perspective and may block within the
// target's own timeout.
type Target interface {
	// Send delivers one payload; nil means the sink acknowledged it.
	Send(p *payload.Payload) error

	// Type is a stable identifier used in logs and metrics.
	Type() string

	// IsValid reports whether construction succeeded. Invalid targets
	// are fatal at startup.
	IsValid() bool

	// ErrorMessage describes why construction failed.
	ErrorMessage() string

	// Fallbacks returns the alternates tried after retries exhaust.
	Fallbacks() []Target
}

// SendStatus is one unit of notifier work: a payload bound to its
// current target, with retry accounting and the remaining fallback
// chain. Mutated only by the worker that drained it.
type SendStatus struct {
	Target      Target
	Payload     *payload.Payload
	Attempts    int
	LastAttempt time.Time
	Chain       []Target
	LastError   error
}
