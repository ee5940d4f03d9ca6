package notifier

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/scatter-server/scatter/internal/payload"
)

// NATSTarget publishes the payload's wire form to a subject. Success is
// publish plus flush without a broker error.
type NATSTarget struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration

	fallbacks []Target
	errMsg    string
}

// NewNATSTarget connects to the broker at construction time. A failed
// connection yields an invalid target.
func NewNATSTarget(url, subject string, timeout time.Duration, fallbacks []Target) *NATSTarget {
	t := &NATSTarget{
		subject:   subject,
		timeout:   timeout,
		fallbacks: fallbacks,
	}
	if timeout <= 0 {
		t.timeout = defaultTargetTimeout
	}
	if subject == "" {
		t.errMsg = "nats target: subject is required"
		return t
	}

	conn, err := nats.Connect(url,
		nats.Name("scatter-notifier"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		t.errMsg = fmt.Sprintf("nats target: connect %s: %v", url, err)
		return t
	}
	t.conn = conn
	return t
}

func (t *NATSTarget) Send(p *payload.Payload) error {
	wire := p.Wire()
	if wire == nil {
		return fmt.Errorf("nats target: payload failed to serialize")
	}
	if err := t.conn.Publish(t.subject, wire); err != nil {
		return fmt.Errorf("nats target: publish: %w", err)
	}
	if err := t.conn.FlushTimeout(t.timeout); err != nil {
		return fmt.Errorf("nats target: flush: %w", err)
	}
	return nil
}

// Close drains the connection. Called during shutdown.
func (t *NATSTarget) Close() {
	if t.conn != nil {
		t.conn.Close()
	}
}

func (t *NATSTarget) Type() string         { return "nats" }
func (t *NATSTarget) IsValid() bool        { return t.errMsg == "" }
func (t *NATSTarget) ErrorMessage() string { return t.errMsg }
func (t *NATSTarget) Fallbacks() []Target  { return t.fallbacks }
