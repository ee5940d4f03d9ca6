// Package payload implements the JSON message envelope exchanged with
// clients and mirrored to event targets.
//
// Wire form (UTF-8 JSON, one envelope per WebSocket message):
//
//	{"id":"...","type":"text","sender":17,"recipients":[42,99],
//	 "text":"hi","data":{"k":"v"},"timestamp":"2026-08-24T10:15:30.123456+00:00"}
//
// Required fields: type, sender, recipients. "text" is required and
// non-empty only for type "text". "data" is opaque and passed through.
package payload

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/scatter-server/scatter/internal/ident"
)

// Bot is the synthetic user id 0. It never owns a connection: messages
// from the bot originate server-side, messages addressed only to the bot
// are dispatched through the event notifier alone.
const Bot uint64 = 0

// Well-known payload types. The vocabulary is open; these are the ones
// the relay itself interprets.
const (
	TypeText                 = "text"
	TypeBinary               = "binary"
	TypeNotificationReceived = "notification_received"
)

// timestampLayout is ISO-8601 with fractional seconds and a numeric offset.
const timestampLayout = "2006-01-02T15:04:05.000000-07:00"

// envelope is the wire representation. Sender is a pointer so a missing
// field is distinguishable from the bot id 0.
type envelope struct {
	ID         string          `json:"id,omitempty"`
	Type       string          `json:"type"`
	Sender     *uint64         `json:"sender"`
	Recipients []uint64        `json:"recipients"`
	Text       *string         `json:"text,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
}

// Payload is a parsed message envelope. Equality is by id. The serialized
// form is cached and invalidated by mutators.
type Payload struct {
	id         string
	typ        string
	sender     uint64
	recipients []uint64
	text       string
	hasText    bool
	data       json.RawMessage
	timestamp  string

	valid  bool
	errMsg string

	mu   sync.Mutex
	wire []byte
}

// ParseOptions control ingress behavior.
type ParseOptions struct {
	// Preserve keeps an explicit id and timestamp from the wire form
	// instead of assigning server-side values. Used by the API injection
	// path when the override is enabled.
	Preserve bool
}

// Parse decodes and validates a wire envelope. The returned payload is
// always non-nil; failed validation yields IsValid() == false with a
// human-readable Err(). The caller decides the consequence (the chat
// endpoint closes the connection with status 4001).
func Parse(raw []byte, gen *ident.Generator, opts ParseOptions) *Payload {
	p := &Payload{}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		p.errMsg = "malformed JSON: " + err.Error()
		return p
	}

	if env.Type == "" {
		p.errMsg = "missing required field: type"
		return p
	}
	if env.Sender == nil {
		p.errMsg = "missing required field: sender"
		return p
	}
	if len(env.Recipients) == 0 {
		p.errMsg = "missing or empty field: recipients"
		return p
	}
	if env.Type == TypeText && (env.Text == nil || *env.Text == "") {
		p.errMsg = `field "text" is required and non-empty for type "text"`
		return p
	}

	p.typ = env.Type
	p.sender = *env.Sender
	p.recipients = append([]uint64(nil), env.Recipients...)
	if env.Text != nil {
		p.text = *env.Text
		p.hasText = true
	}
	p.data = env.Data

	if opts.Preserve && env.ID != "" {
		p.id = env.ID
	} else {
		p.id = gen.Next().String()
	}
	if opts.Preserve && env.Timestamp != "" {
		p.timestamp = env.Timestamp
	} else {
		p.timestamp = time.Now().Format(timestampLayout)
	}

	p.valid = true
	return p
}

// DeliveryStatus builds the server-generated acknowledgement sent back to
// the original sender after a successful per-connection delivery.
func DeliveryStatus(to uint64, gen *ident.Generator) *Payload {
	return &Payload{
		id:         gen.Next().String(),
		typ:        TypeNotificationReceived,
		sender:     Bot,
		recipients: []uint64{to},
		timestamp:  time.Now().Format(timestampLayout),
		valid:      true,
	}
}

// ID returns the message identifier in canonical form.
func (p *Payload) ID() string { return p.id }

// Type returns the payload type.
func (p *Payload) Type() string { return p.typ }

// Sender returns the originating user id.
func (p *Payload) Sender() uint64 { return p.sender }

// Recipients returns the recipient list. The slice must not be mutated;
// use SetRecipient/AddRecipient.
func (p *Payload) Recipients() []uint64 { return p.recipients }

// Text returns the text body, empty when absent.
func (p *Payload) Text() string { return p.text }

// Data returns the opaque data block, nil when absent.
func (p *Payload) Data() json.RawMessage { return p.data }

// Timestamp returns the assigned timestamp string.
func (p *Payload) Timestamp() string { return p.timestamp }

// IsFromBot reports whether the payload originates from the bot user.
func (p *Payload) IsFromBot() bool { return p.sender == Bot }

// IsForBot reports whether the payload is addressed solely to the bot.
func (p *Payload) IsForBot() bool {
	return len(p.recipients) == 1 && p.recipients[0] == Bot
}

// TypeIs reports whether the payload type equals s.
func (p *Payload) TypeIs(s string) bool { return p.typ == s }

// IsValid reports whether the payload passed ingress validation.
func (p *Payload) IsValid() bool { return p.valid }

// Err returns the validation error message, empty for valid payloads.
func (p *Payload) Err() string { return p.errMsg }

// Equal compares payloads by id.
func (p *Payload) Equal(other *Payload) bool {
	return other != nil && p.id == other.id
}

// SetSender replaces the sender and invalidates the wire cache.
func (p *Payload) SetSender(u uint64) {
	p.sender = u
	p.invalidate()
}

// SetRecipient replaces the recipient list with a single user and
// invalidates the wire cache.
func (p *Payload) SetRecipient(u uint64) {
	p.recipients = []uint64{u}
	p.invalidate()
}

// AddRecipient appends a recipient and invalidates the wire cache.
func (p *Payload) AddRecipient(u uint64) {
	p.recipients = append(p.recipients, u)
	p.invalidate()
}

// CloneFor returns a copy of the payload rewritten to a single recipient.
// The id, timestamp, and body are preserved; the clone's wire cache is
// independent. This is the per-recipient rewrite used by the undelivered
// queue and by delivery completions.
func (p *Payload) CloneFor(u uint64) *Payload {
	clone := &Payload{
		id:         p.id,
		typ:        p.typ,
		sender:     p.sender,
		recipients: []uint64{u},
		text:       p.text,
		hasText:    p.hasText,
		data:       p.data,
		timestamp:  p.timestamp,
		valid:      p.valid,
		errMsg:     p.errMsg,
	}
	return clone
}

// Wire returns the serialized envelope. The first call marshals and
// caches; mutators invalidate the cache. Marshaling a valid payload
// cannot fail, so the error is folded into a nil return (callers treat a
// nil wire as undeliverable).
func (p *Payload) Wire() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.wire != nil {
		return p.wire
	}

	env := envelope{
		ID:         p.id,
		Type:       p.typ,
		Sender:     &p.sender,
		Recipients: p.recipients,
		Data:       p.data,
		Timestamp:  p.timestamp,
	}
	if p.hasText {
		env.Text = &p.text
	}

	out, err := json.Marshal(&env)
	if err != nil {
		return nil
	}
	p.wire = out
	return p.wire
}

func (p *Payload) invalidate() {
	p.mu.Lock()
	p.wire = nil
	p.mu.Unlock()
}
