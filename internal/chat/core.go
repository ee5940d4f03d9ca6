// Package chat is the fan-out core: it turns one inbound payload into
// per-connection sends for every live connection of every recipient,
// spills undeliverable payloads into per-user queues, keeps statistics,
// and hands a copy of every payload to the registered message listeners
// (the event notifier subscribes through one).
package chat

import (
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/scatter-server/scatter/internal/assembler"
	"github.com/scatter-server/scatter/internal/ident"
	"github.com/scatter-server/scatter/internal/monitoring"
	"github.com/scatter-server/scatter/internal/payload"
	"github.com/scatter-server/scatter/internal/queue"
	"github.com/scatter-server/scatter/internal/registry"
	"github.com/scatter-server/scatter/internal/stats"
	"github.com/scatter-server/scatter/internal/transport"
)

// Registry is the core's view of the connection registry. *registry.Registry
// satisfies it; tests substitute fakes.
type Registry interface {
	Add(userID uint64, conn registry.Conn)
	Remove(userID, connID uint64)
	RemoveConn(conn registry.Conn)
	Count(userID uint64) int
	ForEach(userID uint64, visit registry.VisitFunc, onMissing registry.MissingFunc)
	Users() []uint64
	Get(userID uint64) []registry.Conn
	MarkPongReceived(conn registry.Conn)
}

// FrameKind classifies an inbound data frame for the assembler.
type FrameKind int

const (
	// FrameWhole is an unfragmented text or binary message.
	FrameWhole FrameKind = iota
	// FrameBegin opens a fragmented message.
	FrameBegin
	// FrameContinue extends a fragmented message.
	FrameContinue
	// FrameEnd closes a fragmented message.
	FrameEnd
)

// MessageListener receives every payload handed to Send, exactly once per
// call, regardless of delivery outcome.
type MessageListener func(p *payload.Payload)

// StopListener runs during Stop, before connections are closed.
type StopListener func()

// Config carries the fan-out policy switches.
type Config struct {
	// DeliveryStatus echoes a notification_received payload to the
	// sender after each successful per-connection delivery.
	DeliveryStatus bool

	// SendBack additionally fans the payload out to its own sender,
	// unless the type is on the ignore list.
	SendBack       bool
	SendBackIgnore []string

	// MaxMessageSize caps assembled fragmented messages; 0 disables.
	MaxMessageSize int64

	// PreserveIDs keeps client-supplied id and timestamp fields instead
	// of assigning server values. Used by the API injection path.
	PreserveIDs bool
}

// Core orchestrates registry, assembler, undelivered queue and stats.
type Core struct {
	cfg  Config
	reg  Registry
	asm  *assembler.Assembler
	undl *queue.Undelivered
	st   *stats.Store
	gen  *ident.Generator

	mu           sync.RWMutex
	msgListeners []MessageListener
	stopHooks    []StopListener

	stopped int32
	stopper sync.Once

	logger zerolog.Logger
}

// New wires the core. reg is usually *registry.Registry.
func New(cfg Config, reg Registry, undl *queue.Undelivered, st *stats.Store, gen *ident.Generator, logger zerolog.Logger) *Core {
	return &Core{
		cfg:    cfg,
		reg:    reg,
		asm:    assembler.New(cfg.MaxMessageSize),
		undl:   undl,
		st:     st,
		gen:    gen,
		logger: logger.With().Str("component", "chat").Logger(),
	}
}

// AddMessageListener subscribes to every payload entering Send.
func (c *Core) AddMessageListener(fn MessageListener) {
	c.mu.Lock()
	c.msgListeners = append(c.msgListeners, fn)
	c.mu.Unlock()
}

// AddStopListener subscribes to shutdown.
func (c *Core) AddStopListener(fn StopListener) {
	c.mu.Lock()
	c.stopHooks = append(c.stopHooks, fn)
	c.mu.Unlock()
}

// Send is the single fan-out entry point. Listeners are notified exactly
// once per call, before and independent of delivery. Payloads addressed
// solely to the bot never touch the registry.
func (c *Core) Send(p *payload.Payload) {
	c.notifyListeners(p)

	if p.IsForBot() {
		c.logger.Debug().Str("message_id", p.ID()).Msg("Bot payload, skipping fan-out")
		return
	}

	for _, u := range p.Recipients() {
		if u == payload.Bot {
			continue
		}
		c.deliver(u, p, c.cfg.DeliveryStatus)
	}
}

// SendTo fans a payload out to a single user. Used by the send-back
// feature; it never produces a delivery-status echo and does not notify
// listeners (the originating Send already did).
func (c *Core) SendTo(u uint64, p *payload.Payload) {
	if u == payload.Bot {
		return
	}
	c.deliver(u, p, false)
}

// deliver fans one payload out to all live connections of one user.
func (c *Core) deliver(u uint64, p *payload.Payload, echo bool) {
	if c.reg.Count(u) == 0 {
		c.undeliverable(u, p)
		return
	}

	wire := p.Wire()
	if wire == nil {
		c.logger.Error().Str("message_id", p.ID()).Msg("Payload failed to serialize")
		return
	}

	// sent counts once per recipient, on the first connection that
	// actually delivers.
	var firstDelivery int32
	sender := p.Sender()
	msgID := p.ID()
	typ := p.Type()

	c.reg.ForEach(u,
		func(idx int, conn registry.Conn, connID, userID uint64) {
			conn.Send(wire, func(err error) {
				if err != nil {
					c.sendFailed(userID, connID, p, err)
					return
				}
				c.st.Received(userID)
				monitoring.MessagesDelivered.Inc()
				monitoring.BytesSent.Add(float64(len(wire)))
				if atomic.CompareAndSwapInt32(&firstDelivery, 0, 1) {
					c.st.Sent(sender, len(wire))
				}
				if echo && sender != payload.Bot && typ != payload.TypeNotificationReceived {
					c.Send(payload.DeliveryStatus(sender, c.gen))
				}
			})
		},
		func(userID, connID uint64) {
			c.logger.Warn().
				Uint64("user_id", userID).
				Uint64("conn_id", connID).
				Str("message_id", msgID).
				Msg("Nil connection slot dropped during fan-out")
		})
}

func (c *Core) sendFailed(u, connID uint64, p *payload.Payload, err error) {
	if transport.IsBrokenPipe(err) {
		c.logger.Info().
			Err(err).
			Uint64("user_id", u).
			Uint64("conn_id", connID).
			Msg("Broken pipe, evicting connection")
		c.reg.Remove(u, connID)
	} else {
		c.logger.Warn().
			Err(err).
			Uint64("user_id", u).
			Uint64("conn_id", connID).
			Str("message_id", p.ID()).
			Msg("Send failed")
	}
	c.undeliverable(u, p)
}

// undeliverable records a per-recipient delivery failure: the payload is
// cloned with a single recipient and queued for the user's return, or
// dropped when the queue is disabled.
func (c *Core) undeliverable(u uint64, p *payload.Payload) {
	monitoring.MessagesUndeliverable.Inc()
	if c.undl.Push(u, p.CloneFor(u)) {
		monitoring.UndeliveredQueueDepth.Set(float64(c.undl.Depth()))
		c.logger.Debug().
			Uint64("user_id", u).
			Str("message_id", p.ID()).
			Msg("Payload queued for offline user")
		return
	}
	c.logger.Debug().
		Uint64("user_id", u).
		Str("message_id", p.ID()).
		Msg("Payload dropped, user offline and queue disabled")
}

// OnFrame is the ingress glue between the endpoint's read loop and the
// core: fragments go through the assembler, whole messages straight to
// parsing. Protocol failures close the connection with the matching
// status code.
func (c *Core) OnFrame(conn registry.Conn, kind FrameKind, data []byte) {
	key := assembler.Key{User: conn.User(), Conn: conn.ID()}

	switch kind {
	case FrameWhole:
		c.ingest(conn, data)

	case FrameBegin:
		if err := c.asm.Begin(key, data); err != nil {
			c.fragmentFailed(conn, err)
		}

	case FrameContinue:
		if err := c.asm.Append(key, data); err != nil {
			c.fragmentFailed(conn, err)
		}

	case FrameEnd:
		assembled, err := c.asm.Finish(key, data)
		if err != nil {
			c.fragmentFailed(conn, err)
			return
		}
		c.ingest(conn, assembled)
	}
}

func (c *Core) fragmentFailed(conn registry.Conn, err error) {
	if err == assembler.ErrTooLarge {
		monitoring.MessagesRejected.WithLabelValues("too_large").Inc()
		conn.Close(ws.StatusMessageTooBig, "Message too big")
		return
	}
	c.logger.Warn().
		Err(err).
		Uint64("conn_id", conn.ID()).
		Msg("Fragment discarded")
}

// ingest parses one complete wire message and hands it to Send. Invalid
// payloads close the connection with status 4001.
func (c *Core) ingest(conn registry.Conn, raw []byte) {
	monitoring.MessagesReceived.Inc()
	monitoring.BytesReceived.Add(float64(len(raw)))

	p := payload.Parse(raw, c.gen, payload.ParseOptions{Preserve: c.cfg.PreserveIDs})
	if !p.IsValid() {
		monitoring.MessagesRejected.WithLabelValues("invalid").Inc()
		c.logger.Info().
			Str("error", p.Err()).
			Uint64("user_id", conn.User()).
			Uint64("conn_id", conn.ID()).
			Msg("Invalid payload, closing connection")
		conn.Close(ws.StatusCode(4001), p.Err())
		return
	}

	if c.cfg.SendBack && !p.IsForBot() && !c.sendBackIgnored(p.Type()) {
		c.SendTo(p.Sender(), p)
	}
	c.Send(p)
}

func (c *Core) sendBackIgnored(typ string) bool {
	for _, t := range c.cfg.SendBackIgnore {
		if t == typ {
			return true
		}
	}
	return false
}

// OnConnected registers an authenticated connection and replays the
// user's undelivered queue. Each replayed payload is a regular Send and
// may re-enqueue if the user drops again mid-drain.
func (c *Core) OnConnected(u uint64, conn registry.Conn) {
	c.reg.Add(u, conn)
	c.st.Connected(u)
	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Inc()

	for _, p := range c.undl.Drain(u) {
		c.Send(p)
	}
	monitoring.UndeliveredQueueDepth.Set(float64(c.undl.Depth()))
}

// OnDisconnected tears down a connection's registry and assembler state.
func (c *Core) OnDisconnected(conn registry.Conn) {
	c.asm.Drop(assembler.Key{User: conn.User(), Conn: conn.ID()})
	c.reg.RemoveConn(conn)
	c.st.Disconnected(conn.User())
	monitoring.ConnectionsActive.Dec()
}

// PongReceived forwards a pong frame to the registry's pong-wait table.
func (c *Core) PongReceived(conn registry.Conn) {
	c.reg.MarkPongReceived(conn)
}

// Stopped reports whether Stop has run.
func (c *Core) Stopped() bool { return atomic.LoadInt32(&c.stopped) == 1 }

// Stop runs the stop listeners once and closes every live connection with
// status 1001. Pending sends are not awaited.
func (c *Core) Stop() {
	c.stopper.Do(func() {
		atomic.StoreInt32(&c.stopped, 1)

		c.mu.RLock()
		hooks := append([]StopListener(nil), c.stopHooks...)
		c.mu.RUnlock()
		for _, fn := range hooks {
			fn()
		}

		closed := 0
		for _, u := range c.reg.Users() {
			for _, conn := range c.reg.Get(u) {
				conn.Close(ws.StatusGoingAway, "Server stopping")
				c.reg.RemoveConn(conn)
				closed++
			}
		}
		c.logger.Info().Int("connections", closed).Msg("Chat core stopped")
	})
}

func (c *Core) notifyListeners(p *payload.Payload) {
	c.mu.RLock()
	listeners := append([]MessageListener(nil), c.msgListeners...)
	c.mu.RUnlock()
	for _, fn := range listeners {
		fn(p)
	}
}
