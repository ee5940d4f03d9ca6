// Package transport owns the per-connection send machinery on top of a
// raw upgraded WebSocket. Reads stay with the endpoint; this package only
// writes.
//
// Every connection has a buffered outbound queue drained by a single
// write pump goroutine. Sends are asynchronous: the caller hands over the
// bytes plus a completion callback and returns immediately. The pump
// batches whatever is queued behind a bufio writer to cut syscalls, then
// flushes and completes the batch in one go.
package transport

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

// writeWait bounds a single physical write to the peer. Slow peers fail
// fast instead of stalling the pump.
const writeWait = 5 * time.Second

// outboundDepth is the per-connection send queue size. A full queue means
// the peer cannot keep up; the send completes with ErrSendBufferFull and
// the caller treats the payload as undeliverable.
const outboundDepth = 256

// ErrSendBufferFull is reported to the completion callback when the
// outbound queue is saturated.
var ErrSendBufferFull = errors.New("transport: send buffer full")

// ErrConnClosed is reported to completion callbacks queued behind a
// closed connection.
var ErrConnClosed = errors.New("transport: connection closed")

var nextConnID uint64

// frame is one queued outbound WebSocket message.
type frame struct {
	op   ws.OpCode
	data []byte
	done func(error)
}

// Conn is a live client connection. Created by the endpoint after a
// successful upgrade; identified by a process-unique connection id.
type Conn struct {
	id   uint64
	user uint64

	raw    net.Conn
	out    chan frame
	quit   chan struct{}
	closed int32
	once   sync.Once

	// wmu serializes physical writes between the pump and the direct
	// close-frame path so frames never interleave.
	wmu sync.Mutex

	logger zerolog.Logger
}

// NewConn wraps an upgraded connection. Start must be called before any
// Send for the pump to drain the queue.
func NewConn(raw net.Conn, logger zerolog.Logger) *Conn {
	id := atomic.AddUint64(&nextConnID, 1)
	return &Conn{
		id:     id,
		raw:    raw,
		out:    make(chan frame, outboundDepth),
		quit:   make(chan struct{}),
		logger: logger.With().Uint64("conn_id", id).Logger(),
	}
}

// ID returns the process-unique connection identifier.
func (c *Conn) ID() uint64 { return c.id }

// User returns the owning user id, zero before authentication.
func (c *Conn) User() uint64 { return atomic.LoadUint64(&c.user) }

// SetUser binds the connection to its authenticated user.
func (c *Conn) SetUser(u uint64) { atomic.StoreUint64(&c.user, u) }

// Raw exposes the underlying connection for the endpoint's read loop.
func (c *Conn) Raw() net.Conn { return c.raw }

// Start launches the write pump.
func (c *Conn) Start() {
	go c.writePump()
}

// Send queues a text message. done is invoked exactly once, after the
// bytes reach the kernel (nil) or delivery failed (non-nil). done may be
// nil. Send never blocks: a saturated queue fails immediately.
func (c *Conn) Send(data []byte, done func(error)) {
	c.enqueue(frame{op: ws.OpText, data: data, done: done})
}

// Ping queues a ping control frame. The returned error reflects enqueue
// success only; a write failure surfaces through the read loop.
func (c *Conn) Ping() error {
	return c.tryEnqueue(frame{op: ws.OpPing})
}

// Pong queues a pong reply carrying the ping's application data.
func (c *Conn) Pong(data []byte) error {
	return c.tryEnqueue(frame{op: ws.OpPong, data: data})
}

func (c *Conn) enqueue(f frame) {
	if err := c.tryEnqueue(f); err != nil && f.done != nil {
		f.done(err)
	}
}

func (c *Conn) tryEnqueue(f frame) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrConnClosed
	}
	select {
	case c.out <- f:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close sends a close frame with the given status and reason, then tears
// down the connection. Idempotent; only the first call writes the frame.
func (c *Conn) Close(status ws.StatusCode, reason string) error {
	var err error
	c.once.Do(func() {
		atomic.StoreInt32(&c.closed, 1)
		close(c.quit)

		c.wmu.Lock()
		c.raw.SetWriteDeadline(time.Now().Add(writeWait))
		body := ws.NewCloseFrameBody(status, reason)
		err = ws.WriteFrame(c.raw, ws.NewCloseFrame(body))
		c.wmu.Unlock()

		c.raw.Close()

		c.logger.Debug().
			Uint64("user_id", c.User()).
			Int("status", int(status)).
			Str("reason", reason).
			Msg("Connection closed")
	})
	return err
}

// writePump drains the outbound queue. One goroutine per connection; it
// exits when the connection closes or a write fails, failing every
// still-queued completion so no callback is lost.
func (c *Conn) writePump() {
	writer := bufio.NewWriter(c.raw)

	for {
		select {
		case f := <-c.out:
			batch := []frame{f}
			// Drain whatever else is queued so one flush covers the batch.
			n := len(c.out)
			for i := 0; i < n; i++ {
				batch = append(batch, <-c.out)
			}
			if err := c.writeBatch(writer, batch); err != nil {
				c.logger.Debug().Err(err).Msg("Write pump stopping after failed write")
				c.failPending(err)
				return
			}

		case <-c.quit:
			c.failPending(ErrConnClosed)
			return
		}
	}
}

func (c *Conn) writeBatch(writer *bufio.Writer, batch []frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.raw.SetWriteDeadline(time.Now().Add(writeWait))
	for _, f := range batch {
		if err := wsutil.WriteServerMessage(writer, f.op, f.data); err != nil {
			// Nothing reached the peer: frames before the failure are
			// still sitting in the bufio buffer, so the whole batch
			// failed, not just the tail.
			c.failBatch(batch, err)
			return err
		}
	}
	if err := writer.Flush(); err != nil {
		c.failBatch(batch, err)
		return err
	}
	for _, f := range batch {
		if f.done != nil {
			f.done(nil)
		}
	}
	return nil
}

func (c *Conn) failBatch(batch []frame, err error) {
	for _, f := range batch {
		if f.done != nil {
			f.done(err)
		}
	}
}

// failPending completes every frame still sitting in the queue with err.
func (c *Conn) failPending(err error) {
	for {
		select {
		case f := <-c.out:
			if f.done != nil {
				f.done(err)
			}
		default:
			return
		}
	}
}

// IsBrokenPipe classifies transport errors that mean the peer is gone.
// Fan-out uses this to evict the connection from the registry.
func IsBrokenPipe(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, ErrConnClosed) {
		return true
	}
	return false
}
