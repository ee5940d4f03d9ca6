package transport

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

func newPair(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	c := NewConn(server, zerolog.Nop())
	c.Start()
	t.Cleanup(func() {
		client.Close()
		c.Close(ws.StatusNormalClosure, "")
	})
	return c, client
}

func TestSendDeliversTextFrame(t *testing.T) {
	c, client := newPair(t)

	done := make(chan error, 1)
	c.Send([]byte(`{"hello":1}`), func(err error) { done <- err })

	msgs, err := wsutil.ReadServerMessage(client, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) == 0 || msgs[0].OpCode != ws.OpText {
		t.Fatalf("unexpected frames: %+v", msgs)
	}
	if string(msgs[0].Payload) != `{"hello":1}` {
		t.Fatalf("payload = %q", msgs[0].Payload)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("completion error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("completion callback never fired")
	}
}

func TestPingGoesOut(t *testing.T) {
	c, client := newPair(t)

	if err := c.Ping(); err != nil {
		t.Fatalf("ping enqueue failed: %v", err)
	}
	msgs, err := wsutil.ReadServerMessage(client, nil)
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].OpCode != ws.OpPing {
		t.Fatalf("opcode = %v, want ping", msgs[0].OpCode)
	}
}

func TestCloseWritesCloseFrame(t *testing.T) {
	server, client := net.Pipe()
	c := NewConn(server, zerolog.Nop())
	c.Start()

	go c.Close(ws.StatusCode(4003), "Dangling connection")

	frame, err := ws.ReadFrame(client)
	if err != nil {
		t.Fatal(err)
	}
	if frame.Header.OpCode != ws.OpClose {
		t.Fatalf("opcode = %v, want close", frame.Header.OpCode)
	}
	status, reason := ws.ParseCloseFrameData(frame.Payload)
	if status != ws.StatusCode(4003) {
		t.Errorf("status = %d, want 4003", status)
	}
	if reason != "Dangling connection" {
		t.Errorf("reason = %q", reason)
	}
	client.Close()
}

func TestSendAfterCloseFailsImmediately(t *testing.T) {
	server, client := net.Pipe()
	c := NewConn(server, zerolog.Nop())
	c.Start()
	go func() {
		// Consume the close frame so Close does not block on the pipe.
		ws.ReadFrame(client)
		client.Close()
	}()
	c.Close(ws.StatusNormalClosure, "")

	done := make(chan error, 1)
	c.Send([]byte("late"), func(err error) { done <- err })

	select {
	case err := <-done:
		if !errors.Is(err, ErrConnClosed) {
			t.Fatalf("error = %v, want ErrConnClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("completion callback never fired")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	server, client := net.Pipe()
	c := NewConn(server, zerolog.Nop())
	c.Start()
	go func() {
		ws.ReadFrame(client)
		client.Close()
	}()

	c.Close(ws.StatusNormalClosure, "")
	// Second close must not panic or write again.
	c.Close(ws.StatusCode(4003), "ignored")
}

func TestConnIDsAreUnique(t *testing.T) {
	a, _ := net.Pipe()
	b, _ := net.Pipe()
	ca := NewConn(a, zerolog.Nop())
	cb := NewConn(b, zerolog.Nop())
	if ca.ID() == cb.ID() {
		t.Fatal("connection ids must be process-unique")
	}
}

// deadConn fails every physical write, simulating a peer that vanished
// between enqueue and flush.
type deadConn struct {
	net.Conn
}

func (d deadConn) Write(p []byte) (int, error)      { return 0, errors.New("write: broken pipe") }
func (d deadConn) SetWriteDeadline(time.Time) error { return nil }
func (d deadConn) Close() error                     { return nil }

func TestFailedBatchCompletesEveryCallback(t *testing.T) {
	server, _ := net.Pipe()
	c := NewConn(deadConn{server}, zerolog.Nop())

	// Queue both frames before starting the pump so they land in one
	// batch. The small frame fits in the buffered writer; the large one
	// forces the physical write that fails.
	done1 := make(chan error, 1)
	done2 := make(chan error, 1)
	c.Send([]byte("small"), func(err error) { done1 <- err })
	c.Send(make([]byte, 8192), func(err error) { done2 <- err })
	c.Start()

	for i, done := range []chan error{done1, done2} {
		select {
		case err := <-done:
			if err == nil {
				t.Errorf("frame %d: completion error = nil, want write failure", i+1)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d: completion callback never fired", i+1)
		}
	}
}

func TestIsBrokenPipe(t *testing.T) {
	if !IsBrokenPipe(ErrConnClosed) {
		t.Error("ErrConnClosed should classify as broken pipe")
	}
	if !IsBrokenPipe(net.ErrClosed) {
		t.Error("net.ErrClosed should classify as broken pipe")
	}
	if IsBrokenPipe(nil) {
		t.Error("nil is not a broken pipe")
	}
	if IsBrokenPipe(errors.New("timeout")) {
		t.Error("arbitrary errors are not broken pipes")
	}
}
