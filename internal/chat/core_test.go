package chat

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/scatter-server/scatter/internal/ident"
	"github.com/scatter-server/scatter/internal/payload"
	"github.com/scatter-server/scatter/internal/queue"
	"github.com/scatter-server/scatter/internal/registry"
	"github.com/scatter-server/scatter/internal/stats"
	"github.com/scatter-server/scatter/internal/transport"
)

// fakeConn records sends and closes; done callbacks fire synchronously.
type fakeConn struct {
	id   uint64
	user uint64

	mu         sync.Mutex
	sent       [][]byte
	sendErr    error
	closed     bool
	lastStatus ws.StatusCode
	lastReason string
}

var fakeConnID uint64

func newFakeConn(user uint64) *fakeConn {
	return &fakeConn{id: atomic.AddUint64(&fakeConnID, 1), user: user}
}

func (f *fakeConn) ID() uint64   { return f.id }
func (f *fakeConn) User() uint64 { return f.user }
func (f *fakeConn) Ping() error  { return nil }

func (f *fakeConn) Send(data []byte, done func(error)) {
	f.mu.Lock()
	err := f.sendErr
	if err == nil {
		f.sent = append(f.sent, data)
	}
	f.mu.Unlock()
	if done != nil {
		done(err)
	}
}

func (f *fakeConn) Close(status ws.StatusCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.lastStatus = status
	f.lastReason = reason
	return nil
}

func (f *fakeConn) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

// panicRegistry trips any registry access; used to prove the bot
// short-circuit never performs a connection lookup.
type panicRegistry struct{}

func (panicRegistry) Add(uint64, registry.Conn)                                { panic("registry touched") }
func (panicRegistry) Remove(uint64, uint64)                                    { panic("registry touched") }
func (panicRegistry) RemoveConn(registry.Conn)                                 { panic("registry touched") }
func (panicRegistry) Count(uint64) int                                         { panic("registry touched") }
func (panicRegistry) ForEach(uint64, registry.VisitFunc, registry.MissingFunc) { panic("registry touched") }
func (panicRegistry) Users() []uint64                                          { panic("registry touched") }
func (panicRegistry) Get(uint64) []registry.Conn                               { panic("registry touched") }
func (panicRegistry) MarkPongReceived(registry.Conn)                           { panic("registry touched") }

type fixture struct {
	core *Core
	reg  *registry.Registry
	undl *queue.Undelivered
	st   *stats.Store
	gen  *ident.Generator
}

func newFixture(t *testing.T, cfg Config, queueEnabled bool) *fixture {
	t.Helper()
	gen := ident.NewGenerator()
	reg := registry.New(zerolog.Nop())
	undl := queue.New(queueEnabled)
	st := stats.New()
	return &fixture{
		core: New(cfg, reg, undl, st, gen, zerolog.Nop()),
		reg:  reg,
		undl: undl,
		st:   st,
		gen:  gen,
	}
}

func textPayload(t *testing.T, gen *ident.Generator, sender uint64, recipients string, body string) *payload.Payload {
	t.Helper()
	raw := `{"type":"text","sender":` + jsonNum(sender) + `,"recipients":` + recipients + `,"text":"` + body + `"}`
	p := payload.Parse([]byte(raw), gen, payload.ParseOptions{})
	if !p.IsValid() {
		t.Fatalf("fixture payload invalid: %s", p.Err())
	}
	return p
}

func jsonNum(u uint64) string {
	b, _ := json.Marshal(u)
	return string(b)
}

func TestBotPayloadNeverTouchesRegistry(t *testing.T) {
	gen := ident.NewGenerator()
	core := New(Config{}, panicRegistry{}, queue.New(false), stats.New(), gen, zerolog.Nop())

	notified := 0
	core.AddMessageListener(func(*payload.Payload) { notified++ })

	p := payload.Parse([]byte(`{"type":"text","sender":12,"recipients":[0],"text":"for the bot"}`), gen, payload.ParseOptions{})
	core.Send(p)

	if notified != 1 {
		t.Fatalf("listeners notified %d times, want 1", notified)
	}
}

func TestFanOutBreadth(t *testing.T) {
	f := newFixture(t, Config{}, false)

	c1, c2 := newFakeConn(7), newFakeConn(7)
	c3 := newFakeConn(9)
	f.reg.Add(7, c1)
	f.reg.Add(7, c2)
	f.reg.Add(9, c3)

	f.core.Send(textPayload(t, f.gen, 12, "[7,9]", "hi"))

	total := len(c1.received()) + len(c2.received()) + len(c3.received())
	if total != 3 {
		t.Fatalf("send attempts = %d, want 3", total)
	}
}

func TestListenersNotifiedOncePerSendEvenWhenUndeliverable(t *testing.T) {
	f := newFixture(t, Config{}, false)

	notified := 0
	f.core.AddMessageListener(func(*payload.Payload) { notified++ })

	// Nobody online, queue disabled: payload is dropped, listener still fires.
	f.core.Send(textPayload(t, f.gen, 12, "[7]", "nobody home"))
	if notified != 1 {
		t.Fatalf("listeners notified %d times, want 1", notified)
	}
}

func TestDeliveryUpdatesStats(t *testing.T) {
	f := newFixture(t, Config{}, false)

	c1, c2 := newFakeConn(7), newFakeConn(7)
	f.reg.Add(7, c1)
	f.reg.Add(7, c2)

	p := textPayload(t, f.gen, 12, "[7]", "hi")
	wireLen := len(p.Wire())
	f.core.Send(p)

	sender := f.st.Get(12)
	if sender.Sent != 1 {
		t.Errorf("sender sent = %d, want 1", sender.Sent)
	}
	if sender.BytesTransferred != uint64(wireLen) {
		t.Errorf("sender bytes = %d, want %d", sender.BytesTransferred, wireLen)
	}
	recipient := f.st.Get(7)
	if recipient.Received != 2 {
		t.Errorf("recipient received = %d, want 2 (one per connection)", recipient.Received)
	}
}

func TestDeliveredEnvelopeCarriesIDAndTimestamp(t *testing.T) {
	f := newFixture(t, Config{}, false)
	c := newFakeConn(7)
	f.reg.Add(7, c)

	f.core.Send(textPayload(t, f.gen, 12, "[7]", "hi"))

	got := c.received()
	if len(got) != 1 {
		t.Fatalf("received %d messages", len(got))
	}
	var env struct {
		ID        string   `json:"id"`
		Type      string   `json:"type"`
		Sender    uint64   `json:"sender"`
		Text      string   `json:"text"`
		Timestamp string   `json:"timestamp"`
		Recips    []uint64 `json:"recipients"`
	}
	if err := json.Unmarshal(got[0], &env); err != nil {
		t.Fatal(err)
	}
	if env.ID == "" || env.Timestamp == "" {
		t.Errorf("server-assigned fields missing: %s", got[0])
	}
	if env.Type != "text" || env.Sender != 12 || env.Text != "hi" {
		t.Errorf("envelope mangled: %s", got[0])
	}
}

func TestOfflineRecipientQueuesAndDrainsInOrder(t *testing.T) {
	f := newFixture(t, Config{}, true)

	first := textPayload(t, f.gen, 12, "[7]", "first")
	second := textPayload(t, f.gen, 12, "[7]", "second")
	f.core.Send(first)
	f.core.Send(second)

	if f.undl.Len(7) != 2 {
		t.Fatalf("queue length = %d, want 2", f.undl.Len(7))
	}

	c := newFakeConn(7)
	f.core.OnConnected(7, c)

	got := c.received()
	if len(got) != 2 {
		t.Fatalf("drained %d messages, want 2", len(got))
	}
	var env struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}
	json.Unmarshal(got[0], &env)
	if env.Text != "first" {
		t.Errorf("drain order broken: first message %q", env.Text)
	}
	if env.ID != first.ID() {
		t.Errorf("id not preserved across queue round trip: %q vs %q", env.ID, first.ID())
	}
	json.Unmarshal(got[1], &env)
	if env.Text != "second" {
		t.Errorf("drain order broken: second message %q", env.Text)
	}
}

func TestDeliveryStatusEcho(t *testing.T) {
	f := newFixture(t, Config{DeliveryStatus: true}, false)

	c7 := newFakeConn(7)
	c12 := newFakeConn(12)
	f.reg.Add(7, c7)
	f.reg.Add(12, c12)

	f.core.Send(textPayload(t, f.gen, 12, "[7]", "hi"))

	got := c12.received()
	if len(got) != 1 {
		t.Fatalf("sender received %d messages, want 1 notification", len(got))
	}
	var env struct {
		Type   string   `json:"type"`
		Sender uint64   `json:"sender"`
		Recips []uint64 `json:"recipients"`
	}
	if err := json.Unmarshal(got[0], &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != payload.TypeNotificationReceived || env.Sender != payload.Bot {
		t.Errorf("notification envelope: %s", got[0])
	}
	if len(env.Recips) != 1 || env.Recips[0] != 12 {
		t.Errorf("notification recipients: %v", env.Recips)
	}
}

func TestNotificationNeverEchoesAgain(t *testing.T) {
	f := newFixture(t, Config{DeliveryStatus: true}, false)

	c7 := newFakeConn(7)
	f.reg.Add(7, c7)
	c0conns := newFakeConn(3)
	f.reg.Add(3, c0conns)

	// A notification_received payload delivered successfully must not
	// produce another notification, regardless of configuration.
	raw := `{"type":"notification_received","sender":3,"recipients":[7]}`
	p := payload.Parse([]byte(raw), f.gen, payload.ParseOptions{})
	if !p.IsValid() {
		t.Fatalf("fixture: %s", p.Err())
	}
	f.core.Send(p)

	if got := len(c7.received()); got != 1 {
		t.Fatalf("recipient got %d messages, want 1", got)
	}
	if got := len(c0conns.received()); got != 0 {
		t.Fatalf("sender of notification got %d echoes, want 0", got)
	}
}

func TestSendBack(t *testing.T) {
	f := newFixture(t, Config{SendBack: true}, false)

	c7 := newFakeConn(7)
	c12 := newFakeConn(12)
	f.reg.Add(7, c7)
	f.reg.Add(12, c12)

	raw := []byte(`{"type":"text","sender":12,"recipients":[7],"text":"hi"}`)
	f.core.OnFrame(c12, FrameWhole, raw)

	if got := len(c7.received()); got != 1 {
		t.Errorf("recipient got %d messages", got)
	}
	if got := len(c12.received()); got != 1 {
		t.Errorf("sender got %d send-back copies, want 1", got)
	}
}

func TestSendBackIgnoreList(t *testing.T) {
	f := newFixture(t, Config{SendBack: true, SendBackIgnore: []string{"text"}}, false)

	c12 := newFakeConn(12)
	f.reg.Add(12, c12)
	c7 := newFakeConn(7)
	f.reg.Add(7, c7)

	f.core.OnFrame(c12, FrameWhole, []byte(`{"type":"text","sender":12,"recipients":[7],"text":"hi"}`))

	if got := len(c12.received()); got != 0 {
		t.Errorf("ignored type sent back %d times", got)
	}
}

func TestInvalidPayloadClosesWith4001(t *testing.T) {
	f := newFixture(t, Config{}, false)
	c := newFakeConn(12)

	f.core.OnFrame(c, FrameWhole, []byte(`{"type":"text","sender":12}`))

	if !c.closed {
		t.Fatal("connection not closed")
	}
	if c.lastStatus != ws.StatusCode(4001) {
		t.Errorf("status = %d, want 4001", c.lastStatus)
	}
	if c.lastReason == "" {
		t.Error("close reason should carry the validation error")
	}
}

func TestFragmentedMessageAssembles(t *testing.T) {
	f := newFixture(t, Config{}, false)

	c7 := newFakeConn(7)
	f.reg.Add(7, c7)
	sender := newFakeConn(12)

	f.core.OnFrame(sender, FrameBegin, []byte(`{"type":"text","sender":12,`))
	f.core.OnFrame(sender, FrameContinue, []byte(`"recipients":[7],`))
	f.core.OnFrame(sender, FrameEnd, []byte(`"text":"pieced together"}`))

	got := c7.received()
	if len(got) != 1 {
		t.Fatalf("recipient got %d messages, want 1", len(got))
	}
	var env struct {
		Text string `json:"text"`
	}
	json.Unmarshal(got[0], &env)
	if env.Text != "pieced together" {
		t.Errorf("assembled text = %q", env.Text)
	}
}

func TestOversizeFragmentsCloseWith1009(t *testing.T) {
	f := newFixture(t, Config{MaxMessageSize: 16}, false)

	notified := 0
	f.core.AddMessageListener(func(*payload.Payload) { notified++ })

	sender := newFakeConn(12)
	f.core.OnFrame(sender, FrameBegin, []byte(`{"type":"binary",`))
	f.core.OnFrame(sender, FrameContinue, []byte(`"sender":12,"recipients":[7]}`))

	if !sender.closed {
		t.Fatal("connection not closed")
	}
	if sender.lastStatus != ws.StatusMessageTooBig {
		t.Errorf("status = %d, want 1009", sender.lastStatus)
	}
	if notified != 0 {
		t.Errorf("oversize stream produced %d payloads", notified)
	}
}

func TestBrokenPipeEvictsConnection(t *testing.T) {
	f := newFixture(t, Config{}, true)

	dead := newFakeConn(7)
	dead.sendErr = transport.ErrConnClosed
	f.reg.Add(7, dead)

	p := textPayload(t, f.gen, 12, "[7]", "into the void")
	f.core.Send(p)

	if f.reg.Count(7) != 0 {
		t.Error("broken connection not evicted")
	}
	drained := f.undl.Drain(7)
	if len(drained) != 1 {
		t.Fatalf("failed delivery not queued: %d entries", len(drained))
	}
	if drained[0].ID() != p.ID() {
		t.Error("queued clone lost the message id")
	}
	if r := drained[0].Recipients(); len(r) != 1 || r[0] != 7 {
		t.Errorf("queued clone recipients = %v, want [7]", r)
	}
}

func TestOnDisconnectedDropsFragmentState(t *testing.T) {
	f := newFixture(t, Config{}, false)

	c := newFakeConn(12)
	f.reg.Add(12, c)
	f.core.OnFrame(c, FrameBegin, []byte("partial"))

	f.core.OnDisconnected(c)

	if f.reg.Count(12) != 0 {
		t.Error("connection not removed")
	}
	// A continuation after disconnect has no stream to extend.
	c2 := newFakeConn(12)
	c2.id = c.id
	f.core.OnFrame(c2, FrameEnd, []byte("tail"))
	if c2.closed {
		t.Error("orphan continuation should be discarded, not fatal")
	}
}

func TestStopClosesConnectionsAndRunsHooksOnce(t *testing.T) {
	f := newFixture(t, Config{}, false)

	c1, c2 := newFakeConn(7), newFakeConn(9)
	f.reg.Add(7, c1)
	f.reg.Add(9, c2)

	hooks := 0
	f.core.AddStopListener(func() { hooks++ })

	f.core.Stop()
	f.core.Stop()

	if hooks != 1 {
		t.Errorf("stop hooks ran %d times, want 1", hooks)
	}
	for _, c := range []*fakeConn{c1, c2} {
		if !c.closed || c.lastStatus != ws.StatusGoingAway {
			t.Errorf("conn %d close = (%v, %d), want going away", c.id, c.closed, c.lastStatus)
		}
	}
	if !f.core.Stopped() {
		t.Error("Stopped() = false after Stop")
	}
}
