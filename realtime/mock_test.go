package realtime

import (
	"context"
	"math/rand"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/risa-org/ripple/protocol"
	"github.com/risa-org/ripple/transport"
)

const eventWait = 5 * time.Second

// fakeConn is an in-memory transport.Conn scripted by the test: outbound
// messages are recorded, inbound messages and disconnect events are injected
// through channels.
type fakeConn struct {
	mu     sync.Mutex
	sent   []*protocol.Message
	closed bool
	conn   *Connection // wired by the harness when this transport is dialed

	in   chan *protocol.Message
	disc chan transport.DisconnectEvent
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan *protocol.Message, 16),
		disc: make(chan transport.DisconnectEvent, 1),
	}
}

func (c *fakeConn) Send(m *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrConnClosed
	}
	c.sent = append(c.sent, m)
	return nil
}

func (c *fakeConn) Receive() <-chan *protocol.Message { return c.in }
func (c *fakeConn) Disconnected() <-chan transport.DisconnectEvent { return c.disc }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// wire hands the fake transport the connection it was dialed for.
func (c *fakeConn) wire(conn *Connection) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// deliver injects an inbound protocol message. It posts the message onto the
// loop directly, the same call the pump would make, so that a subsequent loop
// barrier is ordered after the message's handler; going through the pump
// goroutine would leave the barrier racing against the pump's post.
func (c *fakeConn) deliver(m *protocol.Message) {
	deadline := time.Now().Add(eventWait)
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.post(func() { conn.handleMessage(c, m) })
			return
		}
		if time.Now().After(deadline) {
			panic("fakeConn.deliver: transport was never dialed")
		}
		runtime.Gosched()
	}
}

// breakWith simulates the transport dropping.
func (c *fakeConn) breakWith(ev transport.DisconnectEvent) { c.disc <- ev }

// sentMessages snapshots what the client transmitted so far.
func (c *fakeConn) sentMessages() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Message, len(c.sent))
	copy(out, c.sent)
	return out
}

// sentWithAction returns the transmitted messages with the given action.
func (c *fakeConn) sentWithAction(a protocol.Action) []*protocol.Message {
	var out []*protocol.Message
	for _, m := range c.sentMessages() {
		if m.Action == a {
			out = append(out, m)
		}
	}
	return out
}

// fakeDialer hands out scripted connections. The script receives the
// 1-based attempt number and decides whether that attempt gets a transport
// or an error.
type fakeDialer struct {
	mu       sync.Mutex
	attempts int
	hosts    []string
	params   []transport.Params
	script   func(attempt int, host string) (transport.Conn, error)
}

func (d *fakeDialer) Name() string { return "fake" }

func (d *fakeDialer) Dial(_ context.Context, host string, params transport.Params) (transport.Conn, error) {
	d.mu.Lock()
	d.attempts++
	attempt := d.attempts
	d.hosts = append(d.hosts, host)
	d.params = append(d.params, params)
	d.mu.Unlock()
	return d.script(attempt, host)
}

func (d *fakeDialer) dialParams(i int) transport.Params {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.params[i]
}

func (d *fakeDialer) dialedHosts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.hosts))
	copy(out, d.hosts)
	return out
}

// alwaysFail scripts every attempt to fail with err.
func alwaysFail(err error) func(int, string) (transport.Conn, error) {
	return func(int, string) (transport.Conn, error) { return nil, err }
}

// wiringDialer wraps a test dialer so any fakeConn it hands out learns which
// connection it serves; deliver needs that to post inbound messages onto the
// loop.
type wiringDialer struct {
	transport.Dialer
	h *harness
}

func (d wiringDialer) Dial(ctx context.Context, host string, params transport.Params) (transport.Conn, error) {
	conn, err := d.Dialer.Dial(ctx, host, params)
	if fc, ok := conn.(*fakeConn); ok && fc != nil {
		fc.wire(d.h.conn)
	}
	return conn, err
}

// harness wires a client to a mock clock, a scripted dialer, and a recorder
// of connection state changes.
type harness struct {
	t      *testing.T
	clock  *clock.Mock
	dialer *fakeDialer
	client *Client
	conn   *Connection
	states chan ConnectionStateChange
}

func newHarness(t *testing.T, script func(int, string) (transport.Conn, error), mutate ...func(*Options)) *harness {
	t.Helper()

	h := &harness{
		t:      t,
		clock:  clock.NewMock(),
		dialer: &fakeDialer{script: script},
		states: make(chan ConnectionStateChange, 64),
	}

	opts := Options{
		PrimaryHost: "primary.example.com",
		Dialers:     []transport.Dialer{h.dialer},
		Clock:       h.clock,
		Rand:        rand.New(rand.NewSource(1)),
	}
	for _, m := range mutate {
		m(&opts)
	}
	for i, d := range opts.Dialers {
		opts.Dialers[i] = wiringDialer{Dialer: d, h: h}
	}

	client, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.client = client
	h.conn = client.Connection
	h.conn.OnAll(func(ch ConnectionStateChange) { h.states <- ch })

	t.Cleanup(h.conn.shutdown)
	return h
}

// expectState waits for the next connection state change and requires it to
// land in want.
func (h *harness) expectState(want ConnectionState) ConnectionStateChange {
	h.t.Helper()
	select {
	case ch := <-h.states:
		if ch.Current != want {
			h.t.Fatalf("state change: got %s -> %s, want -> %s", ch.Previous, ch.Current, want)
		}
		return ch
	case <-time.After(eventWait):
		h.t.Fatalf("timed out waiting for state %s", want)
		return ConnectionStateChange{}
	}
}

// expectNoState requires that no state change is already queued.
func (h *harness) expectNoState() {
	h.t.Helper()
	h.barrier()
	select {
	case ch := <-h.states:
		h.t.Fatalf("unexpected state change: %s -> %s", ch.Previous, ch.Current)
	default:
	}
}

// barrier waits until everything already posted to the loop has run. State
// handlers arm their timers after emitting, so tests must pass a barrier
// between observing an event and advancing the clock.
func (h *harness) barrier() {
	h.t.Helper()
	done := make(chan struct{})
	if !h.conn.post(func() { close(done) }) {
		return
	}
	select {
	case <-done:
	case <-time.After(eventWait):
		h.t.Fatal("loop barrier timed out")
	}
}

// advance moves the mock clock after the loop has quiesced.
func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.barrier()
	h.clock.Add(d)
}

// connectedMessage builds the server's handshake completion.
func connectedMessage(connID, connKey string, maxIdle time.Duration) *protocol.Message {
	return &protocol.Message{
		Action:       protocol.ActionConnected,
		ConnectionID: connID,
		ConnectionDetails: &protocol.ConnectionDetails{
			ConnectionKey:     connKey,
			MaxIdleIntervalMS: maxIdle.Milliseconds(),
		},
	}
}

// connectHappily drives the harness to connected over the given fake
// transport, which the script must have handed out.
func (h *harness) connectHappily(fc *fakeConn, connID string) {
	h.t.Helper()
	h.conn.Connect()
	h.expectState(ConnectionConnecting)
	h.barrier() // the dial result must land before the handshake reply
	fc.deliver(connectedMessage(connID, "key-"+connID, 0))
	h.expectState(ConnectionConnected)
	h.barrier()
}

// waitResult waits for a deferred result with a real-time bound.
func waitResult(t *testing.T, r *Result) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), eventWait)
	defer cancel()
	return r.Wait(ctx)
}
