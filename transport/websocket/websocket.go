// Package websocket is the socket-based transport: a persistent WebSocket
// connection carrying one JSON-encoded protocol message per frame.
// WebSocket already has message boundaries built in, so we don't need to
// implement our own framing.
package websocket

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/risa-org/ripple/protocol"
	"github.com/risa-org/ripple/transport"
	"nhooyr.io/websocket"
)

// Dialer implements transport.Dialer for the WebSocket kind.
// The zero value dials ws://<host>/realtime.
type Dialer struct {
	// Secure selects wss:// instead of ws://.
	Secure bool

	// Path is the endpoint path, "/realtime" if empty.
	Path string

	// HTTPClient overrides the client used for the upgrade request.
	HTTPClient *http.Client
}

func (d *Dialer) Name() string { return "websocket" }

// Dial connects and upgrades. The server speaks first: the CONNECTED
// handshake message arrives through Receive(), not here.
func (d *Dialer) Dial(ctx context.Context, host string, params transport.Params) (transport.Conn, error) {
	scheme := "ws"
	if d.Secure {
		scheme = "wss"
	}
	path := d.Path
	if path == "" {
		path = "/realtime"
	}

	u := url.URL{Scheme: scheme, Host: host, Path: path, RawQuery: encodeParams(params)}

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	return newConn(conn), nil
}

// encodeParams turns connection parameters into the query string the
// service expects.
func encodeParams(p transport.Params) string {
	q := url.Values{}
	if p.ClientID != "" {
		q.Set("clientId", p.ClientID)
	}
	if p.AuthToken != "" {
		q.Set("accessToken", p.AuthToken)
	}
	if p.Recover != "" {
		q.Set("recover", p.Recover)
		q.Set("recoverSerial", strconv.FormatInt(p.RecoverSerial, 10))
	}
	return q.Encode()
}

// Conn implements transport.Conn over an established WebSocket connection.
type Conn struct {
	conn       *websocket.Conn
	incoming   chan *protocol.Message
	disconnect chan transport.DisconnectEvent
	closeOnce  sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
}

// newConn wraps an established *websocket.Conn and immediately starts the
// read loop in the background.
func newConn(conn *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		conn:       conn,
		incoming:   make(chan *protocol.Message, 64),       // buffered so reader doesn't block on slow consumers
		disconnect: make(chan transport.DisconnectEvent, 1), // buffered so writer never blocks
		ctx:        ctx,
		cancel:     cancel,
	}
	go c.readLoop()
	return c
}

func (c *Conn) Send(m *protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		return transport.ErrConnClosed
	}
	return nil
}

func (c *Conn) Receive() <-chan *protocol.Message {
	return c.incoming
}

func (c *Conn) Disconnected() <-chan transport.DisconnectEvent {
	return c.disconnect
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close(websocket.StatusNormalClosure, "closed")
	})
	return err
}

func (c *Conn) readLoop() {
	defer func() {
		close(c.incoming)
		c.Close()
	}()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.signalDisconnect(err)
			return
		}
		m, err := protocol.Decode(data)
		if err != nil {
			// an unparseable frame means the two sides disagree about
			// the wire format; nothing sane to do but drop the transport
			c.signalDisconnect(err)
			return
		}
		c.incoming <- m
	}
}

// signalDisconnect sends exactly one disconnect event.
// StatusNormalClosure (1000) and StatusGoingAway (1001) are both clean closes;
// different WebSocket implementations and shutdown timing produce either code.
// Context cancellation means we closed it ourselves, also clean.
func (c *Conn) signalDisconnect(err error) {
	event := transport.DisconnectEvent{}

	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure,
		status == websocket.StatusGoingAway,
		c.ctx.Err() != nil:
		event.Reason = transport.ReasonClosedClean
	default:
		event.Reason = transport.ReasonNetworkError
		event.Err = err
	}

	select {
	case c.disconnect <- event:
	default:
	}
}
