// Package comet is the request/response fallback transport, for networks
// where a persistent socket cannot be established. Outbound messages are
// POSTed one at a time; inbound messages arrive through an HTTP long-poll
// loop. Slower than the socket transport, but it traverses almost anything.
package comet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/risa-org/ripple/protocol"
	"github.com/risa-org/ripple/transport"
)

// tokenHeader carries the server-issued session token that ties the
// separate HTTP requests of one logical connection together.
const tokenHeader = "Comet-Token"

// Dialer implements transport.Dialer for the comet kind.
type Dialer struct {
	// Secure selects https:// instead of http://.
	Secure bool

	// BasePath is the endpoint prefix, "/comet" if empty.
	BasePath string

	// HTTPClient overrides the default client. Long-poll requests are
	// bounded server-side, so the client must not set a short Timeout.
	HTTPClient *http.Client
}

func (d *Dialer) Name() string { return "comet" }

// Dial performs the connect request. The server answers with the first
// protocol message of the connection (normally CONNECTED) and a session
// token; the message is delivered through Receive() so the connection
// manager sees the handshake uniformly across transport kinds.
func (d *Dialer) Dial(ctx context.Context, host string, params transport.Params) (transport.Conn, error) {
	base := d.baseURL(host)
	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/connect?"+encodeParams(params), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, connectError(resp.StatusCode, body)
	}

	first, err := protocol.Decode(body)
	if err != nil {
		return nil, err
	}
	token := resp.Header.Get(tokenHeader)
	if token == "" {
		return nil, fmt.Errorf("comet: connect response missing %s header", tokenHeader)
	}

	c := newConn(client, base, token)
	c.incoming <- first
	go c.recvLoop()
	return c, nil
}

func (d *Dialer) baseURL(host string) string {
	scheme := "http"
	if d.Secure {
		scheme = "https"
	}
	path := d.BasePath
	if path == "" {
		path = "/comet"
	}
	return scheme + "://" + host + path
}

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

// connectError surfaces a structured rejection when the body parses as a
// protocol error, so auth failures and placement redirects keep their codes.
func connectError(status int, body []byte) error {
	if m, err := protocol.Decode(body); err == nil && m.Error != nil {
		return m.Error
	}
	return protocol.NewError(protocol.CodeConnectionFailed, status, fmt.Sprintf("comet: connect rejected (%d)", status))
}

// Conn implements transport.Conn over a comet session.
type Conn struct {
	client     *http.Client
	base       string
	token      string
	incoming   chan *protocol.Message
	disconnect chan transport.DisconnectEvent
	closeOnce  sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
}

func newConn(client *http.Client, base, token string) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		client:     client,
		base:       base,
		token:      token,
		incoming:   make(chan *protocol.Message, 64),
		disconnect: make(chan transport.DisconnectEvent, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Send POSTs one encoded protocol message.
func (c *Conn) Send(m *protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.base+"/send", bytes.NewReader(data))
	if err != nil {
		return transport.ErrConnClosed
	}
	req.Header.Set(tokenHeader, c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return transport.ErrConnClosed
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
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
	c.closeOnce.Do(func() {
		c.cancel()
		// best-effort: tell the server to drop the session so it doesn't
		// hold the long-poll open until its own timeout
		req, err := http.NewRequest(http.MethodPost, c.base+"/close", nil)
		if err == nil {
			req.Header.Set(tokenHeader, c.token)
			if resp, err := c.client.Do(req); err == nil {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
		}
	})
	return nil
}

// recvLoop long-polls the recv endpoint until the session dies. Each
// successful poll returns a JSON array of envelopes; an empty poll (204)
// just means the server's poll window elapsed with nothing to say.
func (c *Conn) recvLoop() {
	defer func() {
		close(c.incoming)
		c.Close()
	}()

	for {
		msgs, err := c.poll()
		if err != nil {
			c.signalDisconnect(err)
			return
		}
		for _, m := range msgs {
			select {
			case c.incoming <- m:
			case <-c.ctx.Done():
				c.signalDisconnect(nil)
				return
			}
		}
	}
}

func (c *Conn) poll() ([]*protocol.Message, error) {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.base+"/recv", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(tokenHeader, c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		var msgs []*protocol.Message
		if err := json.Unmarshal(body, &msgs); err != nil {
			return nil, err
		}
		return msgs, nil
	default:
		return nil, fmt.Errorf("comet: recv returned %d", resp.StatusCode)
	}
}

// signalDisconnect sends exactly one disconnect event. A nil error or a
// canceled context means we closed the session ourselves.
func (c *Conn) signalDisconnect(err error) {
	event := transport.DisconnectEvent{}

	if err == nil || c.ctx.Err() != nil {
		event.Reason = transport.ReasonClosedClean
	} else {
		event.Reason = transport.ReasonNetworkError
		event.Err = err
	}

	select {
	case c.disconnect <- event:
	default:
	}
}
