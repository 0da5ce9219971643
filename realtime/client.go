package realtime

import "context"

// Client is the top-level handle: one connection, a lazy channel registry,
// and nothing else. Channels and the connection share a single scheduling
// loop owned by the connection, so every state transition in the client is
// serialized.
type Client struct {
	Connection *Connection
	Channels   *Channels
}

// New builds a client from the given options. The connection starts in
// initialized; call Connect (or just publish, with queueing on) to bring it
// up.
func New(opts Options) (*Client, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	o := opts.withDefaults()

	conn := newConnection(&o)
	channels := newChannels(conn)
	conn.channels = channels

	return &Client{Connection: conn, Channels: channels}, nil
}

// Connect starts the connection. Equivalent to c.Connection.Connect.
func (c *Client) Connect() *Result {
	return c.Connection.Connect()
}

// Channel returns the named channel, creating it on first use.
func (c *Client) Channel(name string) *Channel {
	return c.Channels.Get(name)
}

// Close shuts the client down: a clean connection close bounded by ctx,
// then the scheduling loop. The client is unusable afterwards.
func (c *Client) Close(ctx context.Context) error {
	err := c.Connection.Close().Wait(ctx)
	c.Connection.shutdown()
	return err
}
