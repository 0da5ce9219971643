package transport

import (
	"context"
	"errors"

	"github.com/risa-org/ripple/protocol"
)

// ErrConnClosed is returned when you try to send on a closed transport.
// Named errors like this let callers check the exact cause with errors.Is()
// instead of comparing raw strings, which is fragile and breaks easily.
var ErrConnClosed = errors.New("transport: connection closed")

// DisconnectReason tells the connection manager why a transport closed.
// This feeds directly into retry classification: a clean close is never
// retried, a network error or timeout is.
type DisconnectReason int

const (
	ReasonUnknown      DisconnectReason = iota // catch-all, should be rare
	ReasonNetworkError                         // underlying connection failed
	ReasonTimeout                              // no activity within deadline
	ReasonClosedClean                          // graceful shutdown by either side
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNetworkError:
		return "network_error"
	case ReasonTimeout:
		return "timeout"
	case ReasonClosedClean:
		return "closed_clean"
	default:
		return "unknown"
	}
}

// DisconnectEvent is sent on the channel returned by Disconnected().
// It bundles the reason with an optional error for debugging.
type DisconnectEvent struct {
	Reason DisconnectReason
	Err    error // nil on clean close, populated on errors
}

// Params carries the per-attempt connection parameters a dialer turns into
// whatever its wire format wants (query string, headers, first frame).
type Params struct {
	// ClientID identifies this client instance to the service.
	ClientID string

	// AuthToken authenticates the connection attempt.
	AuthToken string

	// Recover, when non-empty, is the connection key of a previous
	// connection the client wants the server to resume.
	Recover string

	// RecoverSerial is the last message serial the client had confirmed
	// on the recovered connection. Only meaningful with Recover.
	RecoverSerial int64
}

// Conn is a single established physical connection carrying protocol
// messages. The connection manager only ever talks to this interface;
// it never imports websocket, comet, or anything concrete.
//
// This is how you get "same core logic, swappable backends."
type Conn interface {
	// Send delivers a protocol message to the service.
	// Returns ErrConnClosed if the transport is no longer active.
	Send(m *protocol.Message) error

	// Receive returns a channel that emits inbound protocol messages.
	// The channel is closed when the transport closes.
	Receive() <-chan *protocol.Message

	// Disconnected returns a channel that emits exactly one DisconnectEvent
	// when the transport closes, for any reason.
	Disconnected() <-chan DisconnectEvent

	// Close shuts down the transport cleanly.
	// Safe to call multiple times; subsequent calls are no-ops.
	Close() error
}

// Dialer establishes connections of one transport kind. The connection
// manager holds an ordered preference list of these and walks it when
// picking a transport for each attempt.
type Dialer interface {
	// Name identifies the transport kind, for logs.
	Name() string

	// Dial connects to the given host. The context bounds the whole
	// establishment, including any handshake the kind requires.
	Dial(ctx context.Context, host string, params Params) (Conn, error)
}
