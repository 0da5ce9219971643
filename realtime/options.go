// Package realtime is the client-side runtime: one logical connection and a
// set of logical channels maintained over an unreliable, switchable physical
// transport, with automatic recovery, ordered at-least-once delivery, and
// deterministic failure propagation.
package realtime

import (
	"errors"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/risa-org/ripple/transport"
	"go.uber.org/zap"
)

// Default timeouts. Callers override per field; zero means "use default".
const (
	DefaultDisconnectedRetryTimeout = 15 * time.Second
	DefaultSuspendedRetryTimeout    = 30 * time.Second
	DefaultChannelRetryTimeout      = 15 * time.Second
	DefaultRealtimeRequestTimeout   = 10 * time.Second
	DefaultConnectionStateTTL       = 2 * time.Minute
)

// Options configures a Client. PrimaryHost and at least one Dialer are
// required; everything else has a sensible default.
type Options struct {
	// PrimaryHost is the service endpoint tried first on every fresh
	// connection cycle.
	PrimaryHost string

	// FallbackHosts are tried, in order, after the primary fails with a
	// placement-constraint error (the server signalling it cannot serve
	// this host right now).
	FallbackHosts []string

	// Dialers is the transport preference list. The first kind is tried
	// first; if its dial fails at the transport level the next kind is
	// tried on the following attempt.
	Dialers []transport.Dialer

	// ClientID identifies this client to the service. A random one is
	// generated when empty.
	ClientID string

	// AuthToken authenticates connection attempts.
	AuthToken string

	// DisconnectedRetryTimeout is the backoff base for reconnect attempts
	// while disconnected.
	DisconnectedRetryTimeout time.Duration

	// SuspendedRetryTimeout is the fixed retry cadence once the connection
	// has escalated to suspended.
	SuspendedRetryTimeout time.Duration

	// ChannelRetryTimeout is the backoff base for channel re-attach
	// attempts after an attach timeout or transient failure.
	ChannelRetryTimeout time.Duration

	// RealtimeRequestTimeout bounds individual protocol operations:
	// connection establishment, attach/detach acknowledgment, clean close.
	// It is also the grace margin added to the server's advertised idle
	// interval before the transport is declared dead.
	RealtimeRequestTimeout time.Duration

	// ConnectionStateTTL is how long the client keeps cycling through
	// disconnected retries before escalating to suspended. The server may
	// advertise a different value on CONNECTED, which wins.
	ConnectionStateTTL time.Duration

	// NoQueueing disables buffering of published messages while the
	// connection is connecting or disconnected. With queueing off such
	// sends fail immediately with a not-connected error.
	NoQueueing bool

	// Recovery, when set, persists the connection key across process
	// restarts so the next Connect can ask the server to resume.
	Recovery RecoveryStore

	// Logger receives structured runtime events. Defaults to a no-op.
	Logger *zap.Logger

	// Clock drives every timer in the runtime. Tests inject clock.NewMock
	// to step time deterministically. Defaults to the wall clock.
	Clock clock.Clock

	// Rand feeds retry jitter. Defaults to the global source.
	Rand *rand.Rand
}

var (
	errNoPrimaryHost = errors.New("realtime: Options.PrimaryHost is required")
	errNoDialers     = errors.New("realtime: Options.Dialers must contain at least one transport")
)

// validate checks the required fields before any defaults are applied.
func (o *Options) validate() error {
	if o.PrimaryHost == "" {
		return errNoPrimaryHost
	}
	if len(o.Dialers) == 0 {
		return errNoDialers
	}
	return nil
}

// withDefaults returns a copy with every zero field filled in.
func (o Options) withDefaults() Options {
	if o.DisconnectedRetryTimeout == 0 {
		o.DisconnectedRetryTimeout = DefaultDisconnectedRetryTimeout
	}
	if o.SuspendedRetryTimeout == 0 {
		o.SuspendedRetryTimeout = DefaultSuspendedRetryTimeout
	}
	if o.ChannelRetryTimeout == 0 {
		o.ChannelRetryTimeout = DefaultChannelRetryTimeout
	}
	if o.RealtimeRequestTimeout == 0 {
		o.RealtimeRequestTimeout = DefaultRealtimeRequestTimeout
	}
	if o.ConnectionStateTTL == 0 {
		o.ConnectionStateTTL = DefaultConnectionStateTTL
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}
