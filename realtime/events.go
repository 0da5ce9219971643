package realtime

import (
	"sync"

	"github.com/risa-org/ripple/protocol"
)

// ConnectionState is the connection manager's lifecycle state.
type ConnectionState int

const (
	ConnectionInitialized  ConnectionState = iota // created, never connected
	ConnectionConnecting                          // attempt in flight
	ConnectionConnected                           // handshake acknowledged, traffic flowing
	ConnectionDisconnected                        // transient drop, retrying on backoff
	ConnectionSuspended                           // prolonged outage, slower fixed cadence
	ConnectionClosing                             // user close in progress
	ConnectionClosed                              // terminal, user-initiated
	ConnectionFailed                              // terminal, server-declared
)

var connectionStateNames = map[ConnectionState]string{
	ConnectionInitialized:  "initialized",
	ConnectionConnecting:   "connecting",
	ConnectionConnected:    "connected",
	ConnectionDisconnected: "disconnected",
	ConnectionSuspended:    "suspended",
	ConnectionClosing:      "closing",
	ConnectionClosed:       "closed",
	ConnectionFailed:       "failed",
}

func (s ConnectionState) String() string { return connectionStateNames[s] }

// ChannelState is a channel's attach lifecycle state.
type ChannelState int

const (
	ChannelInitialized ChannelState = iota
	ChannelAttaching
	ChannelAttached
	ChannelDetaching
	ChannelDetached
	ChannelSuspended // attach keeps being retried on the channel's own cadence
	ChannelFailed    // terminal until an explicit new attach
)

var channelStateNames = map[ChannelState]string{
	ChannelInitialized: "initialized",
	ChannelAttaching:   "attaching",
	ChannelAttached:    "attached",
	ChannelDetaching:   "detaching",
	ChannelDetached:    "detached",
	ChannelSuspended:   "suspended",
	ChannelFailed:      "failed",
}

func (s ChannelState) String() string { return channelStateNames[s] }

// ConnectionStateChange is delivered to connection observers on every
// transition. Reason is nil for healthy transitions.
type ConnectionStateChange struct {
	Previous ConnectionState
	Current  ConnectionState
	Reason   *protocol.ErrorInfo
}

// ChannelStateChange is the channel-scoped equivalent.
type ChannelStateChange struct {
	Previous ChannelState
	Current  ChannelState
	Reason   *protocol.ErrorInfo
}

// The emitters below dispatch a closed set of tagged state-change events to
// explicit observer lists owned by each state machine instance. There are
// no dynamic event names: you observe a concrete state, or every change.
// Handlers run synchronously on the state machine's scheduling context and
// must not block.

type connEmitter struct {
	mu      sync.Mutex
	nextID  int
	byState map[ConnectionState]map[int]func(ConnectionStateChange)
	all     map[int]func(ConnectionStateChange)
}

func newConnEmitter() *connEmitter {
	return &connEmitter{
		byState: make(map[ConnectionState]map[int]func(ConnectionStateChange)),
		all:     make(map[int]func(ConnectionStateChange)),
	}
}

// on registers an observer for one target state. The returned func removes
// it; removing twice is a no-op.
func (e *connEmitter) on(state ConnectionState, fn func(ConnectionStateChange)) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	if e.byState[state] == nil {
		e.byState[state] = make(map[int]func(ConnectionStateChange))
	}
	e.byState[state][id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.byState[state], id)
	}
}

func (e *connEmitter) onAll(fn func(ConnectionStateChange)) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.all[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.all, id)
	}
}

func (e *connEmitter) emit(change ConnectionStateChange) {
	e.mu.Lock()
	fns := make([]func(ConnectionStateChange), 0, len(e.all)+len(e.byState[change.Current]))
	for _, fn := range e.byState[change.Current] {
		fns = append(fns, fn)
	}
	for _, fn := range e.all {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}

type chanEmitter struct {
	mu      sync.Mutex
	nextID  int
	byState map[ChannelState]map[int]func(ChannelStateChange)
	all     map[int]func(ChannelStateChange)
}

func newChanEmitter() *chanEmitter {
	return &chanEmitter{
		byState: make(map[ChannelState]map[int]func(ChannelStateChange)),
		all:     make(map[int]func(ChannelStateChange)),
	}
}

func (e *chanEmitter) on(state ChannelState, fn func(ChannelStateChange)) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	if e.byState[state] == nil {
		e.byState[state] = make(map[int]func(ChannelStateChange))
	}
	e.byState[state][id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.byState[state], id)
	}
}

func (e *chanEmitter) onAll(fn func(ChannelStateChange)) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.all[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.all, id)
	}
}

func (e *chanEmitter) emit(change ChannelStateChange) {
	e.mu.Lock()
	fns := make([]func(ChannelStateChange), 0, len(e.all)+len(e.byState[change.Current]))
	for _, fn := range e.byState[change.Current] {
		fns = append(fns, fn)
	}
	for _, fn := range e.all {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}
