package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/risa-org/ripple/backoff"
	"github.com/risa-org/ripple/protocol"
	"github.com/risa-org/ripple/transport"
	"go.uber.org/zap"
)

// ErrClientStopped is returned by operations issued after the client's
// scheduling loop has shut down.
var ErrClientStopped = errors.New("realtime: client stopped")

// Connection owns the one logical connection of a client: it selects
// transport kind and host per attempt, runs the connection state machine,
// schedules retries with bounded jittered backoff, watches liveness via the
// server-advertised idle interval, and demultiplexes every inbound protocol
// message to the right consumer (itself, the pending-message ledger, or a
// channel).
//
// Everything stateful runs on one scheduling context: a single goroutine
// draining the op queue. Inbound transport events, timer fires, and public
// API calls are all posted there, so no two transitions ever interleave and
// none of the state below needs locking (the small mu only mirrors state
// for cheap external reads).
type Connection struct {
	opts *Options
	log  *zap.Logger
	clk  clock.Clock
	id   string // client instance id, stable for the client's lifetime

	opsMu    sync.Mutex
	opsQueue []func()
	opsWake  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	mu     sync.RWMutex // guards the mirrored state/reason for State()/ErrorReason()
	state  ConnectionState
	reason *protocol.ErrorInfo

	emitter *connEmitter
	slots   transportSlots
	hosts   *hostCursor

	dialerIdx  int    // cursor into the transport preference list
	dialGen    uint64 // invalidates dial results/timeouts from abandoned attempts
	retryCount int    // failed connecting→disconnected cycles since last connected

	stateTTL   time.Duration // effective TTL; server-advertised value wins
	ttlExpired bool          // disconnected retries now escalate to suspended
	maxIdle    time.Duration // server-advertised idle interval, 0 = unknown

	connID        string
	connKey       string
	recoverKey    string // presented on the next dial to resume
	recoverSerial int64
	recoveryCh    chan *RecoveryInfo // latest-wins queue to the writer; nil info means clear

	connectTimer *timerSlot // bounds dial + handshake, and the clean-close handshake
	retryTimer   *timerSlot // the single outstanding retry timer for this scope
	ttlTimer     *timerSlot // disconnected → suspended escalation deadline
	idleTimer    *timerSlot // liveness watchdog while connected

	ledger *pendingLedger
	queued []queuedMessage

	connectWaiters []*Result
	closeWaiters   []*Result

	channels *Channels // set by the client right after construction
}

// queuedMessage is a send accepted while not yet connected, waiting for the
// connection to come up.
type queuedMessage struct {
	msg    *protocol.Message
	result *Result
}

func newConnection(opts *Options) *Connection {
	c := &Connection{
		opts:     opts,
		log:      opts.Logger.Named("connection"),
		clk:      opts.Clock,
		id:       opts.ClientID,
		opsWake:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		state:    ConnectionInitialized,
		emitter:  newConnEmitter(),
		hosts:    newHostCursor(opts.PrimaryHost, opts.FallbackHosts),
		stateTTL: opts.ConnectionStateTTL,
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	c.ledger = newPendingLedger(c.log)
	c.connectTimer = newTimerSlot(c.clk, c.post)
	c.retryTimer = newTimerSlot(c.clk, c.post)
	c.ttlTimer = newTimerSlot(c.clk, c.post)
	c.idleTimer = newTimerSlot(c.clk, c.post)

	c.loadRecovery()
	if opts.Recovery != nil {
		c.recoveryCh = make(chan *RecoveryInfo, 1)
		go c.recoveryWriter()
	}

	go c.loop()
	return c
}

// loop is the single scheduling context. Every state transition in the
// client, connection and channels alike, executes here.
func (c *Connection) loop() {
	for {
		select {
		case <-c.stop:
			return
		case <-c.opsWake:
			for {
				c.opsMu.Lock()
				batch := c.opsQueue
				c.opsQueue = nil
				c.opsMu.Unlock()
				if len(batch) == 0 {
					break
				}
				for _, fn := range batch {
					fn()
				}
			}
		}
	}
}

// post schedules fn on the loop, in FIFO order. Returns false once the
// client is stopped. The queue is unbounded, so posting never blocks: a
// subscriber or state-change handler (which runs on the loop itself) may
// call straight back into the client without deadlocking the loop.
func (c *Connection) post(fn func()) bool {
	select {
	case <-c.stop:
		return false
	default:
	}
	c.opsMu.Lock()
	c.opsQueue = append(c.opsQueue, fn)
	c.opsMu.Unlock()
	select {
	case c.opsWake <- struct{}{}:
	default:
	}
	return true
}

// shutdown stops the scheduling loop. Called by the client after the
// connection has reached a terminal state.
func (c *Connection) shutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ErrorReason returns the last terminal or transient error, or nil.
func (c *Connection) ErrorReason() *protocol.ErrorInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reason
}

// ID returns the server-assigned connection id, empty until connected.
func (c *Connection) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connID
}

// On registers an observer for one connection state. The returned func
// unregisters it.
func (c *Connection) On(state ConnectionState, fn func(ConnectionStateChange)) (off func()) {
	return c.emitter.on(state, fn)
}

// OnAll registers an observer for every state change.
func (c *Connection) OnAll(fn func(ConnectionStateChange)) (off func()) {
	return c.emitter.onAll(fn)
}

// Connect starts (or restarts) the connection. The result settles when
// connected is reached, or rejects if the connection ends up failed or
// closed first.
func (c *Connection) Connect() *Result {
	r := newResult()
	if !c.post(func() { c.connectLocked(r) }) {
		r.settle(ErrClientStopped)
	}
	return r
}

// Close shuts the connection down cleanly. The result settles when the
// closed state is reached.
func (c *Connection) Close() *Result {
	r := newResult()
	if !c.post(func() { c.closeLocked(r) }) {
		r.settle(nil)
	}
	return r
}

// ---------------------------------------------------------------
// state machine: everything below runs on the loop
// ---------------------------------------------------------------

// setState performs a transition and synchronously notifies observers.
// reason == nil keeps the previous errorReason for healthy transitions.
func (c *Connection) setState(next ConnectionState, reason *protocol.ErrorInfo) {
	prev := c.state

	c.mu.Lock()
	c.state = next
	if reason != nil {
		c.reason = reason
	}
	c.mu.Unlock()

	c.log.Debug("connection state change",
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
		zap.Error(errOrNil(reason)))

	switch next {
	case ConnectionConnected:
		c.settleConnectWaiters(nil)
	case ConnectionFailed:
		c.settleConnectWaiters(reason)
	case ConnectionClosed:
		c.settleConnectWaiters(protocol.NewError(protocol.CodeConnectionClosed, 400, "connection closed by client"))
		for _, w := range c.closeWaiters {
			w.settle(nil)
		}
		c.closeWaiters = nil
	}

	c.emitter.emit(ConnectionStateChange{Previous: prev, Current: next, Reason: reason})
}

func (c *Connection) settleConnectWaiters(err *protocol.ErrorInfo) {
	for _, w := range c.connectWaiters {
		if err != nil {
			w.settle(err)
		} else {
			w.settle(nil)
		}
	}
	c.connectWaiters = nil
}

func (c *Connection) connectLocked(r *Result) {
	switch c.state {
	case ConnectionConnected:
		r.settle(nil)
	case ConnectionConnecting:
		c.connectWaiters = append(c.connectWaiters, r)
	case ConnectionClosing:
		r.settle(protocol.NewError(protocol.CodeConnectionClosed, 400, "connection is closing"))
	default:
		// initialized, disconnected, suspended, closed, failed: an explicit
		// connect always starts a fresh cycle, clearing terminal history
		c.connectWaiters = append(c.connectWaiters, r)
		c.retryTimer.cancel()
		c.ttlTimer.cancel()
		c.ttlExpired = false
		c.startConnect(nil)
	}
}

// startConnect enters connecting and launches one attempt.
func (c *Connection) startConnect(reason *protocol.ErrorInfo) {
	c.setState(ConnectionConnecting, reason)
	c.startAttempt()
}

// startAttempt selects transport kind and host and dials off-loop. The
// connect timer bounds the whole attempt, handshake included.
func (c *Connection) startAttempt() {
	host := c.hosts.current()
	dialer := c.opts.Dialers[c.dialerIdx]

	c.dialGen++
	gen := c.dialGen

	params := transport.Params{
		ClientID:      c.id,
		AuthToken:     c.opts.AuthToken,
		Recover:       c.recoverKey,
		RecoverSerial: c.recoverSerial,
	}

	c.connectTimer.arm(c.opts.RealtimeRequestTimeout, func() { c.onConnectTimeout(gen) })

	c.log.Debug("dialing",
		zap.String("transport", dialer.Name()),
		zap.String("host", host))

	timeout := c.opts.RealtimeRequestTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		conn, err := dialer.Dial(ctx, host, params)
		if !c.post(func() { c.onDialResult(gen, conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (c *Connection) onDialResult(gen uint64, t transport.Conn, err error) {
	if gen != c.dialGen || c.state != ConnectionConnecting {
		// attempt was abandoned while the dial was in flight
		if t != nil {
			t.Close()
		}
		return
	}
	if err != nil {
		c.onAttemptFailure(protocol.ErrorFrom(err))
		return
	}
	// transport established; it stays a candidate until the server's
	// CONNECTED promotes it
	c.slots.setCandidate(t)
	go c.pump(t)
}

func (c *Connection) onConnectTimeout(gen uint64) {
	if gen != c.dialGen || c.state != ConnectionConnecting {
		return
	}
	c.onAttemptFailure(protocol.NewTimeoutError(protocol.CodeConnectionTimeout, "connection attempt timed out"))
}

// onAttemptFailure classifies a failed connecting cycle and decides where
// to go: fallback host (placement constraint, not counted), failed
// (server-fatal), suspended (TTL expired) or disconnected (normal retry).
func (c *Connection) onAttemptFailure(ei *protocol.ErrorInfo) {
	c.dialGen++
	c.connectTimer.cancel()
	c.slots.dropCandidate()

	if protocol.IsConnectionFatal(ei) {
		c.fail(ei)
		return
	}

	if protocol.IsPlacementConstraint(ei) {
		wrapped := c.hosts.advance()
		if !wrapped {
			c.log.Info("placement constraint, re-attempting against fallback host",
				zap.String("host", c.hosts.current()),
				zap.Int("code", ei.Code))
			// a host problem is not a retry attempt
			c.startAttempt()
			return
		}
		// every host rejected us: fall through, count as a normal failure
	}

	// next attempt tries the next transport kind in the preference list
	c.dialerIdx = (c.dialerIdx + 1) % len(c.opts.Dialers)

	c.retryCount++
	if c.ttlExpired {
		c.enterSuspended(ei)
		return
	}
	c.setState(ConnectionDisconnected, ei)
	c.armTTLIfNeeded()
	c.retryTimer.arm(backoff.Delay(c.retryCount, c.opts.DisconnectedRetryTimeout, c.opts.Rand), c.onRetryTimer)
}

// armTTLIfNeeded starts the disconnected→suspended escalation clock the
// first time a disconnect cycle begins; it keeps running across subsequent
// connecting/disconnected churn until connected is reached again.
func (c *Connection) armTTLIfNeeded() {
	if c.ttlTimer.armed() || c.ttlExpired {
		return
	}
	c.ttlTimer.arm(c.stateTTL, c.onTTLElapsed)
}

func (c *Connection) onTTLElapsed() {
	c.ttlExpired = true
	if c.state == ConnectionDisconnected {
		c.retryTimer.cancel()
		c.enterSuspended(protocol.NewError(protocol.CodeConnectionSuspended, 503,
			"unable to reconnect within the connection state TTL"))
	}
	// if an attempt is in flight, its failure path consults ttlExpired
}

// enterSuspended escalates a prolonged outage. Pending and queued sends are
// rejected, since no acknowledgment can arrive anymore, and channels move to
// their own suspended retry cadence. Retries continue at the fixed, slower
// suspended timeout.
func (c *Connection) enterSuspended(ei *protocol.ErrorInfo) {
	suspendErr := ei
	if suspendErr == nil || suspendErr.Code != protocol.CodeConnectionSuspended {
		suspendErr = protocol.NewError(protocol.CodeConnectionSuspended, 503, "connection suspended")
	}
	c.setState(ConnectionSuspended, suspendErr)
	c.ledger.failAll(suspendErr)
	c.rejectQueued(suspendErr)
	c.channels.connectionSuspended(suspendErr)
	c.retryTimer.arm(c.opts.SuspendedRetryTimeout, c.onRetryTimer)
}

func (c *Connection) onRetryTimer() {
	if c.state != ConnectionDisconnected && c.state != ConnectionSuspended {
		return
	}
	c.startConnect(nil)
}

// pump forwards one transport's events onto the loop. It exits when the
// transport signals its disconnect. Late posts from a displaced transport
// are discarded by the slot ownership check in the handlers.
func (c *Connection) pump(t transport.Conn) {
	recv := t.Receive()
	disc := t.Disconnected()
	for {
		select {
		case m, ok := <-recv:
			if !ok {
				recv = nil // drained; wait for the disconnect event
				continue
			}
			c.post(func() { c.handleMessage(t, m) })
		case ev := <-disc:
			c.post(func() { c.handleTransportBreak(t, ev) })
			return
		}
	}
}

func (c *Connection) handleTransportBreak(t transport.Conn, ev transport.DisconnectEvent) {
	if !c.slots.owns(t) {
		return // quiesced transport, drop its events
	}

	if t == c.slots.candidate {
		// broke during the handshake
		if c.state == ConnectionConnecting {
			c.onAttemptFailure(errFromEvent(ev))
		} else {
			c.slots.dropCandidate()
		}
		return
	}

	// active transport broke
	switch c.state {
	case ConnectionConnected:
		c.transportLost(errFromEvent(ev))
	case ConnectionClosing:
		// the server dropped us before CLOSED arrived; good enough
		c.finishClose()
	default:
		c.slots.dropCurrent()
	}
}

// transportLost handles any break of the active transport (socket close,
// server DISCONNECTED, or idle timeout) by re-entering the retry cycle.
func (c *Connection) transportLost(ei *protocol.ErrorInfo) {
	c.slots.dropCurrent()
	c.idleTimer.cancel()
	c.retryCount++
	c.setState(ConnectionDisconnected, ei)
	c.armTTLIfNeeded()
	c.retryTimer.arm(backoff.Delay(c.retryCount, c.opts.DisconnectedRetryTimeout, c.opts.Rand), c.onRetryTimer)
}

// handleMessage demultiplexes one inbound protocol message by action:
// channel-scoped actions to the named channel, acknowledgments to the
// ledger, everything else to the connection's own state machine.
func (c *Connection) handleMessage(t transport.Conn, m *protocol.Message) {
	if !c.slots.owns(t) {
		return
	}

	if t == c.slots.candidate {
		// a candidate only gets to finish or fail its handshake
		switch m.Action {
		case protocol.ActionConnected:
			c.onConnected(m)
		case protocol.ActionError, protocol.ActionDisconnected:
			if c.state == ConnectionConnecting {
				c.onAttemptFailure(messageError(m))
			}
		}
		return
	}

	// any traffic on the active transport proves liveness
	if c.state == ConnectionConnected {
		c.armIdleTimer()
	}

	switch m.Action {
	case protocol.ActionHeartbeat:
		// idle timer already refreshed above

	case protocol.ActionConnected:
		// details refresh on an already-active transport
		c.applyConnectionDetails(m)

	case protocol.ActionDisconnected:
		if c.state == ConnectionConnected {
			c.transportLost(messageError(m))
		}

	case protocol.ActionClosed:
		if c.state == ConnectionClosing {
			c.finishClose()
		}

	case protocol.ActionError:
		if m.Channel != "" {
			c.channels.route(m)
			return
		}
		c.fail(messageError(m))

	case protocol.ActionAck:
		c.ledger.ack(m.MsgSerial, m.Count)
		c.recoverSerial = c.ledger.nextSerial
		c.persistRecovery()

	case protocol.ActionNack:
		c.ledger.nack(m.MsgSerial, m.Count, m.Error)
		c.recoverSerial = c.ledger.nextSerial
		c.persistRecovery()

	case protocol.ActionAttached, protocol.ActionDetached,
		protocol.ActionMessage, protocol.ActionPresence:
		c.channels.route(m)

	default:
		c.log.Debug("dropping unroutable message", zap.Stringer("action", m.Action))
	}
}

// onConnected completes the handshake: the candidate becomes the active
// transport, retry bookkeeping resets, server-advertised parameters are
// adopted, and everything that waited for connectivity is released.
func (c *Connection) onConnected(m *protocol.Message) {
	c.connectTimer.cancel()
	c.dialGen++
	c.slots.promote()

	c.retryCount = 0
	c.dialerIdx = 0
	c.hosts.reset()
	c.ttlExpired = false
	c.ttlTimer.cancel()

	c.mu.Lock()
	c.connID = m.ConnectionID
	c.mu.Unlock()

	c.applyConnectionDetails(m)

	resumeRejected := c.recoverKey != "" && m.Error != nil
	if resumeRejected {
		// the previous connection's state is gone server-side: everything
		// in flight on it can never be acknowledged
		c.log.Warn("connection resume rejected", zap.Error(m.Error))
		c.ledger.failAll(m.Error)
	}
	// resume the new connection from now on
	c.recoverKey = c.connKey
	c.recoverSerial = c.ledger.nextSerial

	c.setState(ConnectionConnected, m.Error)
	c.persistRecovery()
	c.armIdleTimer()

	// at-least-once across transport changes: re-send what was in flight
	if cur := c.slots.current; cur != nil {
		c.ledger.resend(cur.Send)
	}
	c.drainQueued()
	c.channels.connectionConnected(resumeRejected)
}

func (c *Connection) applyConnectionDetails(m *protocol.Message) {
	d := m.ConnectionDetails
	if d == nil {
		return
	}
	if d.MaxIdleInterval() > 0 {
		c.maxIdle = d.MaxIdleInterval()
	}
	if d.ConnectionStateTTL() > 0 {
		c.stateTTL = d.ConnectionStateTTL()
	}
	if d.ConnectionKey != "" {
		c.connKey = d.ConnectionKey
	}
}

// armIdleTimer (re)starts the liveness watchdog. Reset on every inbound
// message; firing means the server went silent past its own promise plus
// the grace margin, which we treat as a transport break.
func (c *Connection) armIdleTimer() {
	if c.maxIdle <= 0 {
		return // server advertised nothing to hold it to
	}
	c.idleTimer.arm(c.maxIdle+c.opts.RealtimeRequestTimeout, c.onIdleTimeout)
}

func (c *Connection) onIdleTimeout() {
	if c.state != ConnectionConnected {
		return
	}
	c.log.Warn("idle timeout, treating transport as dead",
		zap.Duration("max_idle", c.maxIdle))
	c.transportLost(protocol.NewTimeoutError(protocol.CodeDisconnected,
		"no activity on connection within the idle interval"))
}

// fail is the terminal server-declared failure path. Propagation to every
// channel and every pending entry happens synchronously, within this same
// transition step; there is no partial window where some observers have
// seen the failure and others have not.
func (c *Connection) fail(ei *protocol.ErrorInfo) {
	if ei == nil {
		ei = protocol.NewError(protocol.CodeConnectionFailed, 500, "connection failed")
	}
	c.dialGen++
	c.cancelAllTimers()
	c.slots.closeAll()
	c.setState(ConnectionFailed, ei)
	c.ledger.failAll(ei)
	c.rejectQueued(ei)
	c.channels.connectionFailed(ei)
	c.clearRecovery()
}

func (c *Connection) closeLocked(r *Result) {
	switch c.state {
	case ConnectionClosed, ConnectionFailed:
		r.settle(nil)
	case ConnectionClosing:
		c.closeWaiters = append(c.closeWaiters, r)
	default:
		c.closeWaiters = append(c.closeWaiters, r)
		c.dialGen++
		c.retryTimer.cancel()
		c.ttlTimer.cancel()
		c.idleTimer.cancel()

		if c.state == ConnectionConnected && c.slots.current != nil {
			c.setState(ConnectionClosing, nil)
			// bounded clean-close handshake: CLOSED, a break, or the
			// timeout all finish the close
			c.connectTimer.arm(c.opts.RealtimeRequestTimeout, c.finishClose)
			if err := c.slots.current.Send(&protocol.Message{Action: protocol.ActionClose}); err != nil {
				c.finishClose()
			}
			return
		}
		c.setState(ConnectionClosing, nil)
		c.finishClose()
	}
}

func (c *Connection) finishClose() {
	if c.state == ConnectionClosed {
		return
	}
	c.cancelAllTimers()
	c.slots.closeAll()

	ei := protocol.NewError(protocol.CodeConnectionClosed, 400, "connection closed by client")
	c.ledger.failAll(ei)
	c.rejectQueued(ei)
	c.setState(ConnectionClosed, nil)
	c.channels.connectionClosed()
	c.clearRecovery()
}

func (c *Connection) cancelAllTimers() {
	c.connectTimer.cancel()
	c.retryTimer.cancel()
	c.ttlTimer.cancel()
	c.idleTimer.cancel()
}

// ---------------------------------------------------------------
// outbound path
// ---------------------------------------------------------------

// enqueueOrSend is the single entry point for acknowledged sends (MESSAGE
// and PRESENCE envelopes). Runs on the loop.
func (c *Connection) enqueueOrSend(m *protocol.Message, r *Result) {
	switch c.state {
	case ConnectionConnected:
		c.ledger.push(m, r)
		if err := c.slots.current.Send(m); err != nil {
			// the transport will signal its own break; the entry stays in
			// the ledger to be re-sent on resume or failed on a terminal
			// state; it is never silently dropped
			c.log.Debug("send failed on active transport", zap.Error(err))
		}

	case ConnectionInitialized, ConnectionConnecting, ConnectionDisconnected:
		if c.opts.NoQueueing {
			r.settle(protocol.NewError(protocol.CodeNotConnected, 400,
				"not connected and queueing is disabled"))
			return
		}
		c.queued = append(c.queued, queuedMessage{msg: m, result: r})

	case ConnectionSuspended:
		r.settle(protocol.NewError(protocol.CodeConnectionSuspended, 503, "connection suspended"))

	case ConnectionClosing, ConnectionClosed:
		r.settle(protocol.NewError(protocol.CodeConnectionClosed, 400, "connection closed by client"))

	case ConnectionFailed:
		ei := c.reason
		if ei == nil {
			ei = protocol.NewError(protocol.CodeConnectionFailed, 500, "connection failed")
		}
		r.settle(ei)
	}
}

// sendControl transmits an unacknowledged protocol message (ATTACH, DETACH,
// CLOSE). Callers handle the not-connected case themselves; control
// messages are re-issued by their own state machines, never queued here.
func (c *Connection) sendControl(m *protocol.Message) error {
	if c.state != ConnectionConnected || c.slots.current == nil {
		return ErrClientStopped
	}
	return c.slots.current.Send(m)
}

func (c *Connection) drainQueued() {
	queued := c.queued
	c.queued = nil
	for _, q := range queued {
		c.enqueueOrSend(q.msg, q.result)
	}
}

func (c *Connection) rejectQueued(ei *protocol.ErrorInfo) {
	for _, q := range c.queued {
		q.result.settle(ei)
	}
	c.queued = nil
}

// ---------------------------------------------------------------
// recovery persistence
// ---------------------------------------------------------------

func (c *Connection) loadRecovery() {
	if c.opts.Recovery == nil {
		return
	}
	info, err := c.opts.Recovery.Load()
	if err != nil {
		c.log.Warn("could not load recovery info, starting fresh", zap.Error(err))
		return
	}
	if info == nil {
		return
	}
	c.recoverKey = info.ConnectionKey
	c.recoverSerial = info.MsgSerial
	c.ledger.nextSerial = info.MsgSerial
	c.log.Debug("loaded recovery info", zap.String("connection_key", info.ConnectionKey))
}

// persistRecovery snapshots the resume parameters to the store. Called on
// every connect and on every ack/nack that moves the ledger, so the serial
// on disk tracks what the server has actually seen; a snapshot taken only
// at connect would go stale as publishes proceed.
func (c *Connection) persistRecovery() {
	if c.opts.Recovery == nil || c.connKey == "" {
		return
	}
	c.queueRecoveryWrite(&RecoveryInfo{
		ConnectionKey: c.connKey,
		MsgSerial:     c.ledger.nextSerial,
		SavedAt:       time.Now(),
	})
}

func (c *Connection) clearRecovery() {
	if c.opts.Recovery == nil {
		return
	}
	c.queueRecoveryWrite(nil)
}

// queueRecoveryWrite hands a snapshot (nil = clear) to the writer
// goroutine. The slot holds one entry and a newer snapshot displaces an
// unwritten older one, so writes coalesce under load and never land out of
// order.
func (c *Connection) queueRecoveryWrite(info *RecoveryInfo) {
	for {
		select {
		case c.recoveryCh <- info:
			return
		default:
			select {
			case <-c.recoveryCh: // displace the superseded write
			default:
			}
		}
	}
}

// recoveryWriter performs store I/O off the scheduling loop, one write at
// a time.
func (c *Connection) recoveryWriter() {
	for {
		select {
		case <-c.stop:
			return
		case info := <-c.recoveryCh:
			var err error
			if info == nil {
				err = c.opts.Recovery.Clear()
			} else {
				err = c.opts.Recovery.Save(info)
			}
			if err != nil {
				c.log.Warn("could not persist recovery info", zap.Error(err))
			}
		}
	}
}

// ---------------------------------------------------------------
// helpers
// ---------------------------------------------------------------

// errFromEvent classifies a transport disconnect event.
func errFromEvent(ev transport.DisconnectEvent) *protocol.ErrorInfo {
	switch {
	case ev.Err != nil:
		ei := protocol.ErrorFrom(ev.Err)
		if ei.Code == protocol.CodeConnectionFailed {
			// a transport break retries as disconnected, not failed
			ei = protocol.NewError(protocol.CodeDisconnected, ei.StatusCode, ei.Message)
		}
		return ei
	case ev.Reason == transport.ReasonTimeout:
		return protocol.NewTimeoutError(protocol.CodeDisconnected, "transport timed out")
	default:
		return protocol.NewError(protocol.CodeDisconnected, 503, "transport closed unexpectedly")
	}
}

// messageError extracts the error from a protocol message, substituting a
// generic one when the server sent none.
func messageError(m *protocol.Message) *protocol.ErrorInfo {
	if m.Error != nil {
		return m.Error
	}
	return protocol.NewError(protocol.CodeConnectionFailed, 500, m.Action.String()+" without error detail")
}

func errOrNil(ei *protocol.ErrorInfo) error {
	if ei == nil {
		return nil
	}
	return ei
}
