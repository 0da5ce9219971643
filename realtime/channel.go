package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/risa-org/ripple/backoff"
	"github.com/risa-org/ripple/protocol"
	"go.uber.org/zap"
)

// Message is a user message delivered to channel subscribers.
type Message struct {
	ID        string
	Name      string
	Data      []byte
	Timestamp time.Time
}

// Subscription is a handle for undoing a Subscribe. Unsubscribe is
// idempotent.
type Subscription struct {
	cancel func()
	once   sync.Once
}

func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// Channel drives one named channel between initialized and attached,
// retrying transient attach failures on its own backoff cadence and
// propagating terminal failures to every pending operation.
//
// Like the connection, all channel transitions run on the client's single
// scheduling loop; the small mu only mirrors state for external reads.
type Channel struct {
	name string
	conn *Connection
	log  *zap.Logger

	mu     sync.RWMutex
	state  ChannelState
	reason *protocol.ErrorInfo

	emitter    *chanEmitter
	retryCount int
	detachFrom ChannelState // state to restore if the pending detach times out

	attachTimer *timerSlot // pendingAttachDeadline (also bounds detach)
	retryTimer  *timerSlot // the single outstanding retry timer for this channel

	attachWaiters []*Result
	detachWaiters []*Result
	pendingOps    []queuedMessage // sends issued while attaching/suspended

	subsMu  sync.Mutex
	subs    map[int]*msgSub
	nextSub int

	Presence *Presence
}

type msgSub struct {
	name string // empty = all messages
	fn   func(*Message)
}

func newChannel(name string, conn *Connection) *Channel {
	ch := &Channel{
		name:    name,
		conn:    conn,
		log:     conn.log.Named("channel").With(zap.String("channel", name)),
		state:   ChannelInitialized,
		emitter: newChanEmitter(),
		subs:    make(map[int]*msgSub),
	}
	ch.attachTimer = newTimerSlot(conn.clk, conn.post)
	ch.retryTimer = newTimerSlot(conn.clk, conn.post)
	ch.Presence = newPresence(ch)
	return ch
}

// Name returns the channel name.
func (ch *Channel) Name() string { return ch.name }

// State returns the current channel state.
func (ch *Channel) State() ChannelState {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.state
}

// ErrorReason returns the error that put the channel into failed or
// suspended, or nil.
func (ch *Channel) ErrorReason() *protocol.ErrorInfo {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.reason
}

// On registers an observer for one channel state. The returned func
// unregisters it.
func (ch *Channel) On(state ChannelState, fn func(ChannelStateChange)) (off func()) {
	return ch.emitter.on(state, fn)
}

// OnAll registers an observer for every channel state change.
func (ch *Channel) OnAll(fn func(ChannelStateChange)) (off func()) {
	return ch.emitter.onAll(fn)
}

// Attach requests the channel be attached. The result settles when
// attached is reached, or rejects on timeout or failure. Attaching an
// already-attached channel resolves immediately.
func (ch *Channel) Attach() *Result {
	r := newResult()
	if !ch.conn.post(func() { ch.attachLocked(r) }) {
		r.settle(ErrClientStopped)
	}
	return r
}

// Detach requests the channel be detached. Detaching an already-detached
// (or never-attached) channel is a no-op that resolves immediately without
// sending anything.
func (ch *Channel) Detach() *Result {
	r := newResult()
	if !ch.conn.post(func() { ch.detachLocked(r) }) {
		r.settle(ErrClientStopped)
	}
	return r
}

// Publish sends one named message on the channel. The result settles on
// ACK, and rejects on NACK or when the connection reaches a state under
// which the message can never be acknowledged.
func (ch *Channel) Publish(name string, data []byte) *Result {
	m := &protocol.Message{
		Action:  protocol.ActionMessage,
		Channel: ch.name,
		Messages: []*protocol.Data{
			{ID: uuid.NewString(), Name: name, Data: data},
		},
	}
	r := newResult()
	if !ch.conn.post(func() { ch.sendLocked(m, r) }) {
		r.settle(ErrClientStopped)
	}
	return r
}

// Subscribe registers fn for every message on the channel and implicitly
// attaches. The result is the attach outcome; on an already-failed channel
// it rejects immediately with the channel's failure and no I/O happens.
//
// fn runs on the client's scheduling goroutine: it may call back into the
// client (publish, attach, and so on), but blocking in it stalls all
// delivery.
func (ch *Channel) Subscribe(fn func(*Message)) (*Subscription, *Result) {
	return ch.subscribe("", fn)
}

// SubscribeTo is Subscribe filtered to messages with the given name.
func (ch *Channel) SubscribeTo(name string, fn func(*Message)) (*Subscription, *Result) {
	return ch.subscribe(name, fn)
}

func (ch *Channel) subscribe(name string, fn func(*Message)) (*Subscription, *Result) {
	ch.subsMu.Lock()
	id := ch.nextSub
	ch.nextSub++
	ch.subs[id] = &msgSub{name: name, fn: fn}
	ch.subsMu.Unlock()

	sub := &Subscription{cancel: func() {
		ch.subsMu.Lock()
		delete(ch.subs, id)
		ch.subsMu.Unlock()
	}}

	return sub, ch.attachUnlessFailed()
}

// attachUnlessFailed is the implicit attach behind subscriptions. Unlike an
// explicit Attach it does not pull the channel out of failed: a failed
// channel rejects the subscription with its stored error and performs no
// I/O.
func (ch *Channel) attachUnlessFailed() *Result {
	r := newResult()
	if !ch.conn.post(func() {
		if ch.state == ChannelFailed {
			r.settle(ch.failureReason())
			return
		}
		ch.attachLocked(r)
	}) {
		r.settle(ErrClientStopped)
	}
	return r
}

// ---------------------------------------------------------------
// state machine: everything below runs on the loop
// ---------------------------------------------------------------

func (ch *Channel) setState(next ChannelState, reason *protocol.ErrorInfo) {
	prev := ch.state

	ch.mu.Lock()
	ch.state = next
	if reason != nil {
		ch.reason = reason
	}
	ch.mu.Unlock()

	ch.log.Debug("channel state change",
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
		zap.Error(errOrNil(reason)))

	ch.emitter.emit(ChannelStateChange{Previous: prev, Current: next, Reason: reason})
}

func (ch *Channel) attachLocked(r *Result) {
	switch ch.state {
	case ChannelAttached:
		r.settle(nil)
	case ChannelAttaching:
		ch.attachWaiters = append(ch.attachWaiters, r)
	default:
		// initialized, detached, detaching, suspended, failed; an explicit
		// attach is the only way out of failed
		ch.attachWaiters = append(ch.attachWaiters, r)
		ch.startAttach(nil)
	}
}

// startAttach enters attaching, arms the attach deadline, and sends ATTACH
// if the connection can carry it right now. If not, the request stays
// queued in the state itself: connectionConnected re-issues the ATTACH for
// every channel still in attaching.
func (ch *Channel) startAttach(reason *protocol.ErrorInfo) {
	ch.retryTimer.cancel()

	// an in-flight detach abandoned by this attach must still settle
	ch.settleDetachWaiters(protocol.NewError(protocol.CodeChannelFailed, 400, "detach superseded by attach"))

	ch.setState(ChannelAttaching, reason)
	ch.attachTimer.arm(ch.conn.opts.RealtimeRequestTimeout, ch.onAttachTimeout)
	ch.sendAttach()
}

func (ch *Channel) sendAttach() {
	if ch.conn.state != ConnectionConnected {
		return // re-issued by connectionConnected
	}
	if err := ch.conn.sendControl(&protocol.Message{Action: protocol.ActionAttach, Channel: ch.name}); err != nil {
		ch.log.Debug("attach send failed, waiting for reconnect", zap.Error(err))
	}
}

// onAttachTimeout fires when no ATTACHED arrived within the deadline. The
// pending attach rejects with a timeout error, the channel parks in
// suspended, and unlike the connection-level suspended state it
// autonomously re-enters attaching after the channel backoff delay.
func (ch *Channel) onAttachTimeout() {
	if ch.state != ChannelAttaching {
		return
	}
	ei := protocol.NewTimeoutError(protocol.CodeAttachTimeout, "attach timed out")
	ch.settleAttachWaiters(ei)
	ch.failPendingOps(ei)
	ch.retryCount++
	ch.setState(ChannelSuspended, ei)
	ch.scheduleReattach()
}

func (ch *Channel) scheduleReattach() {
	ch.retryTimer.arm(
		backoff.Delay(ch.retryCount, ch.conn.opts.ChannelRetryTimeout, ch.conn.opts.Rand),
		ch.onRetryTimer)
}

func (ch *Channel) onRetryTimer() {
	if ch.state != ChannelSuspended {
		return
	}
	ch.startAttach(nil)
}

// handleProtocolMessage is the channel-scoped half of the connection's
// demultiplexer. Runs on the loop.
func (ch *Channel) handleProtocolMessage(m *protocol.Message) {
	switch m.Action {
	case protocol.ActionAttached:
		ch.handleAttached()
	case protocol.ActionDetached:
		ch.handleDetached(m)
	case protocol.ActionError:
		ch.handleError(messageChannelError(m))
	case protocol.ActionMessage:
		ch.handleData(m)
	case protocol.ActionPresence:
		ch.Presence.handleProtocolMessage(m)
	}
}

func (ch *Channel) handleAttached() {
	switch ch.state {
	case ChannelAttaching, ChannelSuspended, ChannelAttached:
		ch.attachTimer.cancel()
		ch.retryTimer.cancel()
		ch.retryCount = 0
		if ch.state != ChannelAttached {
			ch.setState(ChannelAttached, nil)
		}
		ch.settleAttachWaiters(nil)
		ch.flushPendingOps()
	default:
		ch.log.Debug("ignoring ATTACHED", zap.String("state", ch.state.String()))
	}
}

func (ch *Channel) handleDetached(m *protocol.Message) {
	switch ch.state {
	case ChannelDetaching:
		ch.attachTimer.cancel()
		ch.setState(ChannelDetached, m.Error)
		ch.settleDetachWaiters(nil)
	case ChannelAttached, ChannelAttaching, ChannelSuspended:
		// server-initiated detach: treat like a channel break and re-attach
		ch.log.Info("server detached channel, re-attaching", zap.Error(errOrNil(m.Error)))
		ch.startAttach(m.Error)
	}
}

// handleError routes an inbound channel-scoped ERROR: terminal errors fail
// the channel for good, transient ones park it in suspended with a retry.
func (ch *Channel) handleError(ei *protocol.ErrorInfo) {
	switch ch.state {
	case ChannelAttaching, ChannelAttached, ChannelSuspended, ChannelDetaching:
		if protocol.IsChannelFatal(ei) {
			ch.failChannel(ei)
			return
		}
		ch.attachTimer.cancel()
		ch.settleAttachWaiters(ei)
		ch.failPendingOps(ei)
		ch.retryCount++
		ch.setState(ChannelSuspended, ei)
		ch.scheduleReattach()
	default:
		ch.log.Debug("ignoring channel error", zap.String("state", ch.state.String()), zap.Error(ei))
	}
}

// failChannel is the terminal path. Every in-flight and queued operation
// rejects with the stored failure, and stays rejected for any later call;
// only an explicit new attach leaves failed.
func (ch *Channel) failChannel(ei *protocol.ErrorInfo) {
	ch.attachTimer.cancel()
	ch.retryTimer.cancel()
	ch.setState(ChannelFailed, ei)
	ch.settleAttachWaiters(ei)
	ch.settleDetachWaiters(ei)
	ch.failPendingOps(ei)
}

func (ch *Channel) handleData(m *protocol.Message) {
	for _, d := range m.Messages {
		msg := &Message{ID: d.ID, Name: d.Name, Data: d.Data}
		if m.Timestamp > 0 {
			msg.Timestamp = time.UnixMilli(m.Timestamp)
		}
		ch.dispatch(msg)
	}
}

func (ch *Channel) dispatch(msg *Message) {
	ch.subsMu.Lock()
	fns := make([]func(*Message), 0, len(ch.subs))
	for _, s := range ch.subs {
		if s.name == "" || s.name == msg.Name {
			fns = append(fns, s.fn)
		}
	}
	ch.subsMu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
}

func (ch *Channel) detachLocked(r *Result) {
	switch ch.state {
	case ChannelDetached, ChannelInitialized:
		r.settle(nil) // idempotent no-op, nothing sent
	case ChannelDetaching:
		ch.detachWaiters = append(ch.detachWaiters, r)
	case ChannelFailed:
		r.settle(ch.failureReason())
	default:
		// attached, attaching, suspended
		ch.detachWaiters = append(ch.detachWaiters, r)
		ch.startDetach()
	}
}

func (ch *Channel) startDetach() {
	ch.detachFrom = ch.state
	ch.retryTimer.cancel()
	ch.attachTimer.cancel()

	// an in-flight attach abandoned by this detach must still settle
	abandoned := protocol.NewError(protocol.CodeChannelFailed, 400, "attach superseded by detach")
	ch.settleAttachWaiters(abandoned)
	ch.failPendingOps(abandoned)

	ch.setState(ChannelDetaching, nil)
	ch.attachTimer.arm(ch.conn.opts.RealtimeRequestTimeout, ch.onDetachTimeout)
	ch.sendDetach()
}

func (ch *Channel) sendDetach() {
	if ch.conn.state != ConnectionConnected {
		return // re-issued by connectionConnected
	}
	if err := ch.conn.sendControl(&protocol.Message{Action: protocol.ActionDetach, Channel: ch.name}); err != nil {
		ch.log.Debug("detach send failed, waiting for reconnect", zap.Error(err))
	}
}

// onDetachTimeout rejects the pending detach and puts the channel back
// where it was: the server never confirmed, so the attachment is presumed
// still live. The restore goes through the previous state's own entry
// logic so that its timers come back with it; a bare state flip would
// leave a suspended channel with no retry scheduled and an attaching
// channel with no deadline, both stuck forever.
func (ch *Channel) onDetachTimeout() {
	if ch.state != ChannelDetaching {
		return
	}
	ei := protocol.NewTimeoutError(protocol.CodeAttachTimeout, "detach timed out")
	ch.settleDetachWaiters(ei)

	switch ch.detachFrom {
	case ChannelSuspended:
		ch.setState(ChannelSuspended, ei)
		ch.scheduleReattach()
	case ChannelAttaching:
		ch.startAttach(ei)
	default:
		// attached: the server-side attachment is presumed intact
		ch.setState(ch.detachFrom, ei)
	}
}

// sendLocked gates an acknowledged send (publish, presence) on channel
// state before handing it to the connection.
func (ch *Channel) sendLocked(m *protocol.Message, r *Result) {
	switch ch.state {
	case ChannelFailed:
		// no network I/O, ever; reject with the stored failure
		r.settle(ch.failureReason())
	case ChannelAttaching, ChannelSuspended:
		// queued until the attach settles one way or the other
		ch.pendingOps = append(ch.pendingOps, queuedMessage{msg: m, result: r})
	default:
		// attached, and also initialized/detached/detaching: data
		// messages ride the connection, attachment is not a prerequisite
		ch.conn.enqueueOrSend(m, r)
	}
}

func (ch *Channel) flushPendingOps() {
	ops := ch.pendingOps
	ch.pendingOps = nil
	for _, op := range ops {
		ch.conn.enqueueOrSend(op.msg, op.result)
	}
}

func (ch *Channel) failPendingOps(ei *protocol.ErrorInfo) {
	for _, op := range ch.pendingOps {
		op.result.settle(ei)
	}
	ch.pendingOps = nil
}

func (ch *Channel) settleAttachWaiters(ei *protocol.ErrorInfo) {
	for _, w := range ch.attachWaiters {
		if ei != nil {
			w.settle(ei)
		} else {
			w.settle(nil)
		}
	}
	ch.attachWaiters = nil
}

func (ch *Channel) settleDetachWaiters(ei *protocol.ErrorInfo) {
	for _, w := range ch.detachWaiters {
		if ei != nil {
			w.settle(ei)
		} else {
			w.settle(nil)
		}
	}
	ch.detachWaiters = nil
}

// failureReason returns the stored failure, or a generic channel failure
// if somehow none was recorded.
func (ch *Channel) failureReason() *protocol.ErrorInfo {
	if ch.reason != nil {
		return ch.reason
	}
	return protocol.NewError(protocol.CodeChannelFailed, 400, "channel failed")
}

// ---------------------------------------------------------------
// connection lifecycle hooks, called on the loop by the connection
// ---------------------------------------------------------------

func (ch *Channel) connectionConnected(resumeRejected bool) {
	switch ch.state {
	case ChannelAttaching:
		// the attach request was queued while offline; issue it now and
		// give it a fresh deadline
		ch.attachTimer.arm(ch.conn.opts.RealtimeRequestTimeout, ch.onAttachTimeout)
		ch.sendAttach()
	case ChannelSuspended:
		ch.startAttach(nil)
	case ChannelAttached:
		if resumeRejected {
			// server-side channel state is gone; re-establish it
			ch.startAttach(nil)
		}
	case ChannelDetaching:
		// the detach request was issued while offline (or lost with the
		// old transport); re-issue it with a fresh deadline
		ch.attachTimer.arm(ch.conn.opts.RealtimeRequestTimeout, ch.onDetachTimeout)
		ch.sendDetach()
	}
}

func (ch *Channel) connectionSuspended(ei *protocol.ErrorInfo) {
	switch ch.state {
	case ChannelAttaching, ChannelAttached:
		ch.attachTimer.cancel()
		ch.settleAttachWaiters(ei)
		ch.failPendingOps(ei)
		ch.retryCount++
		ch.setState(ChannelSuspended, ei)
		ch.scheduleReattach()
	}
}

func (ch *Channel) connectionFailed(ei *protocol.ErrorInfo) {
	switch ch.state {
	case ChannelFailed, ChannelDetached:
		// already settled
	default:
		ch.failChannel(ei)
	}
}

func (ch *Channel) connectionClosed() {
	switch ch.state {
	case ChannelAttached, ChannelAttaching, ChannelSuspended, ChannelDetaching:
		ch.attachTimer.cancel()
		ch.retryTimer.cancel()
		closed := protocol.NewError(protocol.CodeConnectionClosed, 400, "connection closed by client")
		ch.settleAttachWaiters(closed)
		ch.failPendingOps(closed)
		ch.setState(ChannelDetached, nil)
		ch.settleDetachWaiters(nil)
	}
}

// messageChannelError extracts the error from a channel-scoped ERROR
// message, substituting a generic channel failure when absent.
func messageChannelError(m *protocol.Message) *protocol.ErrorInfo {
	if m.Error != nil {
		return m.Error
	}
	return protocol.NewError(protocol.CodeChannelFailed, 400, "channel error without detail")
}

// ---------------------------------------------------------------
// registry
// ---------------------------------------------------------------

// Channels is the lazy registry of channels: one instance per distinct
// name, created on first reference and retained for the life of the client.
type Channels struct {
	mu   sync.RWMutex
	conn *Connection
	m    map[string]*Channel
}

func newChannels(conn *Connection) *Channels {
	return &Channels{conn: conn, m: make(map[string]*Channel)}
}

// Get returns the channel with the given name, creating it on first use.
func (cs *Channels) Get(name string) *Channel {
	cs.mu.RLock()
	ch, ok := cs.m[name]
	cs.mu.RUnlock()
	if ok {
		return ch
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if ch, ok := cs.m[name]; ok {
		return ch
	}
	ch = newChannel(name, cs.conn)
	cs.m[name] = ch
	return ch
}

// Len returns the number of channels created so far.
func (cs *Channels) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.m)
}

// all snapshots the registry for iteration on the loop.
func (cs *Channels) all() []*Channel {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	chans := make([]*Channel, 0, len(cs.m))
	for _, ch := range cs.m {
		chans = append(chans, ch)
	}
	return chans
}

// route delivers a channel-scoped protocol message. Messages for channels
// this client never created are dropped; there is nothing to route to.
func (cs *Channels) route(m *protocol.Message) {
	cs.mu.RLock()
	ch, ok := cs.m[m.Channel]
	cs.mu.RUnlock()
	if !ok {
		cs.conn.log.Debug("dropping message for unknown channel",
			zap.String("channel", m.Channel),
			zap.Stringer("action", m.Action))
		return
	}
	ch.handleProtocolMessage(m)
}

func (cs *Channels) connectionConnected(resumeRejected bool) {
	for _, ch := range cs.all() {
		ch.connectionConnected(resumeRejected)
	}
}

func (cs *Channels) connectionSuspended(ei *protocol.ErrorInfo) {
	for _, ch := range cs.all() {
		ch.connectionSuspended(ei)
	}
}

func (cs *Channels) connectionFailed(ei *protocol.ErrorInfo) {
	for _, ch := range cs.all() {
		ch.connectionFailed(ei)
	}
}

func (cs *Channels) connectionClosed() {
	for _, ch := range cs.all() {
		ch.connectionClosed()
	}
}
