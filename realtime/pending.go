package realtime

import (
	"github.com/risa-org/ripple/protocol"
	"go.uber.org/zap"
)

// pendingEntry is one sent-but-unacknowledged protocol message (a MESSAGE
// or PRESENCE envelope, possibly batching several user messages).
type pendingEntry struct {
	serial int64
	msg    *protocol.Message
	result *Result
}

// pendingLedger correlates outbound envelopes with inbound ACK/NACK.
// Entries are kept in strict send order; acknowledgment is cumulative: an
// ACK for serial k settles k and every unresolved entry sent before it,
// never entries sent after it.
//
// Only the connection loop touches the ledger, so there is no locking here.
type pendingLedger struct {
	log        *zap.Logger
	nextSerial int64
	queue      []*pendingEntry
}

func newPendingLedger(log *zap.Logger) *pendingLedger {
	return &pendingLedger{log: log}
}

// push assigns the next serial to the envelope and records it. Must be
// called immediately before the transport send so ledger order matches
// send order.
func (l *pendingLedger) push(m *protocol.Message, r *Result) {
	m.MsgSerial = l.nextSerial
	l.nextSerial++
	l.queue = append(l.queue, &pendingEntry{serial: m.MsgSerial, msg: m, result: r})
}

// ack settles every entry covered by an ACK for `serial` spanning `count`
// envelopes, plus, cumulatively, any earlier unresolved entries.
func (l *pendingLedger) ack(serial int64, count int) {
	l.settleThrough(serial, count, nil)
}

// nack rejects the covered entries (and earlier unresolved ones, per the
// same cumulative rule) with the server-supplied error.
func (l *pendingLedger) nack(serial int64, count int, reason *protocol.ErrorInfo) {
	if reason == nil {
		reason = protocol.NewError(protocol.CodeConnectionFailed, 500, "message rejected by server")
	}
	l.settleThrough(serial, count, reason)
}

func (l *pendingLedger) settleThrough(serial int64, count int, reason *protocol.ErrorInfo) {
	if count < 1 {
		count = 1
	}
	last := serial + int64(count) - 1

	// a serial we never assigned is a protocol violation: log and ignore,
	// the ledger must never be mutated by acknowledgments for unsent data
	if last >= l.nextSerial {
		l.log.Warn("acknowledgment for a serial never sent",
			zap.Int64("serial", serial),
			zap.Int("count", count),
			zap.Int64("next_serial", l.nextSerial))
		return
	}

	var remaining []*pendingEntry
	for _, e := range l.queue {
		if e.serial <= last {
			if reason != nil {
				e.result.settle(reason)
			} else {
				e.result.settle(nil)
			}
			continue
		}
		remaining = append(remaining, e)
	}
	l.queue = remaining
}

// failAll rejects every unresolved entry. Called when the connection
// reaches a state under which no acknowledgment can arrive (suspended,
// failed, closed); a leaked unresolved entry is a bug, so teardown paths
// must always come through here.
func (l *pendingLedger) failAll(reason *protocol.ErrorInfo) {
	for _, e := range l.queue {
		e.result.settle(reason)
	}
	l.queue = nil
}

// resend re-transmits every unresolved entry, in order, via send. Called
// after a successful resume so messages in flight across the transport
// change still get delivered at least once.
func (l *pendingLedger) resend(send func(*protocol.Message) error) {
	for _, e := range l.queue {
		if err := send(e.msg); err != nil {
			// transport broke mid-resend; the break handler owns recovery
			return
		}
	}
}

func (l *pendingLedger) size() int { return len(l.queue) }
