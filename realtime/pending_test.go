package realtime

import (
	"testing"

	"github.com/risa-org/ripple/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func pushN(l *pendingLedger, n int) []*Result {
	results := make([]*Result, n)
	for i := range results {
		results[i] = newResult()
		l.push(&protocol.Message{Action: protocol.ActionMessage}, results[i])
	}
	return results
}

func settled(r *Result) bool {
	select {
	case <-r.Done():
		return true
	default:
		return false
	}
}

func TestLedgerSerialsAssignedInSendOrder(t *testing.T) {
	l := newPendingLedger(zap.NewNop())

	var serials []int64
	for i := 0; i < 3; i++ {
		m := &protocol.Message{Action: protocol.ActionMessage}
		l.push(m, newResult())
		serials = append(serials, m.MsgSerial)
	}

	assert.Equal(t, []int64{0, 1, 2}, serials)
	assert.Equal(t, 3, l.size())
}

func TestLedgerCumulativeAck(t *testing.T) {
	l := newPendingLedger(zap.NewNop())
	results := pushN(l, 5)

	// an ACK for serial 2 covering 2 envelopes settles 0..3 cumulatively
	l.ack(2, 2)

	for i, r := range results[:4] {
		require.True(t, settled(r), "entry %d should be settled", i)
		assert.NoError(t, r.Err(), "entry %d", i)
	}
	assert.False(t, settled(results[4]), "entry after the acked range must stay pending")
	assert.Equal(t, 1, l.size())
}

func TestLedgerNackCarriesServerError(t *testing.T) {
	l := newPendingLedger(zap.NewNop())
	results := pushN(l, 2)

	reason := protocol.NewError(50010, 500, "backend unavailable")
	l.nack(0, 2, reason)

	for _, r := range results {
		require.True(t, settled(r))
		var ei *protocol.ErrorInfo
		require.ErrorAs(t, r.Err(), &ei)
		assert.Equal(t, 50010, ei.Code)
	}
	assert.Equal(t, 0, l.size())
}

func TestLedgerNackWithoutReasonGetsGenericError(t *testing.T) {
	l := newPendingLedger(zap.NewNop())
	results := pushN(l, 1)

	l.nack(0, 1, nil)

	var ei *protocol.ErrorInfo
	require.ErrorAs(t, results[0].Err(), &ei)
	assert.Equal(t, protocol.CodeConnectionFailed, ei.Code)
}

func TestLedgerIgnoresAckForUnknownSerial(t *testing.T) {
	l := newPendingLedger(zap.NewNop())
	results := pushN(l, 2)

	// serial 5 was never assigned: the ledger must not settle anything
	l.ack(5, 1)

	for i, r := range results {
		assert.False(t, settled(r), "entry %d must stay pending", i)
	}
	assert.Equal(t, 2, l.size())
}

func TestLedgerFailAllRejectsEverything(t *testing.T) {
	l := newPendingLedger(zap.NewNop())
	results := pushN(l, 3)

	reason := protocol.NewError(protocol.CodeConnectionSuspended, 503, "suspended")
	l.failAll(reason)

	for _, r := range results {
		require.True(t, settled(r))
		var ei *protocol.ErrorInfo
		require.ErrorAs(t, r.Err(), &ei)
		assert.Equal(t, protocol.CodeConnectionSuspended, ei.Code)
	}
	assert.Equal(t, 0, l.size())
}

func TestLedgerResendPreservesOrder(t *testing.T) {
	l := newPendingLedger(zap.NewNop())
	pushN(l, 3)

	var resent []int64
	l.resend(func(m *protocol.Message) error {
		resent = append(resent, m.MsgSerial)
		return nil
	})

	assert.Equal(t, []int64{0, 1, 2}, resent)
	assert.Equal(t, 3, l.size(), "resend must not settle anything")
}
