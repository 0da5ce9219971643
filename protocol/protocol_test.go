package protocol

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionString(t *testing.T) {
	assert.Equal(t, "CONNECTED", ActionConnected.String())
	assert.Equal(t, "ACK", ActionAck.String())
	assert.Equal(t, "ACTION(99)", Action(99).String())
}

// The numeric action values are wire contract; pin them.
func TestActionWireValues(t *testing.T) {
	assert.Equal(t, 0, int(ActionHeartbeat))
	assert.Equal(t, 1, int(ActionAck))
	assert.Equal(t, 4, int(ActionConnected))
	assert.Equal(t, 9, int(ActionError))
	assert.Equal(t, 11, int(ActionAttached))
	assert.Equal(t, 13, int(ActionDetached))
	assert.Equal(t, 15, int(ActionMessage))
}

func TestEncodeDecodeEnvelope(t *testing.T) {
	in := &Message{
		Action:  ActionMessage,
		Channel: "orders",
		Messages: []*Data{
			{ID: "m1", Name: "created", Data: []byte(`{"id":42}`)},
		},
		MsgSerial: 7,
	}

	raw, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeConnectionDetails(t *testing.T) {
	raw := []byte(`{"action":4,"connectionId":"c-1","connectionDetails":{"connectionKey":"k-1","maxIdleInterval":15000,"connectionStateTtl":120000}}`)

	m, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, ActionConnected, m.Action)
	assert.Equal(t, "c-1", m.ConnectionID)
	require.NotNil(t, m.ConnectionDetails)
	assert.Equal(t, 15*time.Second, m.ConnectionDetails.MaxIdleInterval())
	assert.Equal(t, 2*time.Minute, m.ConnectionDetails.ConnectionStateTTL())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)
}

func TestErrorInfoIsAnError(t *testing.T) {
	ei := NewError(CodeAuthFailed, 401, "bad credentials")

	var target *ErrorInfo
	wrapped := fmt.Errorf("connect: %w", ei)
	require.True(t, errors.As(wrapped, &target))
	assert.Equal(t, CodeAuthFailed, target.Code)

	// ErrorFrom must recover the original, not re-classify it
	assert.Equal(t, ei, ErrorFrom(wrapped))
}

func TestErrorFromClassifiesPlainErrors(t *testing.T) {
	ei := ErrorFrom(errors.New("connection reset by peer"))
	assert.Equal(t, CodeConnectionFailed, ei.Code)
	assert.Equal(t, 500, ei.StatusCode)
}

func TestIsPlacementConstraint(t *testing.T) {
	assert.True(t, IsPlacementConstraint(NewError(50002, 503, "host overloaded")))
	// right code, wrong status class
	assert.False(t, IsPlacementConstraint(NewError(50002, 400, "")))
	// right status, code outside the band
	assert.False(t, IsPlacementConstraint(NewError(80000, 503, "")))
	assert.False(t, IsPlacementConstraint(nil))
}

func TestFatalClassification(t *testing.T) {
	assert.True(t, IsConnectionFatal(NewError(CodeAuthFailed, 401, "")))
	assert.False(t, IsConnectionFatal(NewError(CodeDisconnected, 503, "")))
	assert.False(t, IsConnectionFatal(nil))

	assert.True(t, IsChannelFatal(NewError(CodePermissionDenied, 401, "")))
	assert.False(t, IsChannelFatal(NewError(50002, 503, "")))
}
