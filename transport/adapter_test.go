package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisconnectReasonStrings(t *testing.T) {
	assert.Equal(t, "network_error", ReasonNetworkError.String())
	assert.Equal(t, "timeout", ReasonTimeout.String())
	assert.Equal(t, "closed_clean", ReasonClosedClean.String())
	assert.Equal(t, "unknown", ReasonUnknown.String())
	assert.Equal(t, "unknown", DisconnectReason(42).String())
}
