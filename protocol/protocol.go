package protocol

import (
	"fmt"
	"time"
)

// Action is the discriminator carried by every protocol message.
// The connection manager routes inbound messages entirely off this value:
// connection-scoped actions go to the connection state machine or the
// pending-message ledger, channel-scoped actions go to the named channel.
//
// The numeric values are part of the wire contract. Do not reorder.
type Action int

const (
	ActionHeartbeat    Action = iota // 0: liveness probe, refreshes the idle timer
	ActionAck                        // 1: acknowledges sent messages by serial
	ActionNack                       // 2: rejects sent messages by serial
	ActionConnect                    // 3
	ActionConnected                  // 4: handshake complete, carries ConnectionDetails
	ActionDisconnect                 // 5
	ActionDisconnected               // 6: server-initiated transport drop
	ActionClose                      // 7
	ActionClosed                     // 8
	ActionError                      // 9: connection-fatal unless Channel is set
	ActionAttach                     // 10
	ActionAttached                   // 11
	ActionDetach                     // 12
	ActionDetached                   // 13
	ActionPresence                   // 14
	ActionMessage                    // 15: user data
)

var actionNames = map[Action]string{
	ActionHeartbeat:    "HEARTBEAT",
	ActionAck:          "ACK",
	ActionNack:         "NACK",
	ActionConnect:      "CONNECT",
	ActionConnected:    "CONNECTED",
	ActionDisconnect:   "DISCONNECT",
	ActionDisconnected: "DISCONNECTED",
	ActionClose:        "CLOSE",
	ActionClosed:       "CLOSED",
	ActionError:        "ERROR",
	ActionAttach:       "ATTACH",
	ActionAttached:     "ATTACHED",
	ActionDetach:       "DETACH",
	ActionDetached:     "DETACHED",
	ActionPresence:     "PRESENCE",
	ActionMessage:      "MESSAGE",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("ACTION(%d)", int(a))
}

// ConnectionDetails is attached to a CONNECTED message. The server uses it
// to advertise the parameters the client must honor for this connection.
type ConnectionDetails struct {
	// ConnectionKey is the server-issued recovery key. Presenting it on a
	// later connect lets the server resume the logical connection.
	ConnectionKey string `json:"connectionKey,omitempty"`

	// MaxIdleIntervalMS is the longest gap, in milliseconds, the server
	// promises to leave between inbound messages (heartbeats included).
	// The client treats silence beyond this plus a grace margin as a
	// dead transport.
	MaxIdleIntervalMS int64 `json:"maxIdleInterval,omitempty"`

	// ConnectionStateTTLMS overrides the client's configured TTL for how
	// long a dropped connection stays resumable, in milliseconds.
	ConnectionStateTTLMS int64 `json:"connectionStateTtl,omitempty"`
}

// MaxIdleInterval returns the advertised idle interval as a duration.
// Zero means the server advertised nothing.
func (d *ConnectionDetails) MaxIdleInterval() time.Duration {
	return time.Duration(d.MaxIdleIntervalMS) * time.Millisecond
}

// ConnectionStateTTL returns the advertised state TTL as a duration.
func (d *ConnectionDetails) ConnectionStateTTL() time.Duration {
	return time.Duration(d.ConnectionStateTTLMS) * time.Millisecond
}

// Data is a single user message carried inside a MESSAGE envelope.
// Envelopes batch: one envelope may carry several of these, and the
// pending-message ledger acks the whole batch as one entry.
type Data struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// PresenceAction describes what a presence member did.
type PresenceAction int

const (
	PresencePresent PresenceAction = iota + 1 // 1: member listed during sync
	PresenceEnter                             // 2
	PresenceLeave                             // 3
	PresenceUpdate                            // 4
)

// PresenceData is a single presence event inside a PRESENCE envelope.
type PresenceData struct {
	Action   PresenceAction `json:"action"`
	ClientID string         `json:"clientId,omitempty"`
	Data     []byte         `json:"data,omitempty"`
}

// Message is the discriminated envelope exchanged with the service.
// Which fields are populated depends on Action; everything is optional
// on the wire except the action itself.
type Message struct {
	Action            Action             `json:"action"`
	Channel           string             `json:"channel,omitempty"`
	Error             *ErrorInfo         `json:"error,omitempty"`
	ConnectionID      string             `json:"connectionId,omitempty"`
	ConnectionDetails *ConnectionDetails `json:"connectionDetails,omitempty"`

	// MsgSerial correlates MESSAGE/PRESENCE envelopes with ACK/NACK.
	// Assigned by the sender in strict send order. Count says how many
	// consecutive serials an ACK/NACK covers.
	MsgSerial int64 `json:"msgSerial,omitempty"`
	Count     int   `json:"count,omitempty"`

	Messages  []*Data         `json:"messages,omitempty"`
	Presence  []*PresenceData `json:"presence,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}
