package protocol

import (
	"encoding/json"
	"fmt"
)

// The codec boundary. Transports call these and nothing else to move
// between envelopes and bytes, so swapping the text encoding for a binary
// one touches exactly this file.

// Encode serializes a protocol message for the wire.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.Action, err)
	}
	return data, nil
}

// Decode parses a protocol message off the wire.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("protocol: decode: %w", err)
	}
	return &m, nil
}
