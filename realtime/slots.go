package realtime

import (
	"github.com/risa-org/ripple/transport"
	"go.uber.org/multierr"
)

// transportSlots makes the "exactly one active transport" invariant
// auditable. `current` is the transport whose events drive the state
// machines; `candidate` is a transport still proving itself (mid-handshake,
// or a make-before-break upgrade). Channel and ledger state never observe
// two transports as simultaneously active: candidate events are ignored
// except for the handshake, and promote atomically swaps ownership.
type transportSlots struct {
	current   transport.Conn
	candidate transport.Conn
}

// setCandidate installs a new candidate, closing any previous one that
// never got promoted.
func (s *transportSlots) setCandidate(c transport.Conn) {
	if s.candidate != nil {
		s.candidate.Close()
	}
	s.candidate = c
}

// promote makes the candidate the current transport. The displaced current
// transport, if any, is closed; from this point its late events no longer
// match either slot and are dropped by the owner.
func (s *transportSlots) promote() {
	if s.current != nil {
		s.current.Close()
	}
	s.current = s.candidate
	s.candidate = nil
}

// dropCandidate abandons an unproven candidate.
func (s *transportSlots) dropCandidate() {
	if s.candidate != nil {
		s.candidate.Close()
		s.candidate = nil
	}
}

// dropCurrent tears down the active transport.
func (s *transportSlots) dropCurrent() {
	if s.current != nil {
		s.current.Close()
		s.current = nil
	}
}

// closeAll tears down both slots, aggregating errors.
func (s *transportSlots) closeAll() error {
	var err error
	if s.current != nil {
		err = multierr.Append(err, s.current.Close())
		s.current = nil
	}
	if s.candidate != nil {
		err = multierr.Append(err, s.candidate.Close())
		s.candidate = nil
	}
	return err
}

// owns reports whether t occupies either slot. Event handlers use this to
// quiesce transports that have been displaced: a late event from a closed
// transport must never reach the state machines.
func (s *transportSlots) owns(t transport.Conn) bool {
	return t != nil && (t == s.current || t == s.candidate)
}
