package realtime

import (
	"time"

	"github.com/benbjohnson/clock"
)

// timerSlot is a cancelable one-shot timer bound to a serialized scheduling
// context. Each scope that needs a timer (connect deadline, retry, idle,
// state TTL, attach deadline) owns one slot; arming a slot cancels whatever
// was armed before, which is how the "at most one outstanding retry timer"
// invariant is kept.
//
// All methods must be called on the owning loop. The fire callback is
// posted back onto the same loop, and a generation counter discards fires
// that lost a race with cancel; canceling a timer that already fired is a
// no-op, not an error.
type timerSlot struct {
	clk  clock.Clock
	post func(func()) bool // serializes onto the owner's loop
	gen  uint64
	t    *clock.Timer
}

func newTimerSlot(clk clock.Clock, post func(func()) bool) *timerSlot {
	return &timerSlot{clk: clk, post: post}
}

// arm schedules fn to run on the loop after d, replacing any armed timer.
func (s *timerSlot) arm(d time.Duration, fn func()) {
	s.cancel()
	gen := s.gen
	s.t = s.clk.AfterFunc(d, func() {
		s.post(func() {
			if s.gen != gen {
				return // canceled or re-armed after this fire was scheduled
			}
			s.t = nil
			fn()
		})
	})
}

// cancel disarms the slot. Safe whether or not anything is armed.
func (s *timerSlot) cancel() {
	s.gen++
	if s.t != nil {
		s.t.Stop()
		s.t = nil
	}
}

// armed reports whether a timer is currently scheduled.
func (s *timerSlot) armed() bool { return s.t != nil }
