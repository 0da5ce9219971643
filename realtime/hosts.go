package realtime

// hostCursor walks the host preference list: primary first, then each
// fallback in configured order. The cursor only advances on
// placement-constraint failures (ordinary transport failures retry the
// same host) and resets to the primary whenever a connection succeeds.
type hostCursor struct {
	primary   string
	fallbacks []string
	idx       int // 0 = primary, 1..len(fallbacks) = fallbacks
}

func newHostCursor(primary string, fallbacks []string) *hostCursor {
	return &hostCursor{primary: primary, fallbacks: fallbacks}
}

// current returns the host the next attempt should target.
func (c *hostCursor) current() string {
	if c.idx == 0 || len(c.fallbacks) == 0 {
		return c.primary
	}
	return c.fallbacks[c.idx-1]
}

// advance moves to the next fallback host. When the list is exhausted it
// wraps back to the primary and reports wrapped=true so the caller can
// treat the next failure as a normal retry rather than looping through
// fallbacks forever without backoff.
func (c *hostCursor) advance() (wrapped bool) {
	c.idx++
	if c.idx > len(c.fallbacks) {
		c.idx = 0
		return true
	}
	return false
}

// reset points the cursor back at the primary host.
func (c *hostCursor) reset() { c.idx = 0 }
