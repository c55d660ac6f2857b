package ledger

import (
	"sync"
	"time"
)

// Clock stamps commits. Values are UTC, truncated to microseconds so every
// backend stores them exactly, and never go backwards even if the wall
// clock does.
type Clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Now returns the next commit timestamp.
func (c *Clock) Now() time.Time {
	t := c.now().UTC().Truncate(time.Microsecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}
