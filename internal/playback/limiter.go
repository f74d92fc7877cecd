package playback

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// intervalLimiter admits at most one action per interval. Elapsed time is
// measured with the monotonic clock reading so wall-clock steps do not
// open or close the window.
type intervalLimiter struct {
	mu       sync.Mutex
	clock    clock.Clock
	interval time.Duration
	last     time.Time
}

func newIntervalLimiter(c clock.Clock, interval time.Duration) *intervalLimiter {
	return &intervalLimiter{clock: c, interval: interval}
}

// allow reports whether an action may run now and records it if so.
// A forced action always runs and restarts the window.
func (l *intervalLimiter) allow(force bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if !force && !l.last.IsZero() && now.Sub(l.last) < l.interval {
		return false
	}
	l.last = now
	return true
}
