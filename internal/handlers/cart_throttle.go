package handlers

import (
	"sync"
	"time"
)

// cartThrottle caps mutations per cart key inside a fixed window. Windows are tracked in memory and
// swept lazily whenever a new window opens.
type cartThrottle struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string]cartWindow
}

type cartWindow struct {
	used    int
	resetAt time.Time
}

func newCartThrottle(limit int, window time.Duration, clock func() time.Time) *cartThrottle {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &cartThrottle{
		limit:   limit,
		window:  window,
		clock:   clock,
		windows: make(map[string]cartWindow),
	}
}

// Take consumes one mutation for the cart. When the window is exhausted it reports how long the
// caller should wait before retrying.
func (t *cartThrottle) Take(cartKey string) (bool, time.Duration) {
	if t == nil || cartKey == "" {
		return true, 0
	}
	now := t.clock()

	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.windows[cartKey]
	if !ok || !now.Before(current.resetAt) {
		t.sweepLocked(now)
		t.windows[cartKey] = cartWindow{used: 1, resetAt: now.Add(t.window)}
		return true, 0
	}
	if current.used >= t.limit {
		return false, current.resetAt.Sub(now)
	}
	current.used++
	t.windows[cartKey] = current
	return true, 0
}

func (t *cartThrottle) sweepLocked(now time.Time) {
	for key, w := range t.windows {
		if !now.Before(w.resetAt) {
			delete(t.windows, key)
		}
	}
}
