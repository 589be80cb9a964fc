package strategy

import (
	"sync"
	"time"
)

// cooldown remembers when each opportunity last fired so a persisting
// opportunity is not re-emitted on every scan.
type cooldown struct {
	period time.Duration

	mu       sync.Mutex
	lastEmit map[string]time.Time
}

func newCooldown(period time.Duration) *cooldown {
	return &cooldown{period: period, lastEmit: make(map[string]time.Time)}
}

// tryFire reports whether key may fire at now and, if so, records it.
func (c *cooldown) tryFire(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.lastEmit[key]; ok && now.Sub(last) < c.period {
		return false
	}
	c.lastEmit[key] = now
	if len(c.lastEmit) > 4096 {
		c.pruneLocked(now)
	}
	return true
}

// pruneLocked drops entries whose period has elapsed. The caller must hold c.mu.
func (c *cooldown) pruneLocked(now time.Time) {
	for k, t := range c.lastEmit {
		if now.Sub(t) >= c.period {
			delete(c.lastEmit, k)
		}
	}
}
