package dashboard

import (
	"sync"
	"time"
)

// Cooldown rate-limits pattern detection per tenant.
type Cooldown struct {
	mu    sync.Mutex
	last  map[string]time.Time
	clock func() time.Time
}

func NewCooldown(clock func() time.Time) *Cooldown {
	if clock == nil {
		clock = time.Now
	}
	return &Cooldown{last: make(map[string]time.Time), clock: clock}
}

// Allow reports whether key may run now and, if so, records the run.
func (c *Cooldown) Allow(key string, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok && now.Sub(ts) < cooldown {
		return false
	}
	c.last[key] = now
	return true
}

func (c *Cooldown) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.last, key)
}
