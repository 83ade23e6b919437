package platform

import (
	"sync"
	"time"
)

// ttlCache holds one value with an expiry. Each data kind gets its own cache
// with its own TTL: live state turns over in minutes while follow lists are
// good for a day.
type ttlCache[T any] struct {
	mu  sync.Mutex
	ttl time.Duration
	val T
	at  time.Time
	set bool
	now func() time.Time
}

func newTTLCache[T any](ttl time.Duration) *ttlCache[T] {
	return &ttlCache[T]{ttl: ttl, now: time.Now}
}

// get returns the value if it is set and unexpired.
func (c *ttlCache[T]) get() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set || c.now().Sub(c.at) >= c.ttl {
		var zero T
		return zero, false
	}
	return c.val, true
}

// stale returns the value even past its TTL, for reuse after a failed
// refresh or a quota extension.
func (c *ttlCache[T]) stale() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set {
		var zero T
		return zero, false
	}
	return c.val, true
}

// put stores a fresh value.
func (c *ttlCache[T]) put(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.val = v
	c.at = c.now()
	c.set = true
}

// extend restamps the current value as fresh without replacing it.
func (c *ttlCache[T]) extend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set {
		c.at = c.now()
	}
}
