package rates

import (
	"context"
	"sync"
	"time"
)

// Cached wraps a Provider with a TTL cache. It is constructed once at process
// start and passed by handle to consumers; invalidation is explicit.
type Cached struct {
	source Provider
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	rates     GroupRates
	expiresAt time.Time
}

func NewCached(source Provider, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cached{
		source:  source,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *Cached) WithClock(now func() time.Time) *Cached {
	c.now = now
	return c
}

func (c *Cached) GroupRates(ctx context.Context, groupID string) (GroupRates, error) {
	c.mu.Lock()
	entry, ok := c.entries[groupID]
	if ok && c.now().Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.rates, nil
	}
	c.mu.Unlock()

	rates, err := c.source.GroupRates(ctx, groupID)
	if err != nil {
		return GroupRates{}, err
	}

	c.mu.Lock()
	c.entries[groupID] = cacheEntry{rates: rates, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return rates, nil
}

// Invalidate drops a group's cached rates, forcing the next read through.
func (c *Cached) Invalidate(groupID string) {
	c.mu.Lock()
	delete(c.entries, groupID)
	c.mu.Unlock()
}
