package fingerprint

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is an in-process Cache. Expired entries are ignored on Get
// and removed by Sweep.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryCache returns an empty cache whose entries live for ttl. A
// non-positive ttl uses DefaultTTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{
		entries: make(map[string]Entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the live entry for fp.
func (c *MemoryCache) Get(_ context.Context, fp string) (Entry, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[fp]
	c.mu.RUnlock()
	if !ok || e.Expired(c.now()) {
		return Entry{}, false, nil
	}
	e.Output = cloneOutput(e.Output)
	return e, true, nil
}

// Put stores e, stamping StoredAt and ExpiresAt.
func (c *MemoryCache) Put(_ context.Context, e Entry) error {
	now := c.now()
	e.StoredAt = now
	e.ExpiresAt = now.Add(c.ttl)
	e.Output = cloneOutput(e.Output)

	c.mu.Lock()
	c.entries[e.Fingerprint] = e
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes entries expired at now and returns how many were removed.
func (c *MemoryCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for fp, e := range c.entries {
		if e.Expired(now) {
			delete(c.entries, fp)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (c *MemoryCache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(c.now())
		}
	}
}

func cloneOutput(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
