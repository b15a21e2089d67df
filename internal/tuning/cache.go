package tuning

import (
	"sync"

	"github.com/fxnlabs/nn-gpu/internal/kernel"
)

// Cache is the in-process tier: shape signature to winning parameters.
type Cache struct {
	mu    sync.RWMutex
	cache map[string]kernel.TuningParameters
}

func NewCache() *Cache {
	return &Cache{cache: make(map[string]kernel.TuningParameters)}
}

// Get returns a value from the cache.
func (c *Cache) Get(signature string) (kernel.TuningParameters, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.cache[signature]
	return p, ok
}

func (c *Cache) Set(signature string, p kernel.TuningParameters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[signature] = p
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// Snapshot copies the cache contents in store form.
func (c *Cache) Snapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.cache))
	for k, v := range c.cache {
		out[k] = v.String()
	}
	return out
}
