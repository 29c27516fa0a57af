package health

import "sync"

// Cache holds the latest Record per service. The poller writes it; the router,
// metrics and HTTP handlers read it. Writes are last-write-wins per key.
type Cache struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{records: make(map[string]Record)}
}

// Swap stores rec and returns the record it replaced.
func (c *Cache) Swap(rec Record) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, existed := c.records[rec.Service]
	c.records[rec.Service] = rec
	return prev, existed
}

// Set stores rec.
func (c *Cache) Set(rec Record) {
	c.Swap(rec)
}

// Get returns the record for service.
func (c *Cache) Get(service string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[service]
	return rec, ok
}

// IsUnhealthy reports whether the last probe of service failed.
func (c *Cache) IsUnhealthy(service string) bool {
	rec, ok := c.Get(service)
	return ok && rec.Unhealthy()
}

// All returns a copy of every record keyed by service.
func (c *Cache) All() map[string]Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Record, len(c.records))
	for k, v := range c.records {
		out[k] = v
	}
	return out
}

// Remove drops the record for service.
func (c *Cache) Remove(service string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, service)
}
