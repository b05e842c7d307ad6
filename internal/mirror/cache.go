package mirror

import "sync"

// FailedTargetCache remembers fingerprints that must not be retried. Entries
// never expire.
type FailedTargetCache struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewFailedTargetCache returns an empty cache.
func NewFailedTargetCache() *FailedTargetCache {
	return &FailedTargetCache{entries: make(map[string]string)}
}

// Add records fingerprint with a reason. It reports whether the entry is new.
func (c *FailedTargetCache) Add(fingerprint, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[fingerprint]; ok {
		return false
	}
	c.entries[fingerprint] = reason
	return true
}

// Contains reports whether fingerprint has failed before.
func (c *FailedTargetCache) Contains(fingerprint string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[fingerprint]
	return ok
}

// Reason returns why fingerprint was cached.
func (c *FailedTargetCache) Reason(fingerprint string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.entries[fingerprint]
	return r, ok
}

// Len returns the number of cached fingerprints.
func (c *FailedTargetCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
