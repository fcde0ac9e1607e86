// Package dek holds per-policy data-encryption keys for a bounded lifetime.
//
// Key material is overwritten before any entry leaves the cache. Relying on
// garbage collection to erase keys is not acceptable here.
package dek

import (
	"crypto/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

type entry struct {
	key        []byte
	insertedAt time.Time
}

// Cache is a mutex-guarded TTL cache with FIFO capacity eviction.
// Eviction order follows insertion, not access.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]*entry
	order   []string // policy ids, oldest first
	logger  *zap.Logger
	now     func() time.Time
}

// New constructs a cache with the given TTL and capacity.
func New(ttl time.Duration, maxEntries int, logger *zap.Logger) *Cache {
	return &Cache{
		ttl:     ttl,
		max:     maxEntries,
		entries: make(map[string]*entry),
		logger:  logger,
		now:     time.Now,
	}
}

// Get returns a defensive copy of the key for policyID. An entry older than
// the TTL is erased first and reported absent.
func (c *Cache) Get(policyID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[policyID]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.insertedAt) >= c.ttl {
		c.removeLocked(policyID)
		return nil, false
	}
	out := make([]byte, len(e.key))
	copy(out, e.key)
	return out, true
}

// Set stores a copy of key under policyID. When the cache is full and the id
// is new, the oldest-inserted entry is erased and evicted.
func (c *Cache) Set(policyID string, key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[policyID]; ok {
		// Overwrite in place: erase the old buffer and move to the back of
		// the insertion order.
		c.removeLocked(policyID)
	} else if len(c.entries) >= c.max && len(c.order) > 0 {
		evicted := c.order[0]
		c.removeLocked(evicted)
		c.logger.Debug("dek cache capacity eviction", zap.String("policy_id", evicted))
	}

	stored := make([]byte, len(key))
	copy(stored, key)
	c.entries[policyID] = &entry{key: stored, insertedAt: c.now()}
	c.order = append(c.order, policyID)
}

// Delete erases and removes the entry for policyID, if present.
func (c *Cache) Delete(policyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(policyID)
}

// Clear erases and removes every entry. Called on service shutdown.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.entries {
		Wipe(c.entries[id].key)
	}
	c.entries = make(map[string]*entry)
	c.order = nil
}

// Len reports the number of live entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(policyID string) {
	e, ok := c.entries[policyID]
	if !ok {
		return
	}
	Wipe(e.key)
	delete(c.entries, policyID)
	for i, id := range c.order {
		if id == policyID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Wipe overwrites b with random bytes and then zeros. The final state is
// all-zero regardless of the RNG outcome.
func Wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	for pass := 0; pass < 3; pass++ {
		_, _ = rand.Read(b)
	}
	for i := range b {
		b[i] = 0
	}
}
