// Package seen implements a time-bounded replay window for received
// envelopes.
//
// The receive pipeline keys each verified envelope by the hash of its
// signature. A key already in the window is a replay and is dropped; a new
// key is recorded. Entries expire after the window so memory stays bounded
// while an old capture replayed much later is still accepted as new traffic
// only once per window.
package seen

import (
	"crypto/sha256"
	"sync"
	"time"
)

const DefaultExpiry = 10 * time.Minute

// Key identifies one envelope.
type Key [32]byte

// KeyOf derives the replay key of a signature.
func KeyOf(sig []byte) Key { return sha256.Sum256(sig) }

// Cache is a concurrent-safe replay window.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]time.Time
	expiry  time.Duration
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// New creates a Cache with the given expiry duration and starts its reaper.
// Call Stop to release it.
func New(expiry time.Duration) *Cache {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	c := &Cache{
		entries: make(map[Key]time.Time),
		expiry:  expiry,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go c.reap()
	return c
}

// Has reports whether k was added and has not expired.
func (c *Cache) Has(k Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.entries[k]
	if !ok {
		return false
	}
	if c.now().After(exp) {
		delete(c.entries, k)
		return false
	}
	return true
}

// Add records k. Returns true if k was not already in the window.
func (c *Cache) Add(k Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if exp, ok := c.entries[k]; ok && now.Before(exp) {
		return false
	}
	c.entries[k] = now.Add(c.expiry)
	return true
}

// Len returns the current number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stop ends the reaper. It is safe to call more than once.
func (c *Cache) Stop() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Cache) reap() {
	ticker := time.NewTicker(c.expiry / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
		now := c.now()
		c.mu.Lock()
		for k, exp := range c.entries {
			if now.After(exp) {
				delete(c.entries, k)
			}
		}
		c.mu.Unlock()
	}
}
