// Package cache is the durable store-and-forward retry queue.
//
// The cache is a multiset of (destination, bytes) pairs. Every Put writes one
// durable record and appends to an in-memory list; TakeAll drains the whole
// list at once. The durable write and the in-memory append are not
// transactional: a crash between them loses at most the message in flight.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrStorage wraps failures of the durable backend.
var ErrStorage = errors.New("cache: storage error")

// Msg is a serialized envelope waiting for a path to Dest.
type Msg struct {
	Dest string
	Data []byte
}

type entry struct {
	msg Msg
	key string // durable record key; empty if the durable write failed
}

// Cache is safe for concurrent use.
type Cache struct {
	store Store

	mu      sync.Mutex
	entries []entry
}

// Open creates a Cache over store and loads any records left by a previous
// run, oldest first.
func Open(ctx context.Context, store Store) (*Cache, error) {
	recs, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load: %v", ErrStorage, err)
	}
	c := &Cache{store: store, entries: make([]entry, 0, len(recs))}
	for _, r := range recs {
		c.entries = append(c.entries, entry{msg: r.Msg, key: r.Key})
	}
	return c, nil
}

// Put stores msg. If the durable write fails the message is still kept in
// memory for the life of the process and an ErrStorage error is returned.
func (c *Cache) Put(ctx context.Context, msg Msg) error {
	msg.Data = append([]byte(nil), msg.Data...)

	// The durable write happens outside c.mu; record order comes from the
	// store's own sequence.
	key, err := c.store.Put(ctx, msg)

	c.mu.Lock()
	c.entries = append(c.entries, entry{msg: msg, key: key})
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrStorage, msg.Dest, err)
	}
	return nil
}

// TakeAll removes and returns every cached message for every destination,
// and deletes their durable records. The messages are returned even if the
// durable delete fails.
func (c *Cache) TakeAll(ctx context.Context) ([]Msg, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) == 0 {
		return nil, nil
	}
	out := make([]Msg, len(c.entries))
	keys := make([]string, 0, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.msg
		if e.key != "" {
			keys = append(keys, e.key)
		}
	}
	c.entries = nil

	if err := c.store.Delete(ctx, keys...); err != nil {
		return out, fmt.Errorf("%w: delete: %v", ErrStorage, err)
	}
	return out, nil
}

// Peek returns a copy of the cached messages without removing them.
func (c *Cache) Peek() []Msg {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Msg, len(c.entries))
	for i, e := range c.entries {
		out[i] = Msg{Dest: e.msg.Dest, Data: append([]byte(nil), e.msg.Data...)}
	}
	return out
}

// Len returns the number of cached messages.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close closes the durable store.
func (c *Cache) Close() error {
	return c.store.Close()
}
