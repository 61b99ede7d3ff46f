package cache

import (
	"context"
	"strconv"
	"sync"
)

// Record is a durable cache entry and the key it is stored under.
type Record struct {
	Key string
	Msg Msg
}

// Store is the durable half of the cache. Every Put creates a distinct
// record, even for a destination that already has one.
type Store interface {
	// Put persists msg and returns the new record's key.
	Put(ctx context.Context, msg Msg) (key string, err error)
	// Delete removes the records with the given keys. Unknown keys are ignored.
	Delete(ctx context.Context, keys ...string) error
	// Load returns every record, oldest first.
	Load(ctx context.Context) ([]Record, error)
	Close() error
}

// MemoryStore keeps records in process memory. Useful for tests and for
// running without a data directory.
type MemoryStore struct {
	mu   sync.Mutex
	seq  uint64
	recs []Record
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Put(_ context.Context, msg Msg) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	key := strconv.FormatUint(s.seq, 10)
	s.recs = append(s.recs, Record{Key: key, Msg: msg})
	return key, nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.recs[:0]
	for _, r := range s.recs {
		if _, ok := drop[r.Key]; !ok {
			kept = append(kept, r)
		}
	}
	s.recs = kept
	return nil
}

func (s *MemoryStore) Load(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.recs...), nil
}

func (s *MemoryStore) Close() error { return nil }
