// Package graphstore implements the thread-safe keyed container of node
// entries: atomic get-or-create, non-blocking get, store-only remove, and
// consistent-per-key (not globally-consistent) iteration.
package graphstore

import (
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/weavegraph/weave/internal/entry"
	"github.com/weavegraph/weave/nodekey"
)

// Store is the graph's single source of truth for node entries. The zero
// value is not usable; construct with New.
type Store struct {
	mu      sync.RWMutex
	entries map[nodekey.Key]*entry.Entry

	// creation serializes concurrent GetOrCreate calls for the same key so
	// exactly one caller's entry.NewEntry wins, without holding mu
	// for the duration of a create.
	creation singleflight.Group
}

// New returns an empty Store.
func New() *Store {
	return &Store{entries: make(map[nodekey.Key]*entry.Entry)}
}

// Get returns the entry for key if present, without blocking behind any
// in-flight build: Get only ever takes the store's own short-lived map
// lock, never a per-entry build lock.
func (s *Store) Get(key nodekey.Key) (*entry.Entry, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	return e, ok
}

// GetOrCreate returns the existing entry for key, or atomically creates and
// installs a new NEW-state entry if none exists. Exactly one creation wins
// for concurrent callers requesting the same key.
func (s *Store) GetOrCreate(key nodekey.Key) *entry.Entry {
	if e, ok := s.Get(key); ok {
		return e
	}

	// singleflight.Group keys on string; collisions merely widen
	// contention, they never corrupt the real map lookup below.
	sfKey := key.String()
	v, _, _ := s.creation.Do(sfKey, func() (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if e, ok := s.entries[key]; ok {
			return e, nil
		}
		e := entry.NewEntry(key)
		s.entries[key] = e
		return e, nil
	})
	return v.(*entry.Entry)
}

// Remove deletes key's entry from the store. Only the invalidator calls
// this, during deletion propagation.
func (s *Store) Remove(key nodekey.Key) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Snapshot returns every entry currently in the store, in stable key order.
// The snapshot is consistent per-key (each entry pointer is live) but not
// globally consistent: the store may be mutated concurrently with
// iteration.
func (s *Store) Snapshot() []*entry.Entry {
	s.mu.RLock()
	out := make([]*entry.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Len returns the number of entries currently tracked.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
