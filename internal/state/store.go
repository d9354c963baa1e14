package state

import (
	"fmt"
	"slices"
	"sync"

	"github.com/witnz/sovereign/internal/hash"
)

// Store is an in-memory key/value map authenticated by a flat digest over
// its whole content. The root is recomputed on every mutation.
//
// keys and leaves are parallel slices kept in key order so a mutation only
// re-hashes the touched entry before streaming the leaves into the root.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Value
	keys    []string
	leaves  []string
	root    string
}

func New() *Store {
	return &Store{
		entries: make(map[string]Value),
		root:    hash.EmptyRoot,
	}
}

// FromMap builds a store holding a copy of entries.
func FromMap(entries map[string]Value) (*Store, error) {
	s := New()
	if err := s.Replace(entries); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Put(key string, value Value) error {
	value = clone(value)
	leaf, err := hash.LeafHash(key, value)
	if err != nil {
		return fmt.Errorf("failed to hash %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, found := slices.BinarySearch(s.keys, key)
	if found {
		s.leaves[i] = leaf
	} else {
		s.keys = slices.Insert(s.keys, i, key)
		s.leaves = slices.Insert(s.leaves, i, leaf)
	}
	s.entries[key] = value
	s.root = hash.RootFromLeaves(s.leaves)
	return nil
}

func (s *Store) Get(key string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return clone(v), true
}

// Delete removes key. Deleting an absent key leaves the root untouched.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, found := slices.BinarySearch(s.keys, key)
	if !found {
		return
	}
	s.keys = slices.Delete(s.keys, i, i+1)
	s.leaves = slices.Delete(s.leaves, i, i+1)
	delete(s.entries, key)
	s.root = hash.RootFromLeaves(s.leaves)
}

func (s *Store) Root() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root
}

// VerifyIntegrity recomputes the digest from the stored values, ignoring every
// cached leaf, and compares it with the current root. The recomputed root is
// returned alongside the verdict.
func (s *Store) VerifyIntegrity() (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	computed, err := hash.StateRoot(s.entries)
	if err != nil {
		return false, ""
	}
	return computed == s.root, computed
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Keys returns the keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.keys)
}

// Copy returns a shallow copy of the content together with the root it
// hashes to, taken under one read lock.
func (s *Store) Copy() (map[string]Value, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Value, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out, s.root
}

// Replace swaps the whole content for entries and recomputes every leaf once.
// On error the store is left unchanged.
func (s *Store) Replace(entries map[string]Value) error {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	next := make(map[string]Value, len(entries))
	leaves := make([]string, len(keys))
	for i, k := range keys {
		v := clone(entries[k])
		leaf, err := hash.LeafHash(k, v)
		if err != nil {
			return fmt.Errorf("failed to hash %q: %w", k, err)
		}
		next[k] = v
		leaves[i] = leaf
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = next
	s.keys = keys
	s.leaves = leaves
	s.root = hash.RootFromLeaves(leaves)
	return nil
}

func clone(v Value) Value {
	if len(v) == 0 {
		return slices.Clone(NullValue)
	}
	return slices.Clone(v)
}
