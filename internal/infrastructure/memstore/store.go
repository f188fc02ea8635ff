// Package memstore provides mutex-based in-memory implementations of the
// coordination Store, Bus and Locker. Used by tests and by single-instance
// deployments that do not need a shared redis.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/0Andriy/roomsync/internal/domain/coordination"
)

// Store is an in-memory coordination.Store. Thread-safe via sync.RWMutex.
// TTLs are honored lazily: expired entries are dropped on access.
type Store struct {
	mu     sync.RWMutex
	values map[string]scalarEntry
	sets   map[string]map[string]struct{}
	hashes map[string]map[string]string
}

type scalarEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		values: make(map[string]scalarEntry),
		sets:   make(map[string]map[string]struct{}),
		hashes: make(map[string]map[string]string),
	}
}

func (e scalarEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.values[key]
	if !ok {
		return "", coordination.ErrNotFound
	}
	if entry.expired(time.Now()) {
		delete(s.values, key)
		return "", coordination.ErrNotFound
	}
	return entry.value, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = newEntry(value, ttl)
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, key)
	delete(s.sets, key)
	delete(s.hashes, key)
	return nil
}

func (s *Store) SetIfAbsentOrEqual(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.values[key]
	if ok && entry.expired(time.Now()) {
		delete(s.values, key)
		ok = false
	}
	if ok && entry.value != value {
		return false, nil
	}
	s.values[key] = newEntry(value, ttl)
	return true, nil
}

func (s *Store) AddToSet(ctx context.Context, key string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	var added int64
	for _, m := range members {
		if _, exists := set[m]; !exists {
			set[m] = struct{}{}
			added++
		}
	}
	return added, nil
}

func (s *Store) RemoveFromSet(ctx context.Context, key string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		return 0, nil
	}
	var removed int64
	for _, m := range members {
		if _, exists := set[m]; exists {
			delete(set, m)
			removed++
		}
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return removed, nil
}

func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.sets[key]
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	return members, nil
}

func (s *Store) SetContains(ctx context.Context, key, member string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.sets[key][member]
	return ok, nil
}

func (s *Store) SetSize(ctx context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.sets[key])), nil
}

func (s *Store) GetHash(ctx context.Context, key string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hash := s.hashes[key]
	out := make(map[string]string, len(hash))
	for k, v := range hash {
		out[k] = v
	}
	return out, nil
}

func (s *Store) SetHash(ctx context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, ok := s.hashes[key]
	if !ok {
		hash = make(map[string]string, len(fields))
		s.hashes[key] = hash
	}
	for k, v := range fields {
		hash[k] = v
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func newEntry(value string, ttl time.Duration) scalarEntry {
	entry := scalarEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	return entry
}
