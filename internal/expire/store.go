// Package expire provides an in-memory key-value store with TTL expiry:
// entries expire lazily on read, and a periodic sweep reclaims the rest. The
// Store interface lets a persistent backing store substitute without changing
// callers.
package expire

import (
	"context"
	"sync"
	"time"
)

// Store is a key-value store with per-entry TTL.
type Store[K comparable, V any] interface {
	// Get returns the value for key if present and not expired.
	Get(key K) (V, bool)
	// GetOrCreate returns the existing value for key, or stores and returns
	// the value produced by create. The create function runs at most once per
	// missing key under the store lock.
	GetOrCreate(key K, create func() V) V
	// Set stores value under key with the store's TTL.
	Set(key K, value V)
	// Delete removes key.
	Delete(key K)
	// Len returns the number of live (unexpired) entries.
	Len() int
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// MemoryStore is the in-memory Store implementation.
type MemoryStore[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]entry[V]
	ttl     time.Duration

	nowFunc func() time.Time
}

// NewMemory creates a memory store whose entries live for ttl after their
// last write.
func NewMemory[K comparable, V any](ttl time.Duration) *MemoryStore[K, V] {
	return &MemoryStore[K, V]{
		entries: make(map[K]entry[V]),
		ttl:     ttl,
		nowFunc: time.Now,
	}
}

func (s *MemoryStore[K, V]) Get(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if s.nowFunc().After(e.expiresAt) {
		delete(s.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

func (s *MemoryStore[K, V]) GetOrCreate(key K, create func() V) V {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		// Touch on read so active keys stay alive.
		e.expiresAt = now.Add(s.ttl)
		s.entries[key] = e
		return e.value
	}

	v := create()
	s.entries[key] = entry[V]{value: v, expiresAt: now.Add(s.ttl)}
	return v
}

func (s *MemoryStore[K, V]) Set(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry[V]{value: value, expiresAt: s.nowFunc().Add(s.ttl)}
}

func (s *MemoryStore[K, V]) Delete(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

func (s *MemoryStore[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	n := 0
	for _, e := range s.entries {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

// Sweep removes all expired entries and returns the number removed.
func (s *MemoryStore[K, V]) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	removed := 0
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is canceled.
func (s *MemoryStore[K, V]) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}
