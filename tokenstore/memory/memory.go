// Package memory provides an in-process token store backed by an LRU cache.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/luciancaetano/screepsnet/tokenstore"
)

// DefaultSize is the capacity used when New is given a non-positive size.
const DefaultSize = 128

type entry struct {
	token     string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store implements tokenstore.Store in memory.
type Store struct {
	mu    sync.Mutex
	cache *lru.Cache[string, entry]
	now   func() time.Time
}

// New creates a store holding at most size tokens.
func New(size int) (*Store, error) {
	if size <= 0 {
		size = DefaultSize
	}
	cache, err := lru.New[string, entry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Store{cache: cache, now: time.Now}, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.cache.Get(key)
	if !ok {
		return "", tokenstore.ErrNotFound
	}
	if e.expired(s.now()) {
		s.cache.Remove(key)
		return "", tokenstore.ErrNotFound
	}
	return e.token, nil
}

func (s *Store) Put(ctx context.Context, key, token string, ttl time.Duration) error {
	e := entry{token: token}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.cache.Add(key, e)
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	s.cache.Remove(key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored tokens, including expired ones not yet evicted.
func (s *Store) Len() int {
	return s.cache.Len()
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}
