// Package storetest holds the behavior every tokenstore.Store must share.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/luciancaetano/screepsnet/tokenstore"
)

// StoreFactory creates a new, empty Store for testing.
type StoreFactory func(t *testing.T) tokenstore.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("PutAndGet", func(t *testing.T) { testPutAndGet(t, factory) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, factory) })
}

func testPutAndGet(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	key := tokenstore.Key("https://screeps.com/", "alice")
	if err := s.Put(ctx, key, "tok-1", 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "tok-1" {
		t.Errorf("Get() = %q, want tok-1", got)
	}
}

func testGetMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)

	_, err := s.Get(context.Background(), "missing|nobody")
	if !errors.Is(err, tokenstore.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func testOverwrite(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	s.Put(ctx, "k", "old", 0)
	s.Put(ctx, "k", "new", 0)
	got, err := s.Get(ctx, "k")
	if err != nil || got != "new" {
		t.Errorf("Get() = %q, %v, want new", got, err)
	}
}

func testDelete(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	s.Put(ctx, "k", "tok", 0)
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, tokenstore.ErrNotFound) {
		t.Errorf("Get() after Delete error = %v, want ErrNotFound", err)
	}
}

func testTTL(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Put(ctx, "short", "tok", 50*time.Millisecond); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := s.Get(ctx, "short"); err != nil {
		t.Fatalf("Get() before expiry error = %v", err)
	}

	time.Sleep(120 * time.Millisecond)
	if _, err := s.Get(ctx, "short"); !errors.Is(err, tokenstore.ErrNotFound) {
		t.Errorf("Get() after expiry error = %v, want ErrNotFound", err)
	}
}
