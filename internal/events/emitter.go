package events

import (
	"sort"
	"sync"
)

type listener[T any] struct {
	id uint64
	fn func(T)
}

// Emitter fans a value out to the listeners registered under a key. Listeners
// run synchronously on the emitting goroutine, in registration order.
type Emitter[T any] struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[string][]listener[T]
}

// NewEmitter creates an emitter with no listeners.
func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{listeners: make(map[string][]listener[T])}
}

// On registers fn under key. The returned function removes it and is safe to
// call more than once.
func (e *Emitter[T]) On(key string, fn func(T)) func() {
	id := e.add(key, fn)

	var once sync.Once
	return func() {
		once.Do(func() { e.off(key, id) })
	}
}

// Once registers fn under key for a single emission. Cancelling first means fn
// never runs, even for an emission already in flight.
func (e *Emitter[T]) Once(key string, fn func(T)) func() {
	var (
		once sync.Once
		id   uint64
	)
	e.mu.Lock()
	e.nextID++
	id = e.nextID
	e.listeners[key] = append(e.listeners[key], listener[T]{id: id, fn: func(v T) {
		once.Do(func() {
			e.off(key, id)
			fn(v)
		})
	}})
	e.mu.Unlock()

	return func() {
		once.Do(func() { e.off(key, id) })
	}
}

func (e *Emitter[T]) add(key string, fn func(T)) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.listeners[key] = append(e.listeners[key], listener[T]{id: e.nextID, fn: fn})
	return e.nextID
}

func (e *Emitter[T]) off(key string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.listeners[key]
	for i, l := range list {
		if l.id == id {
			e.listeners[key] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(e.listeners[key]) == 0 {
		delete(e.listeners, key)
	}
}

// Emit calls every listener registered under key and returns how many ran.
func (e *Emitter[T]) Emit(key string, v T) int {
	e.mu.RLock()
	list := append([]listener[T](nil), e.listeners[key]...)
	e.mu.RUnlock()

	for _, l := range list {
		l.fn(v)
	}
	return len(list)
}

// Count returns the number of listeners under key.
func (e *Emitter[T]) Count(key string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[key])
}

// Keys returns every key with at least one listener, sorted.
func (e *Emitter[T]) Keys() []string {
	e.mu.RLock()
	keys := make([]string, 0, len(e.listeners))
	for k := range e.listeners {
		keys = append(keys, k)
	}
	e.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Clear removes every listener.
func (e *Emitter[T]) Clear() {
	e.mu.Lock()
	e.listeners = make(map[string][]listener[T])
	e.mu.Unlock()
}
