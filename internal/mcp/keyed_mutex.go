// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mcp

import (
	"context"
	"sync"
)

// KeyedMutex grants one exclusive section per key at a time. Waiters on the
// same key are served in arrival order; different keys never block each other.
// The zero value is ready to use.
type KeyedMutex[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*keyQueue
}

type keyQueue struct {
	held    bool
	waiters []chan struct{}
}

// Lock blocks until key is free or ctx is done.
func (km *KeyedMutex[K]) Lock(ctx context.Context, key K) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	km.mu.Lock()
	if km.locks == nil {
		km.locks = make(map[K]*keyQueue)
	}
	q, ok := km.locks[key]
	if !ok {
		q = &keyQueue{}
		km.locks[key] = q
	}
	if !q.held {
		q.held = true
		km.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	km.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
	}

	km.mu.Lock()
	for i, w := range q.waiters {
		if w == ch {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			km.mu.Unlock()
			return ctx.Err()
		}
	}
	km.mu.Unlock()

	// Ownership was handed to us while we were giving up; pass it on.
	km.Unlock(key)
	return ctx.Err()
}

// Unlock releases key, handing it directly to the oldest waiter if there is one.
func (km *KeyedMutex[K]) Unlock(key K) {
	km.mu.Lock()
	defer km.mu.Unlock()

	q, ok := km.locks[key]
	if !ok || !q.held {
		panic("mcp: unlock of unlocked key")
	}
	if len(q.waiters) > 0 {
		next := q.waiters[0]
		q.waiters = q.waiters[1:]
		close(next)
		return
	}
	delete(km.locks, key)
}

// RunExclusive runs body while holding key. The lock is released even if body panics.
func RunExclusive[K comparable, T any](ctx context.Context, km *KeyedMutex[K], key K, body func() (T, error)) (T, error) {
	if err := km.Lock(ctx, key); err != nil {
		var zero T
		return zero, err
	}
	defer km.Unlock(key)
	return body()
}

// Guarded is a map whose entries can only be written while holding the
// entry's key. Reads through Peek and Snapshot do not take the key lock and
// may be stale by the time the caller acts on them.
type Guarded[K comparable, V any] struct {
	keys KeyedMutex[K]

	mu     sync.RWMutex
	values map[K]V
}

// NewGuarded creates an empty Guarded map.
func NewGuarded[K comparable, V any]() *Guarded[K, V] {
	return &Guarded[K, V]{values: make(map[K]V)}
}

// Peek returns the current value for key without locking it.
func (g *Guarded[K, V]) Peek(key K) (V, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.values[key]
	return v, ok
}

// Snapshot returns a copy of every entry.
func (g *Guarded[K, V]) Snapshot() map[K]V {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[K]V, len(g.values))
	for k, v := range g.values {
		out[k] = v
	}
	return out
}

// Len returns the number of entries.
func (g *Guarded[K, V]) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.values)
}

// Entry is the exclusive handle for one key, valid only inside WithKey.
type Entry[K comparable, V any] struct {
	g    *Guarded[K, V]
	key  K
	done bool
}

// Key returns the locked key.
func (e *Entry[K, V]) Key() K {
	return e.key
}

// Get returns the value stored under the locked key.
func (e *Entry[K, V]) Get() (V, bool) {
	e.check()
	return e.g.Peek(e.key)
}

// Set replaces the value stored under the locked key.
func (e *Entry[K, V]) Set(v V) {
	e.check()
	e.g.mu.Lock()
	e.g.values[e.key] = v
	e.g.mu.Unlock()
}

// Delete removes the locked key.
func (e *Entry[K, V]) Delete() {
	e.check()
	e.g.mu.Lock()
	delete(e.g.values, e.key)
	e.g.mu.Unlock()
}

func (e *Entry[K, V]) check() {
	if e.done {
		panic("mcp: guarded entry used outside its critical section")
	}
}

// WithKey runs fn with exclusive access to key's entry.
func WithKey[K comparable, V any, T any](ctx context.Context, g *Guarded[K, V], key K, fn func(e *Entry[K, V]) (T, error)) (T, error) {
	return RunExclusive(ctx, &g.keys, key, func() (T, error) {
		e := &Entry[K, V]{g: g, key: key}
		defer func() { e.done = true }()
		return fn(e)
	})
}
