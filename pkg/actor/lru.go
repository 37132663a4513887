// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package actor

import "container/list"

// LRU is a bounded least-recently-used map. The bound is the worst-case
// memory commitment; inserting beyond it evicts the oldest entry.
// Not safe for concurrent use; callers hold it inside a single-writer actor
// or behind their own lock.
type LRU[K comparable, V any] struct {
	capacity int
	order    *list.List
	entries  map[K]*list.Element
}

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// NewLRU creates an LRU holding at most capacity entries. Capacity must be
// at least 1.
func NewLRU[K comparable, V any](capacity int) *LRU[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU[K, V]{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[K]*list.Element, capacity),
	}
}

// Get returns the value for key, marking it most recently used.
func (l *LRU[K, V]) Get(key K) (V, bool) {
	if el, ok := l.entries[key]; ok {
		l.order.MoveToFront(el)
		return el.Value.(*lruEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Put inserts or updates key, evicting the least recently used entry when
// the bound is exceeded.
func (l *LRU[K, V]) Put(key K, value V) {
	if el, ok := l.entries[key]; ok {
		el.Value.(*lruEntry[K, V]).value = value
		l.order.MoveToFront(el)
		return
	}
	l.entries[key] = l.order.PushFront(&lruEntry[K, V]{key: key, value: value})
	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.entries, oldest.Value.(*lruEntry[K, V]).key)
	}
}

// Delete removes key if present.
func (l *LRU[K, V]) Delete(key K) {
	if el, ok := l.entries[key]; ok {
		l.order.Remove(el)
		delete(l.entries, key)
	}
}

// Len returns the number of entries currently held.
func (l *LRU[K, V]) Len() int {
	return l.order.Len()
}

// Keys returns the keys from most to least recently used.
func (l *LRU[K, V]) Keys() []K {
	keys := make([]K, 0, l.order.Len())
	for el := l.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*lruEntry[K, V]).key)
	}
	return keys
}
