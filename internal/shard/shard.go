// Package shard provides a string-keyed map split across independently
// locked shards so that operations on unrelated keys do not contend.
package shard

import (
	"hash/fnv"
	"sync"
)

// DefaultShards is used when New is given a non-positive count.
const DefaultShards = 32

type bucket[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// Map is a sharded map. The zero value is not usable; call New.
type Map[V any] struct {
	buckets []*bucket[V]
}

func New[V any](shards int) *Map[V] {
	if shards <= 0 {
		shards = DefaultShards
	}
	m := &Map[V]{buckets: make([]*bucket[V], shards)}
	for i := range m.buckets {
		m.buckets[i] = &bucket[V]{items: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) bucket(key string) *bucket[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.buckets[h.Sum32()%uint32(len(m.buckets))]
}

// Get returns the value stored under key.
func (m *Map[V]) Get(key string) (V, bool) {
	b := m.bucket(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.items[key]
	return v, ok
}

// Set stores v under key.
func (m *Map[V]) Set(key string, v V) {
	b := m.bucket(key)
	b.mu.Lock()
	b.items[key] = v
	b.mu.Unlock()
}

// Delete removes key and reports whether it was present.
func (m *Map[V]) Delete(key string) bool {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.items[key]
	delete(b.items, key)
	return ok
}

// GetOrCreate returns the value under key, storing create() first if absent.
// create runs with the shard locked and must not touch the map.
func (m *Map[V]) GetOrCreate(key string, create func() V) V {
	b := m.bucket(key)
	b.mu.RLock()
	v, ok := b.items[key]
	b.mu.RUnlock()
	if ok {
		return v
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.items[key]; ok {
		return v
	}
	v = create()
	b.items[key] = v
	return v
}

// Update runs fn on the current value of key with the shard locked.
// fn returns the new value and whether to keep it; returning false deletes key.
func (m *Map[V]) Update(key string, fn func(v V, ok bool) (V, bool)) {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.items[key]
	next, keep := fn(cur, ok)
	if keep {
		b.items[key] = next
	} else {
		delete(b.items, key)
	}
}

// Range calls fn for every entry, one shard at a time, under a read lock.
// Iteration stops when fn returns false. fn must not modify the map.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	for _, b := range m.buckets {
		b.mu.RLock()
		for k, v := range b.items {
			if !fn(k, v) {
				b.mu.RUnlock()
				return
			}
		}
		b.mu.RUnlock()
	}
}

// Len returns the number of entries across all shards.
func (m *Map[V]) Len() int {
	n := 0
	for _, b := range m.buckets {
		b.mu.RLock()
		n += len(b.items)
		b.mu.RUnlock()
	}
	return n
}
