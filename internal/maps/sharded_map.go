package maps

import (
	"hash/maphash"
	"sync"
)

const numShards = 64 // must be a power of 2

// shard is a single partition of the map, protected by its own lock.
type shard[K Key, V any] struct {
	sync.RWMutex
	m map[K]V
}

// ShardedMap is a concurrent map split into lock-protected shards.
// Keys are spread with maphash so string keys shard as evenly as integers.
type ShardedMap[K Key, V any] struct {
	seed   maphash.Seed
	shards [numShards]shard[K, V]
}

// NewShardedMap creates and initializes a new ShardedMap, returning it as a ConcurrentMap.
func NewShardedMap[K Key, V any]() ConcurrentMap[K, V] {
	m := &ShardedMap[K, V]{seed: maphash.MakeSeed()}
	for i := 0; i < numShards; i++ {
		m.shards[i].m = make(map[K]V)
	}
	return m
}

func (m *ShardedMap[K, V]) getShard(key K) *shard[K, V] {
	return &m.shards[maphash.Comparable(m.seed, key)&(numShards-1)]
}

// Load returns the value for a given key.
func (m *ShardedMap[K, V]) Load(key K) (V, bool) {
	shard := m.getShard(key)
	shard.RLock()
	defer shard.RUnlock()
	val, exists := shard.m[key]
	return val, exists
}

// Store sets the value for a given key.
func (m *ShardedMap[K, V]) Store(key K, value V) {
	shard := m.getShard(key)
	shard.Lock()
	defer shard.Unlock()
	shard.m[key] = value
}

// Delete removes a key from the map.
func (m *ShardedMap[K, V]) Delete(key K) {
	shard := m.getShard(key)
	shard.Lock()
	defer shard.Unlock()
	delete(shard.m, key)
}

// LoadAndDelete deletes a key and returns the value it was associated with.
func (m *ShardedMap[K, V]) LoadAndDelete(key K) (V, bool) {
	shard := m.getShard(key)
	shard.Lock()
	defer shard.Unlock()
	val, exists := shard.m[key]
	if exists {
		delete(shard.m, key)
	}
	return val, exists
}

// LoadOrStore returns the existing value for the key if present, otherwise
// it stores the value built by valueFactory.
func (m *ShardedMap[K, V]) LoadOrStore(key K, valueFactory func() V) (V, bool) {
	shard := m.getShard(key)
	shard.RLock()
	val, exists := shard.m[key]
	shard.RUnlock()
	if exists {
		return val, true
	}

	shard.Lock()
	defer shard.Unlock()
	// Double-check in case another goroutine created it while we were waiting for the lock.
	if val, exists := shard.m[key]; exists {
		return val, true
	}
	val = valueFactory()
	shard.m[key] = val
	return val, false
}

// Range iterates over all items in the map. The shard lock is not held
// while f runs.
func (m *ShardedMap[K, V]) Range(f func(key K, value V) bool) {
	for i := 0; i < numShards; i++ {
		shard := &m.shards[i]
		shard.RLock()
		keys := make([]K, 0, len(shard.m))
		values := make([]V, 0, len(shard.m))
		for k, v := range shard.m {
			keys = append(keys, k)
			values = append(values, v)
		}
		shard.RUnlock()

		for j := range keys {
			if !f(keys[j], values[j]) {
				return
			}
		}
	}
}

// Len sums the shard sizes.
func (m *ShardedMap[K, V]) Len() int {
	n := 0
	for i := 0; i < numShards; i++ {
		m.shards[i].RLock()
		n += len(m.shards[i].m)
		m.shards[i].RUnlock()
	}
	return n
}
