package cache

import "sync"

// memoryTier holds decoded objects, bounded by their accounted size.
type memoryTier[T any] struct {
	maxBytes int64

	mu  sync.Mutex
	lru *lruList[T]
}

func newMemoryTier[T any](maxBytes int64) *memoryTier[T] {
	return &memoryTier[T]{maxBytes: maxBytes, lru: newLRUList[T]()}
}

func (m *memoryTier[T]) Get(key string) (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.lru.peek(key)
	if !ok {
		var zero T
		return zero, false
	}
	m.lru.touch(it)
	return it.val, true
}

// Put stores v and evicts least recently used entries until the tier fits.
// Objects bigger than the whole tier are not stored; Put reports whether v
// was kept.
func (m *memoryTier[T]) Put(key string, v T, size int64) bool {
	if size < 0 {
		size = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxBytes <= 0 || size > m.maxBytes {
		m.lru.remove(key)
		return false
	}
	m.lru.set(key, v, size)
	for m.lru.total > m.maxBytes {
		old := m.lru.oldest()
		if old == nil || old.key == key {
			break
		}
		m.lru.remove(old.key)
	}
	return true
}

func (m *memoryTier[T]) Delete(key string) {
	m.mu.Lock()
	m.lru.remove(key)
	m.mu.Unlock()
}

func (m *memoryTier[T]) Clear() {
	m.mu.Lock()
	m.lru.reset()
	m.mu.Unlock()
}

func (m *memoryTier[T]) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lru.peek(key)
	return ok
}

func (m *memoryTier[T]) TotalSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.total
}

func (m *memoryTier[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.len()
}

// Keys lists keys from most to least recently used.
func (m *memoryTier[T]) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.keys()
}
