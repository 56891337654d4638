package beansdb

import (
	"sync"
	"time"
)

// MemoryCache is an in-process Cache implementation with per-key TTL
// expiry. It has no eviction beyond expiry and is meant for demos and
// tests, not production use; the package makes no assumption about which
// concrete cache backs Cached.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memoryCacheItem
}

type memoryCacheItem struct {
	value   []byte
	expires time.Time
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]memoryCacheItem)}
}

func (m *MemoryCache) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(item.expires) {
		delete(m.items, key)
		return nil, nil
	}
	return item.value, nil
}

func (m *MemoryCache) GetMulti(keys []string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make(map[string][]byte, len(keys))
	now := time.Now()
	for _, k := range keys {
		item, ok := m.items[k]
		if !ok {
			continue
		}
		if now.After(item.expires) {
			delete(m.items, k)
			continue
		}
		result[k] = item.value
	}
	return result, nil
}

func (m *MemoryCache) Set(key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memoryCacheItem{value: value, expires: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryCache) SetMulti(values map[string][]byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	expires := time.Now().Add(ttl)
	for k, v := range values {
		m.items[k] = memoryCacheItem{value: v, expires: expires}
	}
	return nil
}

func (m *MemoryCache) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

var _ Cache = (*MemoryCache)(nil)
