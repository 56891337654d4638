package beansdb

import (
	"bytes"
	"time"

	"github.com/douban/beansdb-go/logger"
)

// emptySlot is the fixed byte string written to the cache to mean "the
// store has no such key". Any code path that consults the cache compares
// against these exact bytes, never a plain truthiness check.
var emptySlot = []byte("__empty_slot__##")

const (
	// CacheShortTTL is the TTL used for the initial "set-then-delayed-delete"
	// write: short enough to bound the staleness window.
	CacheShortTTL = 60 * time.Second
	// CacheLongTTL is the TTL used once a value has been confirmed fresh
	// from the store.
	CacheLongTTL = 86400 * time.Second
)

// Cache is the memcache-like cache Cached fronts a Router with. It mirrors
// Store's get/set/delete shape, plus an explicit TTL on writes.
type Cache interface {
	Get(key string) ([]byte, error)
	GetMulti(keys []string) (map[string][]byte, error)
	Set(key string, value []byte, ttl time.Duration) error
	SetMulti(items map[string][]byte, ttl time.Duration) error
	Delete(key string) error
}

// DelayCleaner performs deferred cache invalidation of keys in an external
// worker. When a Cached instance is built without one, it schedules an
// equivalent invalidation itself via a background goroutine.
type DelayCleaner func(keys []string)

// Cached wraps a Router with a look-aside cache using the empty-slot
// sentinel and short-TTL "set-then-delayed-delete" discipline: misses are
// cached as the sentinel, and writes leave a short-TTL entry that a delayed
// delete then clears. It mutates only cache state; the router and cache
// it holds are borrowed references.
type Cached struct {
	router Router
	cache  Cache
	delay  DelayCleaner
}

// NewCached wraps router with cache. If cleaner is nil, Cached schedules its
// own deferred invalidation using a background goroutine with a 60-second
// delay, the same window the inline "delete with hide timeout" model would
// use.
func NewCached(router Router, cache Cache, cleaner DelayCleaner) *Cached {
	c := &Cached{router: router, cache: cache}
	if cleaner != nil {
		c.delay = cleaner
	} else {
		c.delay = c.defaultDelayedInvalidate
	}
	return c
}

// defaultDelayedInvalidate is the fallback delay cleaner: it schedules a
// cache delete CacheShortTTL in the future on a background goroutine, the
// model-(b) equivalent of memcache's inline "delete with hide timeout".
func (c *Cached) defaultDelayedInvalidate(keys []string) {
	go func() {
		time.Sleep(CacheShortTTL)
		for _, k := range keys {
			if err := c.cache.Delete(k); err != nil {
				logger.Warnf("beansdb: deferred cache invalidation of %q failed: %s", k, err.Error())
			}
		}
	}()
}

func isSentinel(v []byte) bool {
	return bytes.Equal(v, emptySlot)
}

// Get looks up key in cache first; on a miss or sentinel it consults the
// store, repopulating the cache with a long TTL on a hit and clearing a
// stale sentinel on a confirmed miss.
func (c *Cached) Get(key string, def []byte) ([]byte, error) {
	cached, cacheErr := c.cache.Get(key)
	if cacheErr == nil && cached != nil && !isSentinel(cached) {
		return cached, nil
	}
	hadSentinel := cacheErr == nil && isSentinel(cached)
	if hadSentinel {
		observeCacheSentinelHit()
	}

	v, err := c.router.Get(key, nil)
	if err != nil {
		return nil, err
	}
	if v != nil {
		if err := c.cache.Set(key, v, CacheLongTTL); err != nil {
			logger.Warnf("beansdb: cache set of %q failed: %s", key, err.Error())
		}
		return v, nil
	}
	if hadSentinel {
		if err := c.cache.Delete(key); err != nil {
			logger.Warnf("beansdb: clearing sentinel for %q failed: %s", key, err.Error())
		}
	}
	return def, nil
}

// Exists returns true on a non-sentinel cache hit; otherwise delegates to
// the store.
func (c *Cached) Exists(key string) (bool, error) {
	cached, err := c.cache.Get(key)
	if err == nil && cached != nil && !isSentinel(cached) {
		return true, nil
	}
	return c.router.Exists(key)
}

// GetMulti fetches all keys from the cache first; keys whose cache value is
// nil or the sentinel are re-fetched from the store and the freshly-fetched
// map is written back to the cache with a long TTL.
func (c *Cached) GetMulti(keys []string, def []byte) (map[string][]byte, error) {
	cached, err := c.cache.GetMulti(keys)
	if err != nil {
		logger.Warnf("beansdb: cache get_multi failed, falling back to store for all keys: %s", err.Error())
		cached = nil
	}

	result := make(map[string][]byte, len(keys))
	var missing []string
	for _, k := range keys {
		v, ok := cached[k]
		if ok && v != nil && !isSentinel(v) {
			result[k] = v
			continue
		}
		if ok && isSentinel(v) {
			observeCacheSentinelHit()
		}
		missing = append(missing, k)
	}

	if len(missing) == 0 {
		return result, nil
	}

	fromStore, err := c.router.GetMulti(missing, nil)
	if err != nil {
		return nil, err
	}

	toCache := make(map[string][]byte, len(missing))
	for _, k := range missing {
		v := fromStore[k]
		if v == nil {
			result[k] = def
			continue
		}
		result[k] = v
		toCache[k] = v
	}
	if len(toCache) > 0 {
		if err := c.cache.SetMulti(toCache, CacheLongTTL); err != nil {
			logger.Warnf("beansdb: cache set_multi failed: %s", err.Error())
		}
	}
	return result, nil
}

// Set writes value through to the store (or deletes if value is nil), then
// applies the short-TTL-set-then-delayed-delete discipline. If the store
// call fails, the cache must not retain a value the store rejected: a
// deferred invalidation is still scheduled and the error is returned.
func (c *Cached) Set(key string, value []byte) error {
	var storeErr error
	if value == nil {
		_, storeErr = c.router.Delete(key)
	} else {
		_, storeErr = c.router.Set(key, value)
	}

	if storeErr != nil {
		c.delay([]string{key})
		return storeErr
	}

	if value != nil {
		if err := c.cache.Set(key, value, CacheShortTTL); err != nil {
			logger.Warnf("beansdb: cache set of %q failed: %s", key, err.Error())
		}
	}
	c.delay([]string{key})
	return nil
}

// SetMulti stores values, then short-TTL-caches them and schedules deferred
// invalidation. On store failure, invalidation is still scheduled and the
// error is returned.
func (c *Cached) SetMulti(values map[string][]byte) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}

	if err := c.router.SetMulti(values); err != nil {
		c.delay(keys)
		return err
	}

	toCache := make(map[string][]byte, len(values))
	for k, v := range values {
		if v != nil {
			toCache[k] = v
		}
	}
	if len(toCache) > 0 {
		if err := c.cache.SetMulti(toCache, CacheShortTTL); err != nil {
			logger.Warnf("beansdb: cache set_multi failed: %s", err.Error())
		}
	}
	c.delay(keys)
	return nil
}

// Delete always calls the store first, then unconditionally performs a
// prompt cache delete and schedules a deferred invalidation, even if the
// store call failed.
func (c *Cached) Delete(key string) error {
	_, storeErr := c.router.Delete(key)
	if err := c.cache.Delete(key); err != nil {
		logger.Warnf("beansdb: cache delete of %q failed: %s", key, err.Error())
	}
	c.delay([]string{key})
	return storeErr
}

// DeleteMulti mirrors Delete across a batch.
func (c *Cached) DeleteMulti(keys []string) error {
	storeErr := c.router.DeleteMulti(keys)
	for _, k := range keys {
		if err := c.cache.Delete(k); err != nil {
			logger.Warnf("beansdb: cache delete of %q failed: %s", k, err.Error())
		}
	}
	c.delay(keys)
	return storeErr
}

// Incr calls the store, then unconditionally schedules deferred
// invalidation of key.
func (c *Cached) Incr(key string, n uint64) (uint64, error) {
	v, err := c.router.Incr(key, n)
	c.delay([]string{key})
	return v, err
}
