// Package beansdb implements the client-side access layer for a distributed
// key-value store fronted by either a raw backend fleet (direct mode) or a
// proxy fleet (proxied mode), with an optional look-aside cache.
package beansdb

import (
	"errors"
	"sync"
	"time"

	"github.com/douban/beansdb-go/logger"
	"github.com/douban/beansdb-go/memcached"
)

// consecutiveFailureLimit and retry-after-failure are part of the per-backend
// contract: after this many consecutive I/O failures a Store is treated as
// down until retryAfterFailure has elapsed, the same circuit-breaking idea
// memcached's node provider applies to a whole hash ring, scoped here to a
// single backend.
const consecutiveFailureLimit = 4

// Backend is the subset of Store's behavior DirectClient, ProxyClient, and
// bucket placement depend on. Production code always uses a *Store; tests
// substitute a fake in-memory implementation instead of a live server, the
// same role the original suite's FakeMCStore/LocalMCStore played.
type Backend interface {
	Addr() string
	Get(k string) ([]byte, error)
	GetRaw(k string) ([]byte, uint32, error)
	GetMulti(keys []string) (map[string][]byte, error)
	Set(k string, v []byte, rev int) (bool, error)
	SetRaw(k string, v []byte, rev int, flag uint32) (bool, error)
	SetMulti(items map[string][]byte) (ok bool, failures []string, err error)
	Delete(k string) (bool, error)
	DeleteMulti(keys []string) (ok bool, failures []string, err error)
	Exists(k string) (bool, error)
	Incr(k string, n uint64) (uint64, error)
	Inventory() ([numBuckets]int64, error)
}

var _ Backend = (*Store)(nil)

// Store is a thin wrapper around a single memcache-protocol endpoint. It
// holds no mutable state beyond the pooled client and a small failure
// breaker used to skip a backend that's currently down without paying a
// fresh connect-timeout on every call.
type Store struct {
	addr string
	mc   *memcached.Client

	retryAfterFailure time.Duration

	mu            sync.Mutex
	consecFails   int
	downUntil     time.Time
	inventoryOnce sync.Once
	inventory     [numBuckets]int64
	inventoryErr  error
}

// NewStore builds a Store bound to a single backend address with the given
// connect/poll timeouts and retry-after-failure window. CAS is never used and
// no key is ever split, per the backend contract.
func NewStore(addr string, connectTimeout, pollTimeout, retryAfterFailure time.Duration) (*Store, error) {
	mc, err := memcached.New(addr,
		memcached.WithTimeout(connectTimeout),
		memcached.WithPollTimeout(pollTimeout),
		memcached.WithDisableNodeProvider(),
	)
	if err != nil {
		return nil, err
	}
	return &Store{addr: addr, mc: mc, retryAfterFailure: retryAfterFailure}, nil
}

// Addr returns the backend's network address, used as its identity.
func (s *Store) Addr() string { return s.addr }

func (s *Store) isDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecFails >= consecutiveFailureLimit && time.Now().Before(s.downUntil)
}

func (s *Store) recordResult(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.consecFails = 0
		return
	}
	s.consecFails++
	if s.consecFails >= consecutiveFailureLimit {
		s.downUntil = time.Now().Add(s.retryAfterFailure)
	}
}

// ErrBackendDown is returned without attempting I/O when a backend has
// exceeded consecutiveFailureLimit consecutive failures and is still within
// its retry-after-failure window.
var ErrBackendDown = errors.New("beansdb: backend temporarily marked down")

// Get returns the value for k, or nil if the server reports a miss. A
// non-zero flags word on a plain get means the value was written through
// SetRaw with a flag this path doesn't understand: the contract calls this
// corrupt, so the key is deleted and nil is returned.
func (s *Store) Get(k string) ([]byte, error) {
	if s.isDown() {
		return nil, ErrBackendDown
	}
	resp, flags, err := s.mc.GetRaw(k)
	s.recordResult(ioErrorOnly(err))
	if err != nil {
		if errors.Is(err, memcached.ErrCacheMiss) {
			return nil, nil
		}
		return nil, err
	}
	if flags != 0 {
		_, _ = s.mc.Delete(k)
		return nil, nil
	}
	return resp.Body, nil
}

// GetRaw is like Get but also returns the item's flag, without the
// corrupt-payload self-healing Get performs.
func (s *Store) GetRaw(k string) ([]byte, uint32, error) {
	if s.isDown() {
		return nil, 0, ErrBackendDown
	}
	resp, flags, err := s.mc.GetRaw(k)
	s.recordResult(ioErrorOnly(err))
	if err != nil {
		if errors.Is(err, memcached.ErrCacheMiss) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	return resp.Body, flags, nil
}

// GetMulti returns a map of key to value for every key the backend has.
// Missing keys are simply absent from the map.
func (s *Store) GetMulti(keys []string) (map[string][]byte, error) {
	if s.isDown() {
		return nil, ErrBackendDown
	}
	res, err := s.mc.MultiGet(keys)
	s.recordResult(ioErrorOnly(err))
	return res, err
}

// Set stores v under k. rev < 0 is rejected; rev is otherwise accepted but
// unused (CAS is disabled for this backend contract).
func (s *Store) Set(k string, v []byte, rev int) (bool, error) {
	return s.SetRaw(k, v, rev, 0)
}

// SetRaw is Set with an explicit 32-bit flag.
func (s *Store) SetRaw(k string, v []byte, rev int, flag uint32) (bool, error) {
	if rev < 0 {
		return false, ErrInvalidRevision
	}
	if s.isDown() {
		return false, ErrBackendDown
	}
	_, err := s.mc.StoreRaw(memcached.Set, k, 0, flag, v)
	s.recordResult(ioErrorOnly(err))
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetMulti stores every entry of items; nil values are passed to the backend
// as they are, not filtered out. It returns ok=false plus the
// list of keys that failed when return_failure behavior is needed by the
// caller; failures is always populated regardless, the caller decides
// whether to surface it.
func (s *Store) SetMulti(items map[string][]byte) (ok bool, failures []string, err error) {
	if s.isDown() {
		keys := make([]string, 0, len(items))
		for k := range items {
			keys = append(keys, k)
		}
		return false, keys, ErrBackendDown
	}
	ok, failures, err = s.mc.MultiStoreWithFailures(memcached.Set, items, 0)
	s.recordResult(ioErrorOnly(err))
	return ok, failures, err
}

// Delete removes k. Returns false (without error) when the server reports
// the key was already absent.
func (s *Store) Delete(k string) (bool, error) {
	if s.isDown() {
		return false, ErrBackendDown
	}
	_, err := s.mc.Delete(k)
	s.recordResult(ioErrorOnly(err))
	if err != nil {
		if errors.Is(err, memcached.ErrCacheMiss) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeleteMulti removes every key in keys, returning the per-key failure list.
func (s *Store) DeleteMulti(keys []string) (ok bool, failures []string, err error) {
	if s.isDown() {
		return false, keys, ErrBackendDown
	}
	ok, failures, err = s.mc.MultiDeleteWithFailures(keys)
	s.recordResult(ioErrorOnly(err))
	return ok, failures, err
}

// Exists issues the server-side existence probe get("?"+key), coerced to
// bool.
func (s *Store) Exists(k string) (bool, error) {
	if s.isDown() {
		return false, ErrBackendDown
	}
	resp, err := s.mc.Get("?" + k)
	s.recordResult(ioErrorOnly(err))
	if err != nil {
		if errors.Is(err, memcached.ErrCacheMiss) {
			return false, nil
		}
		return false, err
	}
	return len(resp.Body) > 0, nil
}

// Incr applies delta n to k and returns the new value.
func (s *Store) Incr(k string, n uint64) (uint64, error) {
	if s.isDown() {
		return 0, ErrBackendDown
	}
	v, err := s.mc.Delta(memcached.Increment, k, n, 0, 0)
	s.recordResult(ioErrorOnly(err))
	return v, err
}

// Inventory returns the backend's bucket occupancy, obtained by issuing
// get("@") once and caching the parsed result for the process lifetime, per
// the "queried lazily, cached until process end" invariant.
func (s *Store) Inventory() ([numBuckets]int64, error) {
	s.inventoryOnce.Do(func() {
		resp, err := s.mc.Get("@")
		if err != nil {
			s.inventoryErr = err
			return
		}
		s.inventory, s.inventoryErr = parseInventory(resp.Body)
		if s.inventoryErr != nil {
			logger.Warnf("beansdb: failed to parse bucket inventory from %s: %s", s.addr, s.inventoryErr.Error())
		}
	})
	return s.inventory, s.inventoryErr
}

// resetInventoryForTest allows tests to force a re-query; production code
// never calls this, matching the "cached until process end" invariant.
func (s *Store) resetInventoryForTest() {
	s.inventoryOnce = sync.Once{}
	s.inventory = [numBuckets]int64{}
	s.inventoryErr = nil
}

// ioErrorOnly narrows err to something worth counting against the failure
// breaker: a clean cache-miss is not a backend failure.
func ioErrorOnly(err error) error {
	if err == nil || errors.Is(err, memcached.ErrCacheMiss) {
		return nil
	}
	return err
}
