package beansdb

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/douban/beansdb-go/logger"
)

// MaxKeysInGetMulti is the protocol-pipelining limit a single backend
// dispatch must honor; larger batches are chunked.
const MaxKeysInGetMulti = 200

const (
	// DefaultUpdatePeriod is how often the first access after this much time
	// has elapsed since the last table recompute triggers a new one.
	DefaultUpdatePeriod = 10 * time.Second
	// DefaultN is the replica fanout.
	DefaultN = 3
	// DefaultW is the write quorum; W <= N.
	DefaultW = 2
)

// DirectClient maps keys onto a 16-way bucket table built from each
// backend's self-reported inventory and performs quorum read/write/delete
// across the resulting replica set.
type DirectClient struct {
	stores       []Backend
	n, w         int
	updatePeriod time.Duration

	mu        sync.RWMutex
	table     [numBuckets][]Backend
	lastBuild time.Time
}

// NewDirectClient builds a direct router over stores with the given replica
// fanout N and write quorum W. The bucket table is empty until the first
// call triggers a refresh.
func NewDirectClient(stores []Backend, n, w int, updatePeriod time.Duration) *DirectClient {
	if n <= 0 {
		n = DefaultN
	}
	if w <= 0 {
		w = DefaultW
	}
	if updatePeriod <= 0 {
		updatePeriod = DefaultUpdatePeriod
	}
	return &DirectClient{stores: stores, n: n, w: w, updatePeriod: updatePeriod}
}

// getServers returns the ordered candidate list for key's bucket, refreshing
// the table first if more than updatePeriod has passed since the last
// refresh.
func (d *DirectClient) getServers(key string) []Backend {
	d.mu.RLock()
	stale := time.Since(d.lastBuild) > d.updatePeriod
	d.mu.RUnlock()

	if stale {
		d.refresh()
	}

	b := bucketOf(key)
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.table[b]
}

// refresh recomputes the full bucket-to-replica table atomically: readers
// never observe a torn table. Concurrent overlapping refreshes are safe and
// idempotent since inventories themselves are cached per-backend.
func (d *DirectClient) refresh() {
	inventories := make(map[Backend][numBuckets]int64, len(d.stores))
	for _, s := range d.stores {
		inv, err := s.Inventory()
		if err != nil {
			logger.Warnf("beansdb: skipping backend %s in this refresh: %s", s.Addr(), err.Error())
			continue
		}
		inventories[s] = inv
	}

	var table [numBuckets][]Backend
	for b := 0; b < numBuckets; b++ {
		table[b] = candidatesForBucket(d.stores, inventories, b, d.n)
	}

	d.mu.Lock()
	d.table = table
	d.lastBuild = time.Now()
	d.mu.Unlock()

	observeBucketTableRebuild()
}

// Get returns the value for key, or default if the key is genuinely absent.
func (d *DirectClient) Get(key string, def []byte) ([]byte, error) {
	candidates := d.getServers(key)
	sawCleanMiss := false
	for _, s := range candidates {
		v, err := s.Get(key)
		if err != nil {
			continue
		}
		if v != nil {
			return v, nil
		}
		sawCleanMiss = true
	}
	if !sawCleanMiss {
		return nil, &ReadFailedError{Key: key, Servers: addrsOf(candidates)}
	}
	return def, nil
}

// Exists asks each candidate's Store.Exists in order and returns true on the
// first clean true answer. It returns false once every candidate has been
// asked and at least one answered cleanly; if none did, it returns a
// ReadFailedError.
func (d *DirectClient) Exists(key string) (bool, error) {
	candidates := d.getServers(key)
	sawCleanAnswer := false
	for _, s := range candidates {
		ok, err := s.Exists(key)
		if err != nil {
			continue
		}
		sawCleanAnswer = true
		if ok {
			return true, nil
		}
	}
	if !sawCleanAnswer {
		return false, &ReadFailedError{Key: key, Servers: addrsOf(candidates)}
	}
	return false, nil
}

// GetMulti returns a map of key to value for every key in keys, substituting
// def for keys no candidate holds. Batches larger than MaxKeysInGetMulti are
// chunked. Per-backend errors are logged and skipped.
func (d *DirectClient) GetMulti(keys []string, def []byte) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	for _, chunk := range chunkKeys(keys, MaxKeysInGetMulti) {
		d.getMultiChunk(chunk, result)
	}
	for _, k := range keys {
		if _, ok := result[k]; !ok {
			result[k] = def
		}
	}
	return result, nil
}

func (d *DirectClient) getMultiChunk(keys []string, result map[string][]byte) {
	bags := make(map[Backend][]string)
	for _, key := range keys {
		for _, s := range d.getServers(key) {
			bags[s] = append(bags[s], key)
		}
	}

	type bag struct {
		store Backend
		keys  []string
	}
	ordered := make([]bag, 0, len(bags))
	for _, s := range maps.Keys(bags) {
		ordered = append(ordered, bag{store: s, keys: bags[s]})
	}
	sort.Slice(ordered, func(i, j int) bool { return len(ordered[i].keys) < len(ordered[j].keys) })

	resolved := make(map[string]struct{}, len(keys))
	for _, b := range ordered {
		pending := make([]string, 0, len(b.keys))
		for _, k := range b.keys {
			if _, ok := resolved[k]; !ok {
				pending = append(pending, k)
			}
		}
		if len(pending) == 0 {
			continue
		}
		got, err := b.store.GetMulti(pending)
		if err != nil {
			logger.Warnf("beansdb: get_multi backend %s failed: %s", b.store.Addr(), err.Error())
			continue
		}
		for k, v := range got {
			result[k] = v
			resolved[k] = struct{}{}
		}
	}
}

// Set stores value under key. A nil value delegates to Delete. Fewer than W
// successes among the first N candidates is a WriteFailedError.
func (d *DirectClient) Set(key string, value []byte) (bool, error) {
	if value == nil {
		return d.Delete(key)
	}
	candidates := d.getServers(key)
	successes := 0
	for _, s := range candidates {
		ok, err := s.Set(key, value, 0)
		if err == nil && ok {
			successes++
		}
	}
	if successes < d.w {
		observeWriteQuorumShortfall()
		return false, &WriteFailedError{Keys: []string{key}, Servers: addrsOf(candidates)}
	}
	return true, nil
}

// SetMulti stores every value in values. Keys mapping to nil are deleted
// first; remaining keys are dispatched to the first N candidates for their
// bucket via the same bag plan as GetMulti.
func (d *DirectClient) SetMulti(values map[string][]byte) error {
	var nilKeys []string
	sets := make(map[string][]byte, len(values))
	for k, v := range values {
		if v == nil {
			nilKeys = append(nilKeys, k)
		} else {
			sets[k] = v
		}
	}
	if len(nilKeys) > 0 {
		if err := d.DeleteMulti(nilKeys); err != nil {
			return err
		}
	}
	if len(sets) == 0 {
		return nil
	}

	bags := make(map[Backend]map[string][]byte)
	serversTouched := make([]string, 0)
	for k, v := range sets {
		for _, s := range d.getServers(k) {
			if bags[s] == nil {
				bags[s] = make(map[string][]byte)
				serversTouched = append(serversTouched, s.Addr())
			}
			bags[s][k] = v
		}
	}

	var failed []string
	for _, s := range maps.Keys(bags) {
		_, failures, err := s.SetMulti(bags[s])
		if err != nil {
			logger.Warnf("beansdb: set_multi backend %s failed: %s", s.Addr(), err.Error())
		}
		failed = append(failed, failures...)
	}
	if len(failed) > 0 {
		return &WriteFailedError{Keys: dedupe(failed), Servers: serversTouched}
	}
	return nil
}

// Delete removes key from all candidates (not just N). Any false result, or
// an empty candidate list, is a DeleteFailedError: delete is strictly
// stronger than set.
func (d *DirectClient) Delete(key string) (bool, error) {
	candidates := d.getServers(key)
	if len(candidates) == 0 {
		return false, &DeleteFailedError{Key: key}
	}
	for _, s := range candidates {
		ok, err := s.Delete(key)
		if err != nil || !ok {
			return false, &DeleteFailedError{Key: key, Servers: addrsOf(candidates)}
		}
	}
	return true, nil
}

// DeleteMulti removes every key in keys from all candidates touched,
// accumulating per-backend failure lists across the whole batch.
func (d *DirectClient) DeleteMulti(keys []string) error {
	bags := make(map[Backend][]string)
	serversTouched := make([]string, 0)
	for _, k := range keys {
		for _, s := range d.getServers(k) {
			if bags[s] == nil {
				serversTouched = append(serversTouched, s.Addr())
			}
			bags[s] = append(bags[s], k)
		}
	}

	var failed []string
	for _, s := range maps.Keys(bags) {
		_, failures, err := s.DeleteMulti(bags[s])
		if err != nil {
			logger.Warnf("beansdb: delete_multi backend %s failed: %s", s.Addr(), err.Error())
		}
		failed = append(failed, failures...)
	}
	if len(failed) > 0 {
		return &WriteFailedError{Keys: dedupe(failed), Servers: serversTouched}
	}
	return nil
}

// Incr issues incr on all candidates and returns the maximum of returned
// values, the freshest counter. Best-effort and intentionally non-quorum.
func (d *DirectClient) Incr(key string, n uint64) (uint64, error) {
	candidates := d.getServers(key)
	var max uint64
	var lastErr error
	answered := false
	for _, s := range candidates {
		v, err := s.Incr(key, n)
		if err != nil {
			lastErr = err
			continue
		}
		answered = true
		if v > max {
			max = v
		}
	}
	if !answered {
		if lastErr == nil {
			lastErr = &ReadFailedError{Key: key, Servers: addrsOf(candidates)}
		}
		return 0, lastErr
	}
	return max, nil
}

func addrsOf(stores []Backend) []string {
	out := make([]string, len(stores))
	for i, s := range stores {
		out[i] = s.Addr()
	}
	return out
}

func chunkKeys(keys []string, size int) [][]string {
	if len(keys) <= size {
		return [][]string{keys}
	}
	var chunks [][]string
	for i := 0; i < len(keys); i += size {
		end := i + size
		if end > len(keys) {
			end = len(keys)
		}
		chunks = append(chunks, keys[i:end])
	}
	return chunks
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}
