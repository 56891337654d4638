package beansdb

import (
	"errors"
	"sync"
)

var errTransport = errors.New("fake backend: simulated transport error")

// fakeBackend is an in-memory Backend used across the test suite in place of
// a live memcache server, analogous to the original Python suite's
// FakeMCStore/LocalMCStore.
type fakeBackend struct {
	addr string

	mu        sync.Mutex
	data      map[string][]byte
	flags     map[string]uint32
	inventory [numBuckets]int64

	failNext   bool
	failAlways bool
	failKeys   map[string]bool
}

func newFakeBackend(addr string) *fakeBackend {
	return &fakeBackend{addr: addr, data: make(map[string][]byte), flags: make(map[string]uint32)}
}

func (f *fakeBackend) Addr() string { return f.addr }

func (f *fakeBackend) shouldFail() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAlways {
		return true
	}
	if f.failNext {
		f.failNext = false
		return true
	}
	return false
}

func (f *fakeBackend) Get(k string) ([]byte, error) {
	v, _, err := f.GetRaw(k)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (f *fakeBackend) GetRaw(k string) ([]byte, uint32, error) {
	if f.shouldFail() {
		return nil, 0, errTransport
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[k]
	if !ok {
		return nil, 0, nil
	}
	return v, f.flags[k], nil
}

func (f *fakeBackend) GetMulti(keys []string) (map[string][]byte, error) {
	if f.shouldFail() {
		return nil, errTransport
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]byte)
	for _, k := range keys {
		if v, ok := f.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (f *fakeBackend) Set(k string, v []byte, rev int) (bool, error) {
	return f.SetRaw(k, v, rev, 0)
}

func (f *fakeBackend) SetRaw(k string, v []byte, rev int, flag uint32) (bool, error) {
	if rev < 0 {
		return false, ErrInvalidRevision
	}
	if f.shouldFail() {
		return false, errTransport
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[k] = v
	f.flags[k] = flag
	return true, nil
}

func (f *fakeBackend) SetMulti(items map[string][]byte) (bool, []string, error) {
	if f.shouldFail() {
		keys := make([]string, 0, len(items))
		for k := range items {
			keys = append(keys, k)
		}
		return false, keys, errTransport
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var failures []string
	for k, v := range items {
		if f.failKeys != nil && f.failKeys[k] {
			failures = append(failures, k)
			continue
		}
		f.data[k] = v
		f.flags[k] = 0
	}
	return len(failures) == 0, failures, nil
}

func (f *fakeBackend) Delete(k string) (bool, error) {
	if f.shouldFail() {
		return false, errTransport
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, existed := f.data[k]
	delete(f.data, k)
	delete(f.flags, k)
	return existed, nil
}

func (f *fakeBackend) DeleteMulti(keys []string) (bool, []string, error) {
	if f.shouldFail() {
		return false, keys, errTransport
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
		delete(f.flags, k)
	}
	return true, nil, nil
}

func (f *fakeBackend) Exists(k string) (bool, error) {
	if f.shouldFail() {
		return false, errTransport
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[k]
	return ok, nil
}

func (f *fakeBackend) Incr(k string, n uint64) (uint64, error) {
	if f.shouldFail() {
		return 0, errTransport
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := uint64(0)
	if v, ok := f.data[k]; ok {
		cur = bytesToUint64(v)
	}
	cur += n
	f.data[k] = uint64ToBytes(cur)
	return cur, nil
}

func (f *fakeBackend) Inventory() ([numBuckets]int64, error) {
	if f.shouldFail() {
		return [numBuckets]int64{}, errTransport
	}
	return f.inventory, nil
}

func (f *fakeBackend) setInventory(counts [numBuckets]int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inventory = counts
}

var _ Backend = (*fakeBackend)(nil)

func bytesToUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v*10 + uint64(c-'0')
	}
	return v
}

func uint64ToBytes(v uint64) []byte {
	if v == 0 {
		return []byte("0")
	}
	var digits []byte
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	return digits
}
