package beansdb

import (
	"math/rand"
	"sync"
	"time"

	"github.com/douban/beansdb-go/logger"
)

// DefaultRechoosePeriod is how often the first two proxies are swapped to
// keep a warm connection open on more than one.
const DefaultRechoosePeriod = 60 * time.Second

// ProxyClient treats each backend as an opaque protocol-translating proxy:
// it makes no topology queries of its own, just ordered failover with
// sticky promotion of whichever proxy last succeeded.
type ProxyClient struct {
	rechoosePeriod time.Duration

	mu       sync.Mutex
	order    []Backend
	deadline time.Time
}

// NewProxyClient builds a proxy router over proxies. The list is shuffled on
// construction to spread initial preference.
func NewProxyClient(proxies []Backend, rechoosePeriod time.Duration) *ProxyClient {
	if rechoosePeriod <= 0 {
		rechoosePeriod = DefaultRechoosePeriod
	}
	order := make([]Backend, len(proxies))
	copy(order, proxies)
	rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	return &ProxyClient{
		rechoosePeriod: rechoosePeriod,
		order:          order,
		deadline:       time.Now().Add(rechoosePeriod),
	}
}

// currentOrder returns a snapshot of the proxy order, rechoosing first if
// the deadline has passed.
func (p *ProxyClient) currentOrder() []Backend {
	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Now().After(p.deadline) && len(p.order) >= 2 {
		p.order[0], p.order[1] = p.order[1], p.order[0]
		p.deadline = time.Now().Add(p.rechoosePeriod)
		observeProxyRotation("rechoose")
	}
	out := make([]Backend, len(p.order))
	copy(out, p.order)
	return out
}

// promote moves s to the head of the order (sticky promotion after a
// success at index > 0).
func (p *ProxyClient) promote(s Backend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.moveToFrontLocked(s)
}

// demote moves s to the tail of the order (a failing proxy is rotated out
// of the way).
func (p *ProxyClient) demote(s Backend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.indexOfLocked(s)
	if idx < 0 {
		return
	}
	p.order = append(p.order[:idx], p.order[idx+1:]...)
	p.order = append(p.order, s)
	observeProxyRotation("demote")
}

func (p *ProxyClient) moveToFrontLocked(s Backend) {
	idx := p.indexOfLocked(s)
	if idx <= 0 {
		return
	}
	p.order = append(p.order[:idx], p.order[idx+1:]...)
	p.order = append([]Backend{s}, p.order...)
	observeProxyRotation("promote")
}

func (p *ProxyClient) indexOfLocked(s Backend) int {
	for i, e := range p.order {
		if e == s {
			return i
		}
	}
	return -1
}

// Get returns the value for key, failing over across proxies. A nil value
// from a proxy still counts as success (no rotation to tail).
func (p *ProxyClient) Get(key string, def []byte) ([]byte, error) {
	order := p.currentOrder()
	for i, s := range order {
		v, err := s.Get(key)
		if err != nil {
			logger.Warnf("beansdb: proxy %s failed on get: %s", s.Addr(), err.Error())
			p.demote(s)
			continue
		}
		if i > 0 {
			p.promote(s)
		}
		if v == nil {
			return def, nil
		}
		return v, nil
	}
	return nil, &ReadFailedError{Key: key, Servers: addrsOf(order)}
}

// Exists mirrors Get's failover shape, but like Delete/DeleteMulti it never
// raises: exhausting every proxy returns (false, nil).
func (p *ProxyClient) Exists(key string) (bool, error) {
	order := p.currentOrder()
	for i, s := range order {
		ok, err := s.Exists(key)
		if err != nil {
			logger.Warnf("beansdb: proxy %s failed on exists: %s", s.Addr(), err.Error())
			p.demote(s)
			continue
		}
		if i > 0 {
			p.promote(s)
		}
		return ok, nil
	}
	return false, nil
}

// GetMulti dispatches the entire batch to a single proxy (proxies are
// opaque, no per-key bag split); larger-than-limit batches are chunked.
func (p *ProxyClient) GetMulti(keys []string, def []byte) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	for _, chunk := range chunkKeys(keys, MaxKeysInGetMulti) {
		got, err := p.getMultiChunk(chunk)
		if err != nil {
			return nil, err
		}
		for k, v := range got {
			result[k] = v
		}
	}
	for _, k := range keys {
		if _, ok := result[k]; !ok {
			result[k] = def
		}
	}
	return result, nil
}

func (p *ProxyClient) getMultiChunk(keys []string) (map[string][]byte, error) {
	order := p.currentOrder()
	for i, s := range order {
		got, err := s.GetMulti(keys)
		if err != nil {
			logger.Warnf("beansdb: proxy %s failed on get_multi: %s", s.Addr(), err.Error())
			p.demote(s)
			continue
		}
		if i > 0 {
			p.promote(s)
		}
		return got, nil
	}
	return nil, &ReadFailedError{Key: "<multi>", Servers: addrsOf(order)}
}

// Set returns false without contacting any server when value is nil,
// otherwise fails over across proxies until one accepts the write.
func (p *ProxyClient) Set(key string, value []byte) (bool, error) {
	if value == nil {
		return false, nil
	}
	order := p.currentOrder()
	for i, s := range order {
		ok, err := s.Set(key, value, 0)
		if err != nil || !ok {
			if err != nil {
				logger.Warnf("beansdb: proxy %s failed on set: %s", s.Addr(), err.Error())
			}
			p.demote(s)
			continue
		}
		if i > 0 {
			p.promote(s)
		}
		return true, nil
	}
	return false, &WriteFailedError{Keys: []string{key}, Servers: addrsOf(order)}
}

// SetMulti contacts proxies in order. A partial success strips succeeded
// keys out and retries the residual on the next proxy; an exhausted
// residual is a WriteFailedError.
func (p *ProxyClient) SetMulti(values map[string][]byte) error {
	residual := make(map[string][]byte, len(values))
	for k, v := range values {
		residual[k] = v
	}

	order := p.currentOrder()
	var triedAddrs []string
	for i, s := range order {
		if len(residual) == 0 {
			break
		}
		triedAddrs = append(triedAddrs, s.Addr())

		ok, failures, err := s.SetMulti(residual)
		if err != nil {
			logger.Warnf("beansdb: proxy %s failed on set_multi: %s", s.Addr(), err.Error())
			p.demote(s)
			continue
		}
		if ok {
			if i > 0 {
				p.promote(s)
			}
			residual = nil
			break
		}

		failedSet := make(map[string]struct{}, len(failures))
		for _, k := range failures {
			failedSet[k] = struct{}{}
		}
		next := make(map[string][]byte, len(failedSet))
		for k := range failedSet {
			if v, ok := residual[k]; ok {
				next[k] = v
			}
		}
		residual = next
		if i > 0 && len(residual) < len(values) {
			p.promote(s)
		}
	}

	if len(residual) > 0 {
		keys := make([]string, 0, len(residual))
		for k := range residual {
			keys = append(keys, k)
		}
		return &WriteFailedError{Keys: keys, Servers: triedAddrs}
	}
	return nil
}

// Delete exhausting all proxies returns (false, nil) without raising: this
// is a deliberately lenient contract, see design notes. The error return
// exists only to satisfy Router alongside DirectClient.Delete; it is always
// nil here.
func (p *ProxyClient) Delete(key string) (bool, error) {
	order := p.currentOrder()
	for i, s := range order {
		ok, err := s.Delete(key)
		if err != nil {
			logger.Warnf("beansdb: proxy %s failed on delete: %s", s.Addr(), err.Error())
			p.demote(s)
			continue
		}
		if i > 0 {
			p.promote(s)
		}
		return ok, nil
	}
	return false, nil
}

// DeleteMulti exhausting all proxies returns nil with residual keys
// silently dropped, the same leniency as Delete.
func (p *ProxyClient) DeleteMulti(keys []string) error {
	residual := make([]string, len(keys))
	copy(residual, keys)

	order := p.currentOrder()
	for i, s := range order {
		if len(residual) == 0 {
			return nil
		}
		ok, failures, err := s.DeleteMulti(residual)
		if err != nil {
			logger.Warnf("beansdb: proxy %s failed on delete_multi: %s", s.Addr(), err.Error())
			p.demote(s)
			continue
		}
		if i > 0 {
			p.promote(s)
		}
		if ok {
			return nil
		}
		residual = failures
	}
	return nil
}

// Incr fails over across proxies and returns the first successful result.
func (p *ProxyClient) Incr(key string, n uint64) (uint64, error) {
	order := p.currentOrder()
	for i, s := range order {
		v, err := s.Incr(key, n)
		if err != nil {
			logger.Warnf("beansdb: proxy %s failed on incr: %s", s.Addr(), err.Error())
			p.demote(s)
			continue
		}
		if i > 0 {
			p.promote(s)
		}
		return v, nil
	}
	return 0, &ReadFailedError{Key: key, Servers: addrsOf(order)}
}
