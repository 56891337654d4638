package memcached

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/douban/beansdb-go/logger"
)

// MultiStoreWithFailures is a batch version of Store that, unlike MultiStore,
// reports which keys failed instead of collapsing them into one joined error.
// ok is false whenever failures is non-empty.
func (c *Client) MultiStoreWithFailures(storeMode StoreMode, items map[string][]byte, exp uint32) (ok bool, failures []string, err error) {
	if len(items) == 0 {
		return true, nil, nil
	}

	timerMethod := time.Now()
	defer c.writeMethodDiagnostics("MultiStoreWithFailures", timerMethod, &err)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
	)

	addFailure := func(key string) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, key)
	}

	var muItems sync.RWMutex
	safeGetItems := func(key string) []byte {
		muItems.RLock()
		defer muItems.RUnlock()
		return items[key]
	}

	quietCode := storeMode.Resolve().changeOnQuiet(SETQ)

	keys := maps.Keys(items)
	nodes, err := getNodesForKeys(c.hr, keys)
	if err != nil {
		return false, nil, err
	}

	for node, ks := range nodes {
		wg.Add(1)
		go func(node any, keys []string, exp uint32) {
			defer wg.Done()

			var cnErr error

			cn, nErr := c.getConnForNode(node)
			if nErr != nil {
				for _, k := range keys {
					addFailure(k)
				}
				return
			}
			defer cn.condRelease(&cnErr)

			idToKey := make(map[uint32]string, len(keys))

			for _, key := range keys {
				opaqueStore := c.getOpaque()
				req := &Request{
					Opcode: quietCode,
					Opaque: opaqueStore,
					Key:    []byte(key),
					Body:   safeGetItems(key),
				}
				req.prepareExtras(exp, 0, 0)

				_, cnErr = transmitRequest(cn.wrtBuf, req)
				if cnErr != nil {
					cn.healthy = false
					for _, k := range keys {
						addFailure(k)
					}
					return
				}

				idToKey[opaqueStore] = key
			}

			opaqueNOOP := c.getOpaque()
			req := &Request{
				Opcode: NOOP,
				Opaque: opaqueNOOP,
			}
			req.prepareExtras(0, 0, 0)

			_, cnErr = transmitRequest(cn.wrtBuf, req)
			if cnErr != nil {
				cn.healthy = false
				for _, k := range keys {
					addFailure(k)
				}
				return
			}

			if cnErr = cn.wrtBuf.Flush(); cnErr != nil {
				logger.Errorf("%s. %s", ErrServerError.Error(), cnErr.Error())
				for _, k := range keys {
					addFailure(k)
				}
				return
			}

			resolved := make(map[string]struct{}, len(keys))
			cn.setPollDeadline(c.getPollTimeout())
			for {
				var resp *Response
				resp, _, cnErr = getResponse(cn.rc, cn.hdrBuf)
				if isFatal(cnErr) {
					cn.healthy = false
					break
				}

				if resp.Opcode == NOOP && resp.Opaque == opaqueNOOP {
					break
				}

				if key, ok := idToKey[resp.Opaque]; ok {
					resolved[key] = struct{}{}
					if resp.Status != SUCCESS {
						addFailure(key)
					}
				}
			}
			for _, key := range keys {
				if _, ok := resolved[key]; !ok {
					addFailure(key)
				}
			}
		}(node, ks, exp)
	}

	wg.Wait()

	return len(failed) == 0, failed, nil
}

// MultiDeleteWithFailures is a batch version of Delete that reports which
// keys failed instead of joining them into one error, the same shape as
// MultiStoreWithFailures.
func (c *Client) MultiDeleteWithFailures(keys []string) (ok bool, failures []string, err error) {
	if len(keys) == 0 {
		return true, nil, nil
	}

	timerMethod := time.Now()
	defer c.writeMethodDiagnostics("MultiDeleteWithFailures", timerMethod, &err)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
	)

	addFailure := func(key string) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, key)
	}

	nodes, err := getNodesForKeys(c.hr, keys)
	if err != nil {
		return false, nil, err
	}

	for node, ks := range nodes {
		wg.Add(1)
		go func(node any, keys []string) {
			defer wg.Done()

			var cnErr error

			cn, nErr := c.getConnForNode(node)
			if nErr != nil {
				for _, k := range keys {
					addFailure(k)
				}
				return
			}
			defer cn.condRelease(&cnErr)

			idToKey := make(map[uint32]string, len(keys))

			for _, key := range keys {
				opaqueDel := c.getOpaque()
				req := &Request{
					Opcode: DELETEQ,
					Opaque: opaqueDel,
					Key:    []byte(key),
				}
				req.prepareExtras(0, 0, 0)

				_, cnErr = transmitRequest(cn.wrtBuf, req)
				if cnErr != nil {
					cn.healthy = false
					for _, k := range keys {
						addFailure(k)
					}
					return
				}

				idToKey[opaqueDel] = key
			}

			opaqueNOOP := c.getOpaque()
			req := &Request{
				Opcode: NOOP,
				Opaque: opaqueNOOP,
			}
			req.prepareExtras(0, 0, 0)

			_, cnErr = transmitRequest(cn.wrtBuf, req)
			if cnErr != nil {
				cn.healthy = false
				for _, k := range keys {
					addFailure(k)
				}
				return
			}

			if cnErr = cn.wrtBuf.Flush(); cnErr != nil {
				logger.Errorf("%s. %s", ErrServerError.Error(), cnErr.Error())
				for _, k := range keys {
					addFailure(k)
				}
				return
			}

			resolved := make(map[string]struct{}, len(keys))
			cn.setPollDeadline(c.getPollTimeout())
			for {
				var resp *Response
				resp, _, cnErr = getResponse(cn.rc, cn.hdrBuf)
				if isFatal(cnErr) {
					cn.healthy = false
					break
				}

				if resp.Opcode == NOOP && resp.Opaque == opaqueNOOP {
					break
				}

				if key, ok := idToKey[resp.Opaque]; ok {
					resolved[key] = struct{}{}
					if resp.Status != SUCCESS && resp.Status != KEY_ENOENT {
						addFailure(key)
					}
				}
			}
			for _, key := range keys {
				if _, ok := resolved[key]; !ok {
					addFailure(key)
				}
			}
		}(node, ks)
	}

	wg.Wait()

	return len(failed) == 0, failed, nil
}
