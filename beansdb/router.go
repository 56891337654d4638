package beansdb

// Router is the common surface DirectClient and ProxyClient both satisfy,
// letting Cached wrap either one. Exists/Delete/DeleteMulti on the proxy path
// never return a non-nil error (see ProxyClient's lenient contract for those
// three); on the direct path they return ReadFailedError/DeleteFailedError/
// WriteFailedError on failure.
type Router interface {
	Get(key string, def []byte) ([]byte, error)
	Exists(key string) (bool, error)
	GetMulti(keys []string, def []byte) (map[string][]byte, error)
	Set(key string, value []byte) (bool, error)
	SetMulti(values map[string][]byte) error
	Delete(key string) (bool, error)
	DeleteMulti(keys []string) error
	Incr(key string, n uint64) (uint64, error)
}

var (
	_ Router = (*DirectClient)(nil)
	_ Router = (*ProxyClient)(nil)
)
