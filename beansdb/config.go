package beansdb

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultConnectTimeoutDirect and DefaultPollTimeoutDirect are the
	// per-backend contract values for a direct-mode Store.
	DefaultConnectTimeoutDirect = 300 * time.Millisecond
	DefaultPollTimeoutDirect    = 3 * time.Second
	// DefaultConnectTimeoutProxy and DefaultPollTimeoutProxy are the
	// per-backend contract values for a proxy-mode Store.
	DefaultConnectTimeoutProxy = 100 * time.Millisecond
	DefaultPollTimeoutProxy    = 5 * time.Second
	// DefaultRetryAfterFailureDirect and DefaultRetryAfterFailureProxy are
	// how long a backend stays marked down after consecutiveFailureLimit
	// consecutive failures.
	DefaultRetryAfterFailureDirect = 5 * time.Second
	DefaultRetryAfterFailureProxy  = 10 * time.Second
)

// Document is the configuration document spec.md section 6 describes:
// either a bare list of endpoints, or a mapping with servers/proxies and an
// optional offline flag. It unmarshals from YAML either shape.
type Document struct {
	Endpoints []string `yaml:"-"`

	Servers []string `yaml:"servers"`
	Proxies []string `yaml:"proxies"`
	Offline bool     `yaml:"offline"`
	Direct  bool     `yaml:"direct"`
}

// UnmarshalYAML accepts either a plain sequence of endpoints or a mapping
// with servers/proxies/offline/direct, matching the two document shapes
// spec.md's external interface names.
func (d *Document) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.SequenceNode {
		var endpoints []string
		if err := value.Decode(&endpoints); err != nil {
			return fmt.Errorf("beansdb: decoding endpoint list: %w", err)
		}
		d.Endpoints = endpoints
		return nil
	}

	type plain Document
	var p plain
	if err := value.Decode(&p); err != nil {
		return fmt.Errorf("beansdb: decoding config mapping: %w", err)
	}
	*d = Document(p)
	return nil
}

// LoadDocument parses a YAML configuration document from path.
func LoadDocument(path string) (*Document, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("beansdb: reading config %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("beansdb: parsing config %s: %w", path, err)
	}
	return &doc, nil
}

// envDocument mirrors memcached.InitFromEnv's shape for an environment-
// sourced bootstrap: a list of servers, a list of proxies, and an offline
// flag, all overridable through the process environment.
type envDocument struct {
	Servers []string `envconfig:"BEANSDB_SERVERS"`
	Proxies []string `envconfig:"BEANSDB_PROXIES"`
	Offline bool     `envconfig:"BEANSDB_OFFLINE" default:"false"`
	Direct  bool     `envconfig:"BEANSDB_DIRECT" default:"false"`
}

// LoadDocumentFromEnv builds a Document from BEANSDB_SERVERS/BEANSDB_PROXIES/
// BEANSDB_OFFLINE/BEANSDB_DIRECT, the same envconfig mechanism
// memcached.InitFromEnv uses for its own bootstrap.
func LoadDocumentFromEnv() (*Document, error) {
	var e envDocument
	if err := envconfig.Process("", &e); err != nil {
		return nil, fmt.Errorf("beansdb: config init err: %w", err)
	}
	return &Document{Servers: e.Servers, Proxies: e.Proxies, Offline: e.Offline, Direct: e.Direct}, nil
}

// NewFromConfig resolves doc into one of {Direct, Proxy, Cached(Direct),
// Cached(Proxy)} per spec.md section 6. offline == true or direct == true
// selects Direct over Servers (or Endpoints, when the document was a bare
// list); a bare list with neither servers nor proxies also selects Direct
// over Endpoints; otherwise Proxy over Proxies. If cache is non-nil, the router is
// wrapped in Cached (returned as cached, with router nil); otherwise router
// is returned directly and cached is nil.
func NewFromConfig(doc *Document, cache Cache, cleaner DelayCleaner) (router Router, cached *Cached, err error) {
	useDirect := doc.Offline || doc.Direct || (len(doc.Servers) == 0 && len(doc.Proxies) == 0 && len(doc.Endpoints) > 0)

	if useDirect {
		servers := doc.Servers
		if len(servers) == 0 {
			servers = doc.Endpoints
		}
		stores, serr := newStores(servers, DefaultConnectTimeoutDirect, DefaultPollTimeoutDirect, DefaultRetryAfterFailureDirect)
		if serr != nil {
			return nil, nil, serr
		}
		router = NewDirectClient(stores, DefaultN, DefaultW, DefaultUpdatePeriod)
	} else {
		proxies := doc.Proxies
		if len(proxies) == 0 {
			proxies = doc.Endpoints
		}
		stores, serr := newStores(proxies, DefaultConnectTimeoutProxy, DefaultPollTimeoutProxy, DefaultRetryAfterFailureProxy)
		if serr != nil {
			return nil, nil, serr
		}
		router = NewProxyClient(stores, DefaultRechoosePeriod)
	}

	if cache != nil {
		return nil, NewCached(router, cache, cleaner), nil
	}
	return router, nil, nil
}

func newStores(addrs []string, connectTimeout, pollTimeout, retryAfterFailure time.Duration) ([]Backend, error) {
	stores := make([]Backend, 0, len(addrs))
	for _, addr := range addrs {
		s, err := NewStore(addr, connectTimeout, pollTimeout, retryAfterFailure)
		if err != nil {
			return nil, fmt.Errorf("beansdb: building store for %s: %w", addr, err)
		}
		stores = append(stores, s)
	}
	return stores, nil
}
