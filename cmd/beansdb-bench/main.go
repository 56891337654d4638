package main

import (
	"fmt"
	"os"

	"golang.org/x/exp/maps"

	"github.com/douban/beansdb-go/beansdb"
	"github.com/douban/beansdb-go/memcached"
)

func main() {
	_ = os.Setenv("BEANSDB_SERVERS", "localhost:7900,localhost:7901,localhost:7902")
	_ = os.Setenv("BEANSDB_DIRECT", "true")

	doc, err := beansdb.LoadDocumentFromEnv()
	mustInit(err)

	router, _, err := beansdb.NewFromConfig(doc, nil, nil)
	mustInit(err)
	runRouterDemo(router)

	_, cached, err := beansdb.NewFromConfig(doc, beansdb.NewMemoryCache(), nil)
	mustInit(err)
	runCachedDemo(cached)

	runLowLevelDemo()
}

// runLowLevelDemo exercises the memcached package Store sits on top of,
// talking to a single backend directly instead of through a Router.
func runLowLevelDemo() {
	_ = os.Setenv("MEMCACHED_SERVERS", "localhost:7900")

	mcl, err := memcached.InitFromEnv(
		memcached.WithMaxIdleConns(10),
		memcached.WithDisableLogger(),
		memcached.WithDisableMemcachedDiagnostic(),
	)
	mustInit(err)
	defer mcl.CloseAllConns()

	_, err = mcl.Store(memcached.Set, "bucket:0:hitcount", 0, []byte("1"))
	mustInit(err)

	v, err := mcl.Get("bucket:0:hitcount")
	mustInit(err)
	fmt.Printf("bucket:0:hitcount = %s\n", v.Body)

	_, err = mcl.Delta(memcached.Increment, "bucket:0:hitcount", 1, 0, 0)
	mustInit(err)

	_, err = mcl.Delete("bucket:0:hitcount")
	mustInit(err)

	_, flags, err := mcl.GetRaw("bucket:0:hitcount")
	if err == nil {
		fmt.Printf("unexpected leftover flags = %d\n", flags)
	}

	replicas := map[string][]byte{
		"replica:a:seq": []byte("1"),
		"replica:b:seq": []byte("1"),
		"replica:c:seq": []byte("1"),
	}
	mustInit(mcl.MultiStore(memcached.Add, replicas, 0))

	_, err = mcl.MultiGet(maps.Keys(replicas))
	mustInit(err)

	mustInit(mcl.MultiDelete(maps.Keys(replicas)))

	mustInit(mcl.FlushAll(0))
}

func runRouterDemo(router beansdb.Router) {
	mustInit(firstErr(router.Set("foo", []byte("bar"))))

	v, err := router.Get("foo", nil)
	mustInit(err)
	fmt.Printf("foo = %s\n", v)

	mustInit(router.SetMulti(map[string][]byte{
		"gopher": []byte("golang"),
		"answer": []byte("42"),
	}))

	got, err := router.GetMulti([]string{"foo", "gopher", "answer"}, nil)
	mustInit(err)
	fmt.Printf("get_multi = %v\n", got)

	mustInit(firstErr(router.Delete("foo")))
	mustInit(router.DeleteMulti([]string{"gopher", "answer"}))
}

func runCachedDemo(cached *beansdb.Cached) {
	mustInit(cached.Set("foo", []byte("bar")))

	v, err := cached.Get("foo", nil)
	mustInit(err)
	fmt.Printf("cached foo = %s\n", v)

	mustInit(cached.Delete("foo"))
}

func firstErr(_ bool, err error) error { return err }

func mustInit(e error) {
	if e != nil {
		panic(e)
	}
}
