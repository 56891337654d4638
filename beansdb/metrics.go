package beansdb

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	bucketTableRebuilds = func() prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beansdb_bucket_table_rebuilds_total",
			Help: "counts bucket-to-replica table recomputes performed by direct routers",
		})
	}()

	proxyRotations = func() *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beansdb_proxy_rotations_total",
			Help: "counts proxy order changes by kind (rechoose, promote, demote)",
		}, []string{"kind"})
	}()

	cacheSentinelHits = func() prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beansdb_cache_sentinel_hits_total",
			Help: "counts cache reads that observed the empty-slot sentinel",
		})
	}()

	writeQuorumShortfalls = func() prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beansdb_write_quorum_shortfalls_total",
			Help: "counts direct writes that failed to reach the write quorum W",
		})
	}()
)

func observeBucketTableRebuild() {
	bucketTableRebuilds.Inc()
}

func observeProxyRotation(kind string) {
	proxyRotations.WithLabelValues(kind).Inc()
}

func observeCacheSentinelHit() {
	cacheSentinelHits.Inc()
}

func observeWriteQuorumShortfall() {
	writeQuorumShortfalls.Inc()
}
