package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the engine collectors. A nil Registerer in the config leaves
// them unregistered but still usable.
type metrics struct {
	itemAllocs       prometheus.Counter
	itemFrees        prometheus.Counter
	slabsAllocated   prometheus.Counter
	evictions        *prometheus.CounterVec
	evictionFailures prometheus.Counter
	oomErrors        prometheus.Counter
	hits             prometheus.Counter
	misses           prometheus.Counter
	expirations      prometheus.Counter
	linkedItems      prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		itemAllocs: f.NewCounter(prometheus.CounterOpts{
			Namespace: "slabcache", Name: "item_allocs_total",
			Help: "Items allocated, chain heads and nodes counted once per chain.",
		}),
		itemFrees: f.NewCounter(prometheus.CounterOpts{
			Namespace: "slabcache", Name: "item_frees_total",
			Help: "Item chains returned to class free queues.",
		}),
		slabsAllocated: f.NewCounter(prometheus.CounterOpts{
			Namespace: "slabcache", Name: "slabs_allocated_total",
			Help: "Slabs carved from the heap.",
		}),
		evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slabcache", Name: "slab_evictions_total",
			Help: "Slabs evicted for reuse, by strategy.",
		}, []string{"strategy"}),
		evictionFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "slabcache", Name: "slab_eviction_failures_total",
			Help: "Eviction attempts that found no unreferenced slab.",
		}),
		oomErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "slabcache", Name: "oom_errors_total",
			Help: "Allocations that failed even after eviction.",
		}),
		hits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "slabcache", Name: "hits_total",
			Help: "Lookups that returned an item.",
		}),
		misses: f.NewCounter(prometheus.CounterOpts{
			Namespace: "slabcache", Name: "misses_total",
			Help: "Lookups that found nothing, including lazy expirations.",
		}),
		expirations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "slabcache", Name: "expirations_total",
			Help: "Items unlinked lazily on access due to expiry or oldest_live.",
		}),
		linkedItems: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "slabcache", Name: "linked_items",
			Help: "Items currently present in the hash index.",
		}),
	}
}
