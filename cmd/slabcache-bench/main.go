// Command slabcache-bench measures set/get throughput against one Store
// shared by several workers behind a coarse mutex.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/skipor/slabcache"
	"github.com/skipor/slabcache/log"
)

func main() {
	var (
		configPath  = flag.String("config", "", "config file; a built-in config is used when empty")
		workers     = flag.Int("workers", 4, "concurrent workers")
		nkeys       = flag.Int("keys", 100000, "distinct keys")
		valSize     = flag.Int("value-size", 1000, "value size in bytes")
		ops         = flag.Int("ops", 1000000, "operations per phase")
		getRatio    = flag.Float64("get-ratio", 0.9, "share of gets in the mixed phase")
		metricsAddr = flag.String("metrics-addr", "", "serve prometheus metrics on this address (empty disables)")
		levelName   = flag.String("log-level", "WARN", "log level")
	)
	flag.Parse()

	level, err := log.LevelFromString(strings.ToUpper(*levelName))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	l := log.NewLogger(level, os.Stderr)

	cfg := slabcache.Config{
		Prealloc: true,
		EvictLRU: true,
		UseFreeq: true,
		MaxBytes: 256 << 20,
		SlabSize: 1 << 20,
		Profile:  []uint32{128, 256, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536},
	}
	if *configPath != "" {
		cfg, err = slabcache.LoadConfig(*configPath)
		if err != nil {
			l.Fatalf("load config: %v", err)
		}
	}
	cfg.Logger = l

	reg := prometheus.NewRegistry()
	cfg.Metrics = reg
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			l.Errorf("metrics server: %v", http.ListenAndServe(*metricsAddr, mux))
		}()
	}

	store, err := slabcache.New(cfg)
	if err != nil {
		l.Fatalf("create store: %v", err)
	}

	b := bench{
		store:   store,
		nkeys:   *nkeys,
		valSize: *valSize,
	}

	fill := b.run(*workers, *ops, func(r *rand.Rand) error {
		return b.set(r)
	})
	fmt.Printf("fill:  %d ops in %v (%.0f ops/s)\n", *ops, fill, float64(*ops)/fill.Seconds())

	mixed := b.run(*workers, *ops, func(r *rand.Rand) error {
		if r.Float64() < *getRatio {
			b.get(r)
			return nil
		}
		return b.set(r)
	})
	fmt.Printf("mixed: %d ops in %v (%.0f ops/s), %d misses\n",
		*ops, mixed, float64(*ops)/mixed.Seconds(), b.misses.Load())
}

// bench serializes store access with one coarse lock, the documented model
// for sharing the single-threaded engine.
type bench struct {
	mu      sync.Mutex
	store   *slabcache.Store
	nkeys   int
	valSize int
	misses  atomic.Int64
}

func (b *bench) key(r *rand.Rand, buf []byte) []byte {
	return append(buf[:0], fmt.Sprintf("key-%010d", r.Intn(b.nkeys))...)
}

func (b *bench) set(r *rand.Rand) error {
	var kb [16]byte
	key := b.key(r, kb[:])
	val := make([]byte, b.valSize)
	b.mu.Lock()
	err := b.store.Set(key, val, 0)
	b.mu.Unlock()
	return err
}

func (b *bench) get(r *rand.Rand) {
	var kb [16]byte
	key := b.key(r, kb[:])
	b.mu.Lock()
	_, found := b.store.Get(key)
	b.mu.Unlock()
	if !found {
		b.misses.Add(1)
	}
}

func (b *bench) run(workers, ops int, op func(*rand.Rand) error) time.Duration {
	start := time.Now()
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		seed := int64(w + 1)
		share := ops / workers
		g.Go(func() error {
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < share; i++ {
				if err := op(r); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintln(os.Stderr, "bench aborted:", err)
		os.Exit(1)
	}
	return time.Since(start)
}

