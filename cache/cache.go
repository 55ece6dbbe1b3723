// Package cache implements a bounded in-memory key/value store over a slab
// allocator. Memory is partitioned into fixed-size slabs, each carved into
// equal chunks of its class's size; values too large for the biggest class
// span several chunks as a chained item. A secondary compound value type,
// the zipmap, packs (key, value) entries inside one item's payload.
//
// The engine is single-threaded: callers own serialization.
package cache

import (
	"math/rand"

	"github.com/skipor/slabcache/log"
)

// Cache is the engine handle. All state hangs off it; there are no package
// level singletons.
type Cache struct {
	cfg   Config
	log   log.Logger
	clock Clock
	rnd   *rand.Rand

	classes []slabclass // indexed by class id; slot 0 unused
	maxID   uint8
	heap    heapInfo

	hash  hashTable
	casID uint64

	metrics *metrics
}

// New validates the config and builds an engine. With Prealloc set the whole
// heap is allocated here; a failure to do so surfaces as a panic from the
// runtime, which matches the fatal-at-startup contract.
func New(cfg Config) (*Cache, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Cache{cfg: cfg}

	c.log = cfg.Logger
	if c.log == nil {
		c.log = log.NewNop()
	}
	c.clock = cfg.Clock
	if c.clock == nil {
		c.clock = newProcClock()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = int64(c.clock.NowSec()) + 1
	}
	c.rnd = rand.New(rand.NewSource(seed))
	c.metrics = newMetrics(cfg.Metrics)

	c.hash.init(cfg.HashPower)
	if err := c.slabInit(); err != nil {
		return nil, err
	}
	return c, nil
}

// MaxValueSize returns the largest value storable for the given key length
// without chaining.
func (c *Cache) MaxValueSize(nkey int) uint32 {
	return c.itemMaxNbyte(c.maxID, uint8(nkey))
}

// itemMaxNbyte is the data capacity of a chunk of the given class holding a
// key of nkey bytes (cas reserved when enabled).
func (c *Cache) itemMaxNbyte(id uint8, nkey uint8) uint32 {
	n := c.classSize(id) - itemHdrSize - uint32(nkey)
	if c.cfg.UseCAS {
		n -= casLen
	}
	return n
}

// itemNtotal is the chunk size needed for an item with the given key and
// value lengths.
func itemNtotal(nkey uint8, nbyte uint32, useCas bool) uint32 {
	n := itemHdrSize + uint32(nkey) + nbyte
	if useCas {
		n += casLen
	}
	return n
}

// itemSlabID returns the class for an item of the given key and value
// lengths, or classChainID if chaining is required.
func (c *Cache) itemSlabID(nkey uint8, nbyte uint32) uint8 {
	return c.slabID(itemNtotal(nkey, nbyte, c.cfg.UseCAS))
}

// NowSec returns the engine's current relative time.
func (c *Cache) NowSec() uint32 { return c.clock.NowSec() }

func (c *Cache) now() uint32 { return c.clock.NowSec() }

func (c *Cache) nextCas() uint64 {
	if c.cfg.UseCAS {
		c.casID++
		return c.casID
	}
	return 0
}
