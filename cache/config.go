package cache

import (
	"github.com/facebookgo/stackerr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/skipor/slabcache/log"
)

const (
	// slabHdrSize bytes at the start of every slab are reserved for the slab
	// header; chunks are carved out of the remainder.
	slabHdrSize = 32
	// itemHdrSize bytes at the start of every chunk are reserved for the item
	// header. Sizing arithmetic (class selection, max payload) counts it even
	// though the header fields live in the Item struct.
	itemHdrSize = 32

	casLen = 8

	minClassID = 1
	// maxClassID is the largest usable class id; classChainID is reserved as
	// the "no single class fits" sentinel.
	maxClassID   = 254
	classChainID = 255

	// itemMinPayload is a one byte key plus an eight byte value.
	itemMinPayload = 9

	slabRandMaxTries      = 50
	slabLRUMaxTries       = 50
	slabLRUUpdateInterval = 1

	defaultHashPower = 16
	maxHashPower     = 32
)

// Config carries the engine options. MaxBytes, SlabSize and Profile are
// required; the zero value of everything else is usable.
type Config struct {
	// Prealloc allocates the entire heap up front at construction.
	Prealloc bool
	// EvictLRU selects LRU slab eviction; false selects random eviction.
	EvictLRU bool
	// UseFreeq allows allocations to reuse chunks from class free queues.
	UseFreeq bool
	// UseCAS reserves an inline 8-byte CAS field in every item.
	UseCAS bool
	// MaxBytes is the heap capacity; MaxBytes/SlabSize slabs fit in it.
	MaxBytes uint64
	// SlabSize is the size of one slab, header included.
	SlabSize uint32
	// HashPower sets the hash index to 1<<HashPower buckets; 0 means the
	// default of 16.
	HashPower uint8
	// Profile holds the chunk sizes of slab classes 1..len(Profile), in
	// strictly increasing order.
	Profile []uint32
	// OldestLive makes Get ignore items last accessed at or before this
	// relative time. Zero disables the check.
	OldestLive uint32

	// Logger defaults to a nop logger.
	Logger log.Logger
	// Clock defaults to process-uptime seconds.
	Clock Clock
	// Metrics optionally registers the engine collectors; nil leaves them
	// unregistered.
	Metrics prometheus.Registerer
	// Seed seeds the random eviction source; 0 derives one from the clock.
	Seed int64
}

func (c *Config) validate() error {
	if c.SlabSize <= slabHdrSize {
		return stackerr.Newf("slab size %d not larger than slab header %d", c.SlabSize, slabHdrSize)
	}
	if c.MaxBytes < uint64(c.SlabSize) {
		return stackerr.Newf("maxbytes %d below slab size %d", c.MaxBytes, c.SlabSize)
	}
	if len(c.Profile) == 0 {
		return stackerr.New("empty slab class profile")
	}
	if len(c.Profile) > maxClassID {
		return stackerr.Newf("profile has %d classes, maximum is %d", len(c.Profile), maxClassID)
	}
	if c.HashPower > maxHashPower {
		return stackerr.Newf("hash power %d out of range (max %d)", c.HashPower, maxHashPower)
	}
	dataSize := c.SlabSize - slabHdrSize
	prev := uint32(0)
	for i, size := range c.Profile {
		if size <= prev {
			return stackerr.Newf("profile not strictly increasing at class %d", i+1)
		}
		if size < itemHdrSize+itemMinPayload {
			return stackerr.Newf("class %d chunk size %d below minimum %d",
				i+1, size, itemHdrSize+itemMinPayload)
		}
		if size > dataSize {
			return stackerr.Newf("class %d chunk size %d exceeds slab payload %d",
				i+1, size, dataSize)
		}
		prev = size
	}
	return nil
}

// slabDataSize is the usable space for item chunks carved out of one slab.
func (c *Config) slabDataSize() uint32 {
	return c.SlabSize - slabHdrSize
}
