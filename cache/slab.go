package cache

import (
	"sort"

	"github.com/skipor/slabcache/internal/tag"
)

// slab is a fixed-size region carved into equal chunks. Once assigned to a
// class it keeps that class until eviction reassigns it wholesale.
type slab struct {
	id       uint8  // owning class
	size     uint32 // chunk size of the owning class
	refcount uint32 // live users across all chunks
	utime    uint32 // last lru-queue touch

	lPrev, lNext *slab // slab lru queue links

	data  []byte // payload area, slabDataSize bytes
	items []Item // chunk headers, parallel to the carved chunks
}

// slabclass is the set of slabs serving one chunk size.
type slabclass struct {
	size  uint32 // chunk size
	nitem uint32 // chunks per slab

	freeq  itemQueue // previously allocated chunks available for reuse
	nfreeq uint32

	// Never-allocated chunks remaining in the current slab.
	cur      *slab
	curIndex uint32
	nfree    uint32
}

// itemQueue is a doubly-linked FIFO of items: put pushes at the tail, get
// pops at the head, and eviction may splice any member out.
type itemQueue struct {
	head, tail *Item
}

func (q *itemQueue) pushTail(it *Item) {
	it.fPrev = q.tail
	it.fNext = nil
	if q.tail == nil {
		q.head = it
	} else {
		q.tail.fNext = it
	}
	q.tail = it
}

func (q *itemQueue) popHead() *Item {
	it := q.head
	q.remove(it)
	return it
}

func (q *itemQueue) remove(it *Item) {
	if it.fPrev == nil {
		q.head = it.fNext
	} else {
		it.fPrev.fNext = it.fNext
	}
	if it.fNext == nil {
		q.tail = it.fPrev
	} else {
		it.fNext.fPrev = it.fPrev
	}
	it.fPrev = nil
	it.fNext = nil
}

// slabQueue is the slab LRU queue: a doubly linked list between sentinel
// nodes, least recently touched at the head.
//
// Invariants, as for any sentinel list: sentinels are never detached, every
// member slab is between them, and a detached slab has nil links when built
// with the debug tag.
type slabQueue struct {
	fakeHead, fakeTail slab
}

func (q *slabQueue) init() {
	q.fakeHead.lNext = &q.fakeTail
	q.fakeTail.lPrev = &q.fakeHead
}

func (q *slabQueue) pushTail(s *slab) {
	prev := q.fakeTail.lPrev
	prev.lNext, s.lPrev = s, prev
	s.lNext, q.fakeTail.lPrev = &q.fakeTail, s
}

func (q *slabQueue) remove(s *slab) {
	s.lPrev.lNext = s.lNext
	s.lNext.lPrev = s.lPrev
	if tag.Debug {
		s.lPrev = nil
		s.lNext = nil
	}
}

func (q *slabQueue) head() *slab {
	if q.fakeHead.lNext == &q.fakeTail {
		return nil
	}
	return q.fakeHead.lNext
}

func (q *slabQueue) next(s *slab) *slab {
	if s.lNext == &q.fakeTail {
		return nil
	}
	return s.lNext
}

// heapInfo tracks all allocated slabs.
type heapInfo struct {
	base     []byte  // prealloc arena; nil when allocating per slab
	nslab    uint32  // slabs handed out so far
	maxNslab uint32  // heap capacity in slabs
	table    []*slab // every slab ever allocated, for uniform random pick
	lruq     slabQueue
}

func (c *Cache) slabInit() error {
	dataSize := c.cfg.slabDataSize()
	c.classes = make([]slabclass, len(c.cfg.Profile)+1)
	c.maxID = uint8(len(c.cfg.Profile))
	for i, size := range c.cfg.Profile {
		p := &c.classes[i+1]
		p.size = size
		p.nitem = dataSize / size
	}

	c.heap.maxNslab = uint32(c.cfg.MaxBytes / uint64(c.cfg.SlabSize))
	c.heap.table = make([]*slab, 0, c.heap.maxNslab)
	c.heap.lruq.init()
	if c.cfg.Prealloc {
		c.heap.base = make([]byte, uint64(c.heap.maxNslab)*uint64(dataSize))
	}
	c.log.Infof("slab heap ready: %d slabs of %d bytes, %d classes",
		c.heap.maxNslab, c.cfg.SlabSize, c.maxID)
	return nil
}

// classSize returns the chunk size of a class.
func (c *Cache) classSize(id uint8) uint32 {
	assert(id >= minClassID && id <= c.maxID, "class id out of range")
	return c.classes[id].size
}

// slabID returns the smallest class whose chunks fit size bytes, or
// classChainID if no single class can.
func (c *Cache) slabID(size uint32) uint8 {
	profile := c.cfg.Profile
	i := sort.Search(len(profile), func(i int) bool { return profile[i] >= size })
	if i == len(profile) {
		return classChainID
	}
	return uint8(i + 1)
}

func (c *Cache) slabAcquireRefcount(s *slab) {
	s.refcount++
}

func (c *Cache) slabReleaseRefcount(s *slab) {
	assert(s.refcount > 0, "slab refcount underflow")
	s.refcount--
}

func (c *Cache) heapFull() bool {
	return c.heap.nslab >= c.heap.maxNslab
}

// slabHeapAlloc carves the next slab's payload out of the arena, or
// allocates it on demand.
func (c *Cache) slabHeapAlloc() *slab {
	dataSize := c.cfg.slabDataSize()
	s := &slab{}
	if c.cfg.Prealloc {
		off := uint64(c.heap.nslab) * uint64(dataSize)
		s.data = c.heap.base[off : off+uint64(dataSize)]
	} else {
		s.data = make([]byte, dataSize)
	}
	c.heap.table = append(c.heap.table, s)
	c.heap.nslab++
	c.metrics.slabsAllocated.Inc()
	return s
}

// slabAddOne preps a slab for use by the given class: header, lru queue
// membership, chunk carving, and making it the class's current slab.
func (c *Cache) slabAddOne(s *slab, id uint8) {
	p := &c.classes[id]

	s.id = id
	s.size = p.size
	s.refcount = 0
	s.utime = 0

	c.heap.lruq.pushTail(s)

	s.items = make([]Item, p.nitem)
	for i := range s.items {
		s.items[i].hdrInit(s, uint32(i)*p.size)
	}

	p.cur = s
	p.curIndex = 0
	p.nfree = p.nitem
}

// slabGet obtains a raw slab for the class: from the heap while it has room,
// otherwise by evicting one. Returns false on out of memory.
func (c *Cache) slabGet(id uint8) bool {
	var s *slab
	if !c.heapFull() {
		s = c.slabHeapAlloc()
	} else if c.cfg.EvictLRU {
		s = c.slabEvictLRU()
	} else {
		s = c.slabEvictRand()
	}
	if s == nil {
		c.metrics.evictionFailures.Inc()
		return false
	}
	c.slabAddOne(s, id)
	return true
}

// slabEvictOne empties a slab so it can be reassigned: every linked item (or
// chain touching the slab) is unlinked via itemReuse, and every free-queue
// member is spliced out of its queue.
//
// Complexity is O(chunks per slab).
func (c *Cache) slabEvictOne(s *slab) {
	p := &c.classes[s.id]
	assert(s.refcount == 0, "evicting referenced slab")

	if p.cur == s {
		p.cur = nil
		p.curIndex = 0
		p.nfree = 0
	}

	for i := range s.items {
		it := &s.items[i]
		debugAssert(it.refcount == 0, "evicting referenced item")
		switch {
		case it.head != nil && it.head.isLinked():
			c.itemReuse(it)
		case it.isSlabbed():
			it.flags &^= flagSlabbed
			assert(p.nfreeq > 0, "free queue count underflow")
			p.nfreeq--
			p.freeq.remove(it)
		}
	}

	c.heap.lruq.remove(s)
}

// slabEvictRand samples slabs uniformly and evicts the first unreferenced
// one, giving up after slabRandMaxTries.
func (c *Cache) slabEvictRand() *slab {
	for tries := 0; tries < slabRandMaxTries; tries++ {
		s := c.heap.table[c.rnd.Intn(len(c.heap.table))]
		if s.refcount != 0 {
			continue
		}
		c.log.Debugf("random-evicting slab of class %d", s.id)
		c.metrics.evictions.WithLabelValues("random").Inc()
		c.slabEvictOne(s)
		return s
	}
	return nil
}

// slabEvictLRU walks the slab LRU queue from its head and evicts the first
// unreferenced slab among the first slabLRUMaxTries candidates.
func (c *Cache) slabEvictLRU() *slab {
	s := c.heap.lruq.head()
	for tries := 0; tries < slabLRUMaxTries && s != nil; tries++ {
		if s.refcount == 0 {
			c.log.Debugf("lru-evicting slab of class %d", s.id)
			c.metrics.evictions.WithLabelValues("lru").Inc()
			c.slabEvictOne(s)
			return s
		}
		s = c.heap.lruq.next(s)
	}
	return nil
}

// slabGetItemFromFreeq reuses a previously freed chunk, if allowed and
// available.
func (c *Cache) slabGetItemFromFreeq(id uint8) *Item {
	if !c.cfg.UseFreeq {
		return nil
	}
	p := &c.classes[id]
	if p.nfreeq == 0 {
		return nil
	}
	it := p.freeq.popHead()
	p.nfreeq--
	debugAssert(it.isSlabbed() && !it.isLinked(), "free queue item in bad state")
	it.flags &^= flagSlabbed
	return it
}

// slabGetItem hands out a chunk of the given class: from the free queue,
// from the current slab, or from a freshly obtained slab. Returns nil on out
// of memory.
func (c *Cache) slabGetItem(id uint8) *Item {
	assert(id >= minClassID && id <= c.maxID, "class id out of range")
	p := &c.classes[id]

	it := c.slabGetItemFromFreeq(id)
	if it != nil {
		c.slabLruqTouch(it.owner, true)
		return it
	}

	if p.cur == nil && !c.slabGet(id) {
		return nil
	}

	it = &p.cur.items[p.curIndex]
	p.nfree--
	if p.nfree != 0 {
		p.curIndex++
	} else {
		p.cur = nil
		p.curIndex = 0
	}
	c.slabLruqTouch(it.owner, true)
	return it
}

// slabPutItem returns a chunk to its class free queue.
func (c *Cache) slabPutItem(it *Item) {
	debugAssert(!it.isLinked() && !it.isSlabbed() && !it.Chained(), "freeing item in bad state")
	debugAssert(it.next == nil && it.refcount == 0, "freeing referenced or chained item")
	p := &c.classes[it.owner.id]
	it.flags |= flagSlabbed
	p.nfreeq++
	p.freeq.pushTail(it)
}

// slabLruqTouch moves a slab to the tail of the slab LRU queue, throttled to
// once per slabLRUUpdateInterval seconds. Touches are only applied for
// allocations under LRU eviction.
func (c *Cache) slabLruqTouch(s *slab, allocated bool) {
	if !(allocated && c.cfg.EvictLRU) {
		return
	}
	now := c.clock.NowSec()
	if int64(s.utime) >= int64(now)-slabLRUUpdateInterval {
		return
	}
	c.heap.lruq.remove(s)
	s.utime = now
	c.heap.lruq.pushTail(s)
}
