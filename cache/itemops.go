package cache

// Item lifecycle:
//
//	alloc -> unlinked(refcount=1) -> set/add/replace/cas -> linked
//	linked -> expire | evict | delete | relink -> unlinked
//	unlinked && refcount=0 -> freed, chunk back on the class free queue
//
// Only chain heads are ever linked; non-head nodes have zero key length and
// point back at the head.

// Alloc builds an unlinked item for the given key with room for nbyte value
// bytes, chaining across chunks when no single class fits. The caller holds
// a reference and must Remove it. Returns nil on out of memory.
func (c *Cache) Alloc(key []byte, exptime uint32, nbyte uint32) *Item {
	assert(len(key) > 0 && len(key) <= 255, "key length out of range")
	return c.itemAlloc(key, exptime, nbyte)
}

// itemAlloc also serves internal allocations of keyless chain nodes.
func (c *Cache) itemAlloc(key []byte, exptime uint32, nbyte uint32) *Item {
	assert(len(key) <= 255, "key length out of range")

	var head, prev *Item
	remaining := nbyte
	for {
		var nkey uint8
		useCas := false
		if head == nil {
			nkey = uint8(len(key))
			useCas = c.cfg.UseCAS
		}
		id := c.slabID(itemNtotal(nkey, remaining, useCas))
		if id == classChainID {
			id = c.maxID
		}

		node := c.slabGetItem(id)
		if node == nil {
			c.log.Warnf("item alloc failed: no memory in class %d", id)
			c.metrics.oomErrors.Inc()
			c.freePartialChain(head)
			return nil
		}
		// Pin the node's slab immediately, so eviction for a later node of
		// this same chain can never recycle it mid-allocation.
		c.slabAcquireRefcount(node.owner)

		if head == nil {
			head = node
		}
		debugAssert(!node.isLinked() && !node.isSlabbed(), "allocated item in bad state")
		debugAssert(node.refcount == 0 && node.next == nil && node.head == nil,
			"allocated item still owned")

		// Assume chained until the loop ends with a single node.
		node.flags |= flagChained
		node.head = head
		node.exptime = exptime
		node.atime = c.now()
		node.nkey = nkey

		max := node.owner.size - itemHdrSize - uint32(node.nkey)
		if node == head && useCas {
			node.flags |= flagCas
			max -= casLen
		}
		if remaining < max {
			node.nbyte = remaining
		} else {
			node.nbyte = max
		}
		remaining -= node.nbyte

		if prev != nil {
			prev.next = node
		}
		prev = node

		if remaining == 0 {
			break
		}
	}

	// The slab references were taken node by node above; only the head's
	// item refcount remains to be claimed for the caller.
	head.refcount++

	if head.next == nil {
		head.flags &^= flagChained
	}
	// A chained head is right aligned so a future prepend can grow in place.
	if head.Chained() {
		head.flags |= flagRalign
	}

	copy(head.Key(), key)
	head.setCas(0)
	c.metrics.itemAllocs.Inc()

	c.log.Debugf("alloc item %q: class %d, %d node(s), %d bytes",
		key, head.owner.id, head.NumNodes(), nbyte)
	return head
}

// freePartialChain returns the nodes of an abandoned chain to their free
// queues, dropping the slab references taken while it was being built.
func (c *Cache) freePartialChain(head *Item) {
	for node := head; node != nil; {
		next := node.next
		c.slabReleaseRefcount(node.owner)
		node.flags &^= flagChained
		node.next = nil
		node.head = nil
		c.slabPutItem(node)
		node = next
	}
}

// CreateItem allocates an item and fills it with val, scattering the bytes
// across chain nodes as needed.
func (c *Cache) CreateItem(key, val []byte, exptime uint32) *Item {
	it := c.Alloc(key, exptime, uint32(len(val)))
	if it == nil {
		return nil
	}
	copied := 0
	for node := it; node != nil; node = node.next {
		copied += copy(node.Data(), val[copied:])
	}
	debugAssert(copied == len(val), "create item copied byte count mismatch")
	return it
}

func (c *Cache) itemAcquireRefcount(it *Item) {
	it.refcount++
	for node := it; node != nil; node = node.next {
		c.slabAcquireRefcount(node.owner)
	}
}

func (c *Cache) itemReleaseRefcount(it *Item) {
	assert(it.refcount > 0, "item refcount underflow")
	it.refcount--
	for node := it; node != nil; node = node.next {
		c.slabReleaseRefcount(node.owner)
	}
}

// itemFree returns every chunk of the chain to its class free queue.
func (c *Cache) itemFree(it *Item) {
	debugAssert(!it.isLinked(), "freeing linked item")
	for node := it; node != nil; {
		next := node.next
		debugAssert(!node.isLinked() && !node.isSlabbed() && node.refcount == 0,
			"freeing item in bad state")
		node.flags &^= flagChained
		node.next = nil
		node.head = nil
		c.slabPutItem(node)
		node = next
	}
	c.metrics.itemFrees.Inc()
}

// itemReuse makes a zero-refcount chain reusable during slab eviction: the
// head is unlinked from the hash, and every node outside the slab being
// evicted goes back to its free queue. Nodes inside that slab are simply
// dropped, since the whole slab is about to be recarved.
func (c *Cache) itemReuse(it *Item) {
	evicted := it.owner
	head := it.head
	debugAssert(!it.isSlabbed() && head.isLinked(), "reusing item in bad state")
	debugAssert(head.refcount == 0, "reusing referenced item")

	head.flags &^= flagLinked
	c.hash.remove(head.Key())
	c.metrics.linkedItems.Dec()

	for node := head; node != nil; {
		next := node.next
		node.flags &^= flagChained
		node.next = nil
		node.head = nil
		if node.owner != evicted {
			c.slabPutItem(node)
		}
		node = next
	}
}

func (c *Cache) itemLink(it *Item) {
	debugAssert(!it.isLinked() && !it.isSlabbed(), "linking item in bad state")
	assert(it.nkey != 0 && it.head == it, "linking non-head node")

	it.flags |= flagLinked
	it.setCas(c.nextCas())
	c.hash.insert(it)
	c.metrics.linkedItems.Inc()
	c.log.Debugf("link item %q", it.Key())
}

// itemUnlink takes an item out of the hash index, freeing it right away when
// nobody holds a reference.
func (c *Cache) itemUnlink(it *Item) {
	assert(it.head == it, "unlinking non-head node")
	if !it.isLinked() {
		return
	}
	it.flags &^= flagLinked
	c.hash.remove(it.Key())
	c.metrics.linkedItems.Dec()
	c.log.Debugf("unlink item %q", it.Key())
	if it.refcount == 0 {
		c.itemFree(it)
	}
}

// Remove releases the caller's reference; an unlinked item whose refcount
// drops to zero is freed.
func (c *Cache) Remove(it *Item) {
	debugAssert(!it.isSlabbed(), "removing slabbed item")
	if it.refcount != 0 {
		c.itemReleaseRefcount(it)
	}
	if it.refcount == 0 && !it.isLinked() {
		c.itemFree(it)
	}
}

// itemRelink replaces old with new in the hash index. Unlink before link, so
// the index never holds two entries for one key.
func (c *Cache) itemRelink(old, it *Item) {
	c.itemUnlink(old)
	c.itemLink(it)
}

func (c *Cache) itemExpired(it *Item) bool {
	return it.exptime > 0 && it.exptime <= c.now()
}

func (c *Cache) itemGet(key []byte) *Item {
	it := c.hash.find(key)
	if it == nil {
		c.metrics.misses.Inc()
		return nil
	}
	debugAssert(it.head == it, "linked non-head node")

	if c.itemExpired(it) {
		c.itemUnlink(it)
		c.metrics.expirations.Inc()
		c.metrics.misses.Inc()
		c.log.Debugf("get item %q: expired and nuked", key)
		return nil
	}
	if ol := c.cfg.OldestLive; ol != 0 && ol <= c.now() && it.atime <= ol {
		c.itemUnlink(it)
		c.metrics.expirations.Inc()
		c.metrics.misses.Inc()
		c.log.Debugf("get item %q: older than oldest_live, nuked", key)
		return nil
	}

	it.atime = c.now()
	c.itemAcquireRefcount(it)
	c.metrics.hits.Inc()
	return it
}

// Get returns the linked item for key with the caller holding a reference,
// or nil when absent. Expired items are unlinked on the spot.
func (c *Cache) Get(key []byte) *Item {
	return c.itemGet(key)
}

// Set links it, replacing and releasing any prior item for the same key.
func (c *Cache) Set(it *Item) {
	assert(it.head == it, "set of non-head node")
	old := c.itemGet(it.Key())
	if old == nil {
		c.itemLink(it)
		return
	}
	c.itemRelink(old, it)
	c.Remove(old)
}

// Cas links it only when the stored item's cas matches the caller-supplied
// one. A mismatch reports CasExists and leaves the store unchanged.
func (c *Cache) Cas(it *Item) CasResult {
	old := c.itemGet(it.Key())
	if old == nil {
		return CasNotFound
	}
	if it.getCas() != old.getCas() {
		c.log.Debugf("cas mismatch %d != %d on item %q", old.getCas(), it.getCas(), it.Key())
		c.Remove(old)
		return CasExists
	}
	c.itemRelink(old, it)
	c.Remove(old)
	return CasOK
}

// Add links it only when the key is absent.
func (c *Cache) Add(it *Item) AddResult {
	assert(it.head == it, "add of non-head node")
	old := c.itemGet(it.Key())
	if old != nil {
		c.Remove(old)
		return AddExists
	}
	c.itemLink(it)
	return AddOK
}

// Replace links it only when the key is present.
func (c *Cache) Replace(it *Item) ReplaceResult {
	assert(it.head == it, "replace of non-head node")
	old := c.itemGet(it.Key())
	if old == nil {
		return ReplaceNotFound
	}
	c.itemRelink(old, it)
	c.Remove(old)
	return ReplaceOK
}

// Delete unlinks the item stored under key; its memory is reclaimed once the
// last reference is released.
func (c *Cache) Delete(key []byte) DeleteResult {
	it := c.itemGet(key)
	if it == nil {
		return DeleteNotFound
	}
	c.itemUnlink(it)
	c.Remove(it)
	return DeleteOK
}
