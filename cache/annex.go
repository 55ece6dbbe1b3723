package cache

// Annex operations concatenate the payload of a freshly built, unchained
// delta item at the tail (append) or head (prepend) of the stored value.
// The delta either lands in the existing chunk's spare room, in a
// replacement chunk of a bigger class, or in freshly chained nodes.

// Append concatenates it's payload after the stored value for the same key.
func (c *Cache) Append(it *Item) AnnexResult {
	return c.itemAppend(it, false)
}

// AppendContig is Append with the guarantee that the delta lands
// contiguously within a single node. The zipmap relies on it: an entry may
// never straddle a node boundary.
func (c *Cache) AppendContig(it *Item) AnnexResult {
	return c.itemAppend(it, true)
}

func (c *Cache) itemAppend(it *Item, contig bool) AnnexResult {
	if it.Chained() {
		return AnnexOversized
	}
	debugAssert(it.next == nil, "unchained delta item has a next node")

	old := c.itemGet(it.Key())
	if old == nil {
		return AnnexNotFound
	}
	debugAssert(!old.isSlabbed(), "appending to slabbed item")

	tail := old.tail()
	total := tail.nbyte + it.nbyte
	nid := c.itemSlabID(tail.nkey, total)

	switch {
	case nid != classChainID && nid <= tail.owner.id && !tail.isRaligned():
		// The tail chunk has room; grow in place.
		copy(tail.room()[tail.nbyte:], it.Data())
		tail.nbyte = total
		old.setCas(c.nextCas())

	case contig && nid == classChainID:
		// The delta must stay contiguous: give it a saturated-or-smaller
		// node of its own and splice it in as the new tail.
		nit := c.itemAlloc(nil, old.exptime, it.nbyte)
		if nit == nil {
			c.Remove(old)
			return AnnexNoMemory
		}
		debugAssert(nit.next == nil, "contig annex node unexpectedly chained")

		for nit.refcount < old.refcount {
			c.itemAcquireRefcount(nit)
		}
		copy(nit.Data(), it.Data())
		c.prepareTail(nit)

		tail.next = nit
		nit.head = old
		old.flags |= flagChained

	default:
		if res := c.itemAppendRealloc(old, tail, it, nid); res != AnnexOK {
			return res
		}
	}

	c.Remove(old)
	return AnnexOK
}

// itemAppendRealloc handles the append cases that need a replacement tail:
// either a single chunk of a larger class, or a chained allocation when even
// the largest class cannot hold old tail plus delta.
func (c *Cache) itemAppendRealloc(old, tail, it *Item, nid uint8) AnnexResult {
	total := tail.nbyte + it.nbyte

	nit := c.itemAlloc(tail.Key(), old.exptime, total)
	if nit == nil {
		c.Remove(old)
		return AnnexNoMemory
	}
	if nid == classChainID {
		debugAssert(nit.Chained(), "chain-sized annex got a single node")
	} else {
		debugAssert(nit.next == nil, "class-sized annex got a chain")
	}

	// New tail value is old tail bytes followed by the delta, scattered
	// across however many nodes the allocation produced.
	fillChain(nit, tail.Data(), it.Data())

	if !old.Chained() {
		// The item was a single chunk; nit simply replaces it.
		c.itemRelink(old, nit)
		c.Remove(nit)
		return AnnexOK
	}

	// Splice nit in as the new tail of old's chain, dropping the former
	// tail. The dropped node's slab reference from the caller's Get is
	// released explicitly, since the release at Remove(old) walks the
	// already-respliced chain.
	for nit.refcount < old.refcount {
		c.itemAcquireRefcount(nit)
	}
	c.prepareTail(nit)

	prev := old
	for prev.next != tail {
		prev = prev.next
	}
	prev.next = nit
	for iter := nit; iter != nil; iter = iter.next {
		iter.head = old
	}

	c.slabReleaseRefcount(tail.owner)
	tail.flags &^= flagChained
	tail.next = nil
	tail.head = nil
	c.slabPutItem(tail)

	return AnnexOK
}

// Prepend concatenates it's payload before the stored value for the same
// key, exploiting the head's right alignment to grow leftward in place when
// possible.
func (c *Cache) Prepend(it *Item) AnnexResult {
	if it.Chained() {
		return AnnexOversized
	}
	debugAssert(it.next == nil, "unchained delta item has a next node")

	old := c.itemGet(it.Key())
	if old == nil {
		return AnnexNotFound
	}
	debugAssert(!old.isSlabbed(), "prepending to slabbed item")

	total := old.nbyte + it.nbyte
	nid := c.itemSlabID(old.nkey, total)

	switch {
	case nid == old.owner.id && old.isRaligned():
		// Room to the left of the payload; grow in place.
		chunk := old.chunk()
		start := old.dataStart()
		copy(chunk[start-it.nbyte:start], it.Data())
		old.nbyte = total
		old.setCas(c.nextCas())
		c.Remove(old)
		return AnnexOK

	case nid != classChainID:
		// One larger head node holds everything.
		nit := c.itemAlloc(old.Key(), old.exptime, total)
		if nit == nil {
			c.Remove(old)
			return AnnexNoMemory
		}
		debugAssert(nit.next == nil, "class-sized prepend got a chain")

		nit.flags |= flagRalign
		copy(nit.Data(), it.Data())
		copy(nit.Data()[it.nbyte:], old.Data())

		c.replaceHead(old, nit, nit)
		c.Remove(old)
		c.Remove(nit)
		return AnnexOK

	default:
		// Chaining: a new head sized for the overflow, then one saturated
		// max-class node holding the tail of the prepend and the head of
		// the original value.
		secondNbyte := c.itemMaxNbyte(c.maxID, 0)
		if total <= secondNbyte {
			// No overflow left for the head node; build the chain with a
			// plain allocation instead.
			nit := c.itemAlloc(old.Key(), old.exptime, total)
			if nit == nil {
				c.Remove(old)
				return AnnexNoMemory
			}
			fillChain(nit, it.Data(), old.Data())
			c.replaceHead(old, nit, nit.tail())
			c.Remove(old)
			c.Remove(nit)
			return AnnexOK
		}
		second := c.itemAlloc(nil, old.exptime, secondNbyte)
		if second == nil {
			c.Remove(old)
			return AnnexNoMemory
		}
		debugAssert(second.next == nil, "saturated prepend node unexpectedly chained")

		nit := c.itemAlloc(old.Key(), old.exptime, total-secondNbyte)
		if nit == nil {
			c.Remove(old)
			c.Remove(second)
			return AnnexNoMemory
		}
		debugAssert(nit.next == nil, "prepend head unexpectedly chained")
		debugAssert(nit.nbyte <= it.nbyte, "prepend head larger than the delta")

		copy(nit.Data(), it.Data()[:nit.nbyte])
		copy(second.Data(), it.Data()[nit.nbyte:])
		copy(second.Data()[it.nbyte-nit.nbyte:], old.Data())

		nit.next = second
		c.prepareTail(second)
		c.replaceHead(old, nit, second)
		c.Remove(old)
		c.Remove(nit)
		return AnnexOK
	}
}

// replaceHead makes nit (whose chain currently ends at last) the new head of
// old's value: old's remaining nodes are attached after last, head pointers
// are rewritten, the hash entry is swapped, and old is detached so that
// releasing it frees only the replaced chunk.
func (c *Cache) replaceHead(old, nit, last *Item) {
	last.next = old.next
	if nit.next != nil {
		nit.flags |= flagChained
	}
	for iter := nit; iter != nil; iter = iter.next {
		iter.head = nit
	}
	c.itemRelink(old, nit)

	// Detach the replaced head. Its donated nodes are now released through
	// nit; old's own release must cover just its chunk.
	old.next = nil
	old.flags &^= flagChained
}

// prepareTail readies a node for splicing into an existing chain.
func (c *Cache) prepareTail(nit *Item) {
	nit.flags |= flagChained
	nit.flags &^= flagRalign
	nit.refcount = 0
}

// fillChain copies the concatenation of srcs into the chain's value bytes.
// The chain's nbyte total must equal the combined source length.
func fillChain(node *Item, srcs ...[]byte) {
	off := uint32(0)
	for _, src := range srcs {
		for len(src) > 0 {
			for off == node.nbyte {
				node = node.next
				off = 0
			}
			n := copy(node.Data()[off:], src)
			src = src[n:]
			off += uint32(n)
		}
	}
}
