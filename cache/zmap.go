package cache

import (
	"bytes"
	"encoding/binary"
	"math"
)

// A zipmap is a secondary map encoded inside one logical item's payload. The
// head node's data starts with a 4-byte entry count; entries follow as
// packed records:
//
//	+-------+------+----------+-------+-----+-------+---------+
//	| nval  | nkey | npadding | flags | key | value | padding |
//	| 4B LE | 1B   | 1B       | 1B    |     |       |         |
//	+-------+------+----------+-------+-----+-------+---------+
//
// Entry sizes are rounded up to a 4-byte multiple; the padding byte records
// the slack so replacements can grow a little in place. When the host item
// is chained, every node's terminal entry carries the last-in-node flag and
// entries never straddle node boundaries.

const (
	zmapHdrSize      = 4
	zmapEntryHdrSize = 7
	zmapPaddingMax   = 255

	entryNumeric    uint8 = 1 << 0
	entryLastInNode uint8 = 1 << 1

	numericValLen = 8
)

// KeyValPair is one zipmap entry for bulk operations. Byte slices borrow
// from slab memory and are only valid within the calling operation.
type KeyValPair struct {
	Key []byte
	Val []byte
}

// KeyNumericPair is one numeric zipmap entry for bulk operations.
type KeyNumericPair struct {
	Key []byte
	Val int64
}

// zmapEntry addresses one entry as a byte offset into a node's value region.
type zmapEntry struct {
	node *Item
	off  uint32
}

func (e zmapEntry) hdr() []byte   { return e.node.Data()[e.off:] }
func (e zmapEntry) nval() uint32  { return binary.LittleEndian.Uint32(e.hdr()) }
func (e zmapEntry) nkey() uint8   { return e.hdr()[4] }
func (e zmapEntry) npad() uint8   { return e.hdr()[5] }
func (e zmapEntry) flags() uint8  { return e.hdr()[6] }
func (e zmapEntry) numeric() bool { return e.flags()&entryNumeric != 0 }
func (e zmapEntry) last() bool    { return e.flags()&entryLastInNode != 0 }

func (e zmapEntry) setFlags(f uint8)  { e.hdr()[6] = f }
func (e zmapEntry) orFlags(f uint8)   { e.hdr()[6] |= f }
func (e zmapEntry) andNotFlags(f uint8) {
	e.hdr()[6] &^= f
}

func (e zmapEntry) size() uint32 {
	return entryNtotal(e.nkey(), e.nval(), e.npad())
}

func (e zmapEntry) key() []byte {
	d := e.hdr()
	return d[zmapEntryHdrSize : zmapEntryHdrSize+uint32(e.nkey())]
}

func (e zmapEntry) val() []byte {
	d := e.hdr()
	start := zmapEntryHdrSize + uint32(e.nkey())
	return d[start : start+e.nval()]
}

func entryNtotal(nkey uint8, nval uint32, npad uint8) uint32 {
	return zmapEntryHdrSize + uint32(nkey) + nval + uint32(npad)
}

// zmapNewEntrySize rounds the packed entry size up to the next 4-byte
// multiple.
func zmapNewEntrySize(nkey uint8, nval uint32) uint32 {
	n := zmapEntryHdrSize + uint32(nkey) + nval
	if rem := n % 4; rem != 0 {
		n += 4 - rem
	}
	return n
}

// zmapLen reads the entry count from the head's payload.
func zmapLen(it *Item) uint32 {
	return binary.LittleEndian.Uint32(it.Data())
}

func zmapSetLen(it *Item, n uint32) {
	binary.LittleEndian.PutUint32(it.Data(), n)
}

// entriesStart is the offset of the first entry within a node's value region.
func entriesStart(it, node *Item) uint32 {
	if node == it {
		return zmapHdrSize
	}
	return 0
}

// zmapFirstEntry returns the first entry of a non-empty zipmap. A head left
// without entries of its own (possible right after deleting its sole entry)
// is skipped.
func zmapFirstEntry(it *Item) zmapEntry {
	if it.nbyte == zmapHdrSize && it.next != nil {
		return zmapEntry{node: it.next, off: 0}
	}
	return zmapEntry{node: it, off: zmapHdrSize}
}

// zmapAdvance steps to the next entry, crossing into the next node when the
// current entry is its node's last.
func zmapAdvance(e zmapEntry) zmapEntry {
	if e.last() {
		return zmapEntry{node: e.node.next, off: 0}
	}
	return zmapEntry{node: e.node, off: e.off + e.size()}
}

// zmapLookup finds the entry with the given secondary key, also reporting
// the node holding it. Linear scan; entries are small and packed.
func zmapLookup(it *Item, skey []byte) (zmapEntry, bool) {
	n := zmapLen(it)
	if n == 0 {
		return zmapEntry{}, false
	}
	e := zmapFirstEntry(it)
	for i := uint32(0); i < n; i++ {
		if int(e.nkey()) == len(skey) && bytes.Equal(skey, e.key()) {
			return e, true
		}
		e = zmapAdvance(e)
	}
	return zmapEntry{}, false
}

// zmapCheckSize reports whether an entry of the given dimensions can live in
// a single node of the largest class.
func (c *Cache) zmapCheckSize(npkey uint8, nskey uint8, nval uint32) bool {
	return entryNtotal(nskey, nval, 3) <= c.itemMaxNbyte(c.maxID, npkey)
}

// ZmapInit stores an empty zipmap under the primary key, overwriting any
// existing item.
func (c *Cache) ZmapInit(pkey []byte) bool {
	var hdr [zmapHdrSize]byte
	it := c.CreateItem(pkey, hdr[:], 0)
	if it == nil {
		return false
	}
	c.Set(it)
	c.Remove(it)
	return true
}

// ZmapSet sets skey to val, creating the entry if absent.
func (c *Cache) ZmapSet(pkey, skey, val []byte) ZmapSetResult {
	it := c.itemGet(pkey)
	if it == nil {
		return ZmapSetNotFound
	}
	if !c.zmapCheckSize(uint8(len(pkey)), uint8(len(skey)), uint32(len(val))) {
		c.Remove(it)
		return ZmapSetOversized
	}
	c.zmapSetRaw(it, skey, val, 0)
	c.Remove(it)
	return ZmapSetOK
}

// ZmapSetMultiple sets every pair in order, skipping oversized ones.
func (c *Cache) ZmapSetMultiple(pkey []byte, pairs []KeyValPair) ZmapSetResult {
	for _, p := range pairs {
		if !c.zmapCheckSize(uint8(len(pkey)), uint8(len(p.Key)), uint32(len(p.Val))) {
			continue
		}
		it := c.itemGet(pkey)
		if it == nil {
			return ZmapSetNotFound
		}
		c.zmapSetRaw(it, p.Key, p.Val, 0)
		c.Remove(it)
	}
	return ZmapSetOK
}

// ZmapSetNumeric sets skey to a numeric value eligible for ZmapDelta.
func (c *Cache) ZmapSetNumeric(pkey, skey []byte, val int64) ZmapSetResult {
	it := c.itemGet(pkey)
	if it == nil {
		return ZmapSetNotFound
	}
	c.zmapSetRaw(it, skey, encodeNumeric(val), entryNumeric)
	c.Remove(it)
	return ZmapSetOK
}

// ZmapSetMultipleNumeric sets every numeric pair in order.
func (c *Cache) ZmapSetMultipleNumeric(pkey []byte, pairs []KeyNumericPair) ZmapSetResult {
	for _, p := range pairs {
		it := c.itemGet(pkey)
		if it == nil {
			return ZmapSetNotFound
		}
		c.zmapSetRaw(it, p.Key, encodeNumeric(p.Val), entryNumeric)
		c.Remove(it)
	}
	return ZmapSetOK
}

// ZmapAdd sets skey to val only when the entry is absent.
func (c *Cache) ZmapAdd(pkey, skey, val []byte) ZmapAddResult {
	it := c.itemGet(pkey)
	if it == nil {
		return ZmapAddNotFound
	}
	if !c.zmapCheckSize(uint8(len(pkey)), uint8(len(skey)), uint32(len(val))) {
		c.Remove(it)
		return ZmapAddOversized
	}
	if _, found := zmapLookup(it, skey); found {
		c.Remove(it)
		return ZmapAddExists
	}
	c.zmapAddRaw(it, skey, val, 0)
	c.Remove(it)
	return ZmapAddOK
}

// ZmapAddNumeric sets skey to a numeric value only when the entry is absent.
func (c *Cache) ZmapAddNumeric(pkey, skey []byte, val int64) ZmapAddResult {
	it := c.itemGet(pkey)
	if it == nil {
		return ZmapAddNotFound
	}
	if _, found := zmapLookup(it, skey); found {
		c.Remove(it)
		return ZmapAddExists
	}
	c.zmapAddRaw(it, skey, encodeNumeric(val), entryNumeric)
	c.Remove(it)
	return ZmapAddOK
}

// ZmapReplace sets skey to val only when the entry exists.
func (c *Cache) ZmapReplace(pkey, skey, val []byte) ZmapReplaceResult {
	it := c.itemGet(pkey)
	if it == nil {
		return ZmapReplaceNotFound
	}
	if !c.zmapCheckSize(uint8(len(pkey)), uint8(len(skey)), uint32(len(val))) {
		c.Remove(it)
		return ZmapReplaceOversized
	}
	entry, found := zmapLookup(it, skey)
	if !found {
		c.Remove(it)
		return ZmapReplaceEntryNotFound
	}
	c.zmapReplaceRaw(it, entry, val, 0)
	c.Remove(it)
	return ZmapReplaceOK
}

// ZmapReplaceNumeric sets skey to a numeric value only when the entry exists.
func (c *Cache) ZmapReplaceNumeric(pkey, skey []byte, val int64) ZmapReplaceResult {
	it := c.itemGet(pkey)
	if it == nil {
		return ZmapReplaceNotFound
	}
	entry, found := zmapLookup(it, skey)
	if !found {
		c.Remove(it)
		return ZmapReplaceEntryNotFound
	}
	c.zmapReplaceRaw(it, entry, encodeNumeric(val), entryNumeric)
	c.Remove(it)
	return ZmapReplaceOK
}

// ZmapDelete removes the entry with the given secondary key.
func (c *Cache) ZmapDelete(pkey, skey []byte) ZmapDeleteResult {
	it := c.itemGet(pkey)
	if it == nil {
		return ZmapDeleteNotFound
	}
	entry, found := zmapLookup(it, skey)
	if !found {
		c.Remove(it)
		return ZmapDeleteEntryNotFound
	}
	c.zmapDeleteRaw(it, entry)
	c.Remove(it)
	return ZmapDeleteOK
}

// ZmapGet returns the value stored under skey. The bytes borrow from slab
// memory and are only valid until the next engine call.
func (c *Cache) ZmapGet(pkey, skey []byte) ([]byte, ZmapGetResult) {
	it := c.itemGet(pkey)
	if it == nil {
		return nil, ZmapGetNotFound
	}
	entry, found := zmapLookup(it, skey)
	if !found {
		c.Remove(it)
		return nil, ZmapGetEntryNotFound
	}
	val := entry.val()
	c.Remove(it)
	return val, ZmapGetOK
}

// ZmapExists reports whether skey is present.
func (c *Cache) ZmapExists(pkey, skey []byte) ZmapExistsResult {
	it := c.itemGet(pkey)
	if it == nil {
		return ZmapNotFound
	}
	_, found := zmapLookup(it, skey)
	c.Remove(it)
	if !found {
		return ZmapEntryNotFound
	}
	return ZmapEntryExists
}

// ZmapLen returns the entry count, or -1 when the zipmap is absent.
func (c *Cache) ZmapLen(pkey []byte) int32 {
	it := c.itemGet(pkey)
	if it == nil {
		return -1
	}
	n := int32(zmapLen(it))
	c.Remove(it)
	return n
}

// ZmapGetAll returns every (key, value) pair in iteration order. The second
// return is false when the zipmap is absent.
func (c *Cache) ZmapGetAll(pkey []byte) ([]KeyValPair, bool) {
	it := c.itemGet(pkey)
	if it == nil {
		return nil, false
	}
	n := zmapLen(it)
	ret := make([]KeyValPair, 0, n)
	e := zmapFirstEntry(it)
	for i := uint32(0); i < n; i++ {
		ret = append(ret, KeyValPair{Key: e.key(), Val: e.val()})
		e = zmapAdvance(e)
	}
	c.Remove(it)
	return ret, true
}

// ZmapGetKeys returns every secondary key in iteration order.
func (c *Cache) ZmapGetKeys(pkey []byte) ([][]byte, bool) {
	it := c.itemGet(pkey)
	if it == nil {
		return nil, false
	}
	n := zmapLen(it)
	ret := make([][]byte, 0, n)
	e := zmapFirstEntry(it)
	for i := uint32(0); i < n; i++ {
		ret = append(ret, e.key())
		e = zmapAdvance(e)
	}
	c.Remove(it)
	return ret, true
}

// ZmapGetVals returns every value in iteration order.
func (c *Cache) ZmapGetVals(pkey []byte) ([][]byte, bool) {
	it := c.itemGet(pkey)
	if it == nil {
		return nil, false
	}
	n := zmapLen(it)
	ret := make([][]byte, 0, n)
	e := zmapFirstEntry(it)
	for i := uint32(0); i < n; i++ {
		ret = append(ret, e.val())
		e = zmapAdvance(e)
	}
	c.Remove(it)
	return ret, true
}

// ZmapGetMultiple returns the values for the requested keys, nil for keys
// that are absent.
func (c *Cache) ZmapGetMultiple(pkey []byte, skeys [][]byte) ([][]byte, bool) {
	it := c.itemGet(pkey)
	if it == nil {
		return nil, false
	}
	ret := make([][]byte, len(skeys))
	for i, skey := range skeys {
		if entry, found := zmapLookup(it, skey); found {
			ret[i] = entry.val()
		}
	}
	c.Remove(it)
	return ret, true
}

// ZmapDelta applies a signed delta to a numeric entry, checking for
// overflow first.
func (c *Cache) ZmapDelta(pkey, skey []byte, delta int64) ZmapDeltaResult {
	it := c.itemGet(pkey)
	if it == nil {
		return ZmapDeltaNotFound
	}
	entry, found := zmapLookup(it, skey)
	if !found {
		c.Remove(it)
		return ZmapDeltaEntryNotFound
	}
	if !entry.numeric() {
		c.Remove(it)
		return ZmapDeltaNonNumeric
	}
	cur := int64(binary.LittleEndian.Uint64(entry.val()))
	if (delta > 0 && cur > math.MaxInt64-delta) ||
		(delta < 0 && cur < math.MinInt64-delta) {
		c.Remove(it)
		return ZmapDeltaOverflow
	}
	binary.LittleEndian.PutUint64(entry.val(), uint64(cur+delta))
	c.Remove(it)
	return ZmapDeltaOK
}

func encodeNumeric(val int64) []byte {
	var b [numericValLen]byte
	binary.LittleEndian.PutUint64(b[:], uint64(val))
	return b[:]
}

// zmapSetRaw overwrites an existing entry or adds a new one.
func (c *Cache) zmapSetRaw(it *Item, skey, val []byte, flags uint8) {
	if entry, found := zmapLookup(it, skey); found {
		c.zmapReplaceRaw(it, entry, val, flags)
	} else {
		c.zmapAddRaw(it, skey, val, flags)
	}
}

// zmapAddRaw appends a new entry through AppendContig, so the entry lands in
// one node, then fixes up the entry count and last-in-node flags. The host
// item may be reallocated by the append; it is re-fetched by key.
func (c *Cache) zmapAddRaw(it *Item, skey, val []byte, flags uint8) {
	size := zmapNewEntrySize(uint8(len(skey)), uint32(len(val)))

	pkey := append([]byte(nil), it.Key()...)
	exptime := it.exptime
	numNodesBefore := it.NumNodes()

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf, uint32(len(val)))
	buf[4] = uint8(len(skey))
	buf[5] = uint8(size - zmapEntryHdrSize - uint32(len(skey)) - uint32(len(val)))
	buf[6] = flags | entryLastInNode
	copy(buf[zmapEntryHdrSize:], skey)
	copy(buf[zmapEntryHdrSize+uint32(len(skey)):], val)

	ait := c.CreateItem(pkey, buf, exptime)
	if ait == nil {
		c.log.Warnf("zipmap add %q: no memory for entry item", skey)
		return
	}
	res := c.AppendContig(ait)
	c.Remove(ait)
	if res != AnnexOK {
		c.log.Warnf("zipmap add %q: append failed: %s", skey, res)
		return
	}

	// The append may have reallocated the host; re-fetch it straight from
	// the index so a clock tick cannot expire it from under us.
	nit := c.hash.find(pkey)
	assert(nit != nil, "zipmap host vanished during add")
	c.itemAcquireRefcount(nit)

	zmapSetLen(nit, zmapLen(nit)+1)

	// When the entry landed in an existing node (rather than a fresh one),
	// the previous terminal entry of that node loses its last-in-node flag.
	if nit.NumNodes() == numNodesBefore && zmapLen(nit) != 1 {
		tail := nit.tail()
		e := zmapEntry{node: tail, off: entriesStart(nit, tail)}
		for !e.last() {
			e = zmapEntry{node: tail, off: e.off + e.size()}
		}
		e.andNotFlags(entryLastInNode)
	}
	c.Remove(nit)
}

// zmapReplaceRaw rewrites an entry in place when the old slot can hold the
// new value within the padding limit, and otherwise deletes and re-adds.
func (c *Cache) zmapReplaceRaw(it *Item, entry zmapEntry, val []byte, flags uint8) {
	size := entry.size()
	nval := uint32(len(val))
	if size >= entryNtotal(entry.nkey(), nval, 0) &&
		size <= entryNtotal(entry.nkey(), nval, zmapPaddingMax) {
		d := entry.hdr()
		binary.LittleEndian.PutUint32(d, nval)
		d[5] = uint8(size - entryNtotal(entry.nkey(), nval, 0))
		entry.setFlags(flags | (entry.flags() & entryLastInNode))
		copy(entry.val(), val)
		return
	}

	skey := append([]byte(nil), entry.key()...)
	c.zmapDeleteRaw(it, entry)
	c.zmapAddRaw(it, skey, val, flags)
}

// zmapDeleteRaw removes an entry, then defragments by pulling tail contents
// forward.
func (c *Cache) zmapDeleteRaw(it *Item, entry zmapEntry) {
	assert(zmapLen(it) > 0, "delete from empty zipmap")
	node := entry.node
	deleted := entry.size()

	if entry.last() {
		prev, ok := zmapPrevEntry(it, entry)
		switch {
		case !ok && zmapLen(it) > 1 && node != it:
			// Sole entry of a non-head node: drop the node.
			c.ichainRemoveNode(it, node)

		case !ok && zmapLen(it) > 1:
			// Sole entry of the head: keep the header, reclaim from the
			// tail nodes.
			it.normalize()
			it.nbyte = zmapHdrSize
			c.zmapReallocFromTail(it, node)
			debugAssert(it.nbyte > zmapHdrSize || it.next != nil,
				"zipmap head empty after tail reclaim")

		case !ok:
			// The only entry of the whole map: back to a bare header.
			it.normalize()
			it.nbyte = zmapHdrSize
			for it.next != nil {
				c.ichainRemoveNode(it, it.tail())
			}

		default:
			// Others precede it in the node: the predecessor becomes the
			// node's terminal entry.
			prev.orFlags(entryLastInNode)
			node.normalize()
			node.nbyte -= deleted
			c.zmapReallocFromTail(it, node)
		}
	} else {
		// Entry sits at the front or middle of its node: shift the entries
		// after it down.
		amt := uint32(0)
		for e := entry; !e.last(); {
			e = zmapEntry{node: node, off: e.off + e.size()}
			amt += e.size()
		}
		node.normalize()
		d := node.Data()
		copy(d[entry.off:], d[entry.off+deleted:entry.off+deleted+amt])
		node.nbyte -= deleted
		c.zmapReallocFromTail(it, node)
	}

	zmapSetLen(it, zmapLen(it)-1)
}

// zmapPrevEntry returns the entry preceding the given one within its node.
// ok is false when the entry is the first of its node.
func zmapPrevEntry(it *Item, entry zmapEntry) (zmapEntry, bool) {
	node := entry.node
	e := zmapEntry{node: node, off: entriesStart(it, node)}
	if e.off == entry.off {
		return zmapEntry{}, false
	}
	for {
		next := zmapEntry{node: node, off: e.off + e.size()}
		if next.off == entry.off {
			return e, true
		}
		debugAssert(!e.last(), "entry not found in its node")
		e = next
	}
}

// zmapReallocFromTail pulls entries from the chain's tail into node's unused
// suffix after a delete: whole tail nodes while they fit, then whichever
// whole entries from the tail's front still do. Entry boundaries are always
// preserved.
func (c *Cache) zmapReallocFromTail(it, node *Item) {
	node.normalize()

	for {
		tail := it.tail()
		if tail == node {
			return
		}
		if tail.nbyte > node.maxNbyte()-node.nbyte {
			break
		}
		// The whole tail fits: copy it over and drop the node.
		hadOwn := node.nbyte > entriesStart(it, node)
		copy(node.room()[node.nbyte:], tail.Data())
		node.nbyte += tail.nbyte
		c.ichainRemoveNode(it, tail)

		// The donor's former terminal entry is terminal no more.
		if hadOwn {
			e := zmapEntry{node: node, off: entriesStart(it, node)}
			for !e.last() {
				e = zmapEntry{node: node, off: e.off + e.size()}
			}
			e.andNotFlags(entryLastInNode)
		}
	}

	tail := it.tail()
	avail := node.maxNbyte() - node.nbyte
	hasOwn := node.nbyte > entriesStart(it, node)

	// Move whole entries from the tail's front while they fit.
	moved := uint32(0)
	var lastMoved uint32
	hasMoved := false
	for e := (zmapEntry{node: tail, off: 0}); !e.last(); e = zmapAdvance(e) {
		if moved+e.size() > avail {
			break
		}
		lastMoved = e.off
		hasMoved = true
		moved += e.size()
	}
	if !hasMoved {
		return
	}

	// The moved run's last entry becomes node's terminal entry; node's old
	// one, if it had any, is unflagged.
	var old zmapEntry
	if hasOwn {
		old = zmapEntry{node: node, off: entriesStart(it, node)}
		for !old.last() {
			old = zmapEntry{node: node, off: old.off + old.size()}
		}
	}

	d := tail.Data()
	copy(node.room()[node.nbyte:], d[:moved])
	node.nbyte += moved

	if hasOwn {
		old.andNotFlags(entryLastInNode)
	}
	newLast := zmapEntry{node: node, off: node.nbyte - (moved - lastMoved)}
	newLast.orFlags(entryLastInNode)

	// Shift the kept tail entries down.
	copy(d, d[moved:tail.nbyte])
	tail.nbyte -= moved
}

// ichainRemoveNode splices a non-head node out of a chain and frees it. The
// node's slab reference from the caller's Get is dropped here, since later
// releases walk the shortened chain.
func (c *Cache) ichainRemoveNode(it, node *Item) {
	assert(node != it, "removing the head node of a chain")
	prev := it
	for prev != nil && prev.next != node {
		prev = prev.next
	}
	assert(prev != nil, "node not in chain")
	prev.next = node.next

	c.slabReleaseRefcount(node.owner)
	node.flags &^= flagChained
	node.next = nil
	node.head = nil
	c.slabPutItem(node)

	if it.next == nil {
		it.flags &^= flagChained
	}
}
