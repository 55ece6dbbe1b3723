package cache

import (
	"encoding/binary"

	"github.com/skipor/slabcache/internal/tag"
)

const (
	flagLinked  uint8 = 1 << iota // item is in the hash index
	flagCas                       // item carries an inline cas field
	flagSlabbed                   // item is in a class free queue
	flagRalign                    // payload is flush with the chunk's upper bound
	flagChained                   // item is a node of a multi-chunk chain
)

// Item is the header of one chunk carved out of a slab. The chunk itself
// holds the payload: an optional 8-byte cas, the key, then the value bytes.
// For a chained value every node is a fully formed Item; only the head
// carries the key and is present in the hash index.
//
// Items are either linked or unlinked. A freshly allocated item is unlinked;
// Set/Add/Replace/Cas link it. Delete, expiry and eviction unlink it, and an
// unlinked item with zero refcount goes back to its class free queue
// (flagSlabbed). flagLinked and flagSlabbed are mutually exclusive.
type Item struct {
	owner  *slab  // slab whose chunk this item occupies
	offset uint32 // chunk start within owner.data

	hNext        *Item // hash bucket chain
	fPrev, fNext *Item // class free queue links

	atime    uint32 // last access, relative seconds
	exptime  uint32 // expiry, relative seconds; 0 is never
	nbyte    uint32 // value length in this node
	refcount uint16 // concurrent users; tracked on the head only
	flags    uint8
	nkey     uint8

	next *Item // next node when chained
	head *Item // chain head; equals the item itself for single nodes
}

func (it *Item) hasCas() bool    { return it.flags&flagCas != 0 }
func (it *Item) isLinked() bool  { return it.flags&flagLinked != 0 }
func (it *Item) isSlabbed() bool { return it.flags&flagSlabbed != 0 }
func (it *Item) isRaligned() bool {
	return it.flags&flagRalign != 0
}

// Chained reports whether the item is part of a multi-node chain.
func (it *Item) Chained() bool { return it.flags&flagChained != 0 }

func (it *Item) casLen() uint32 {
	if it.hasCas() {
		return casLen
	}
	return 0
}

// chunk returns the whole chunk this item occupies, header region included.
func (it *Item) chunk() []byte {
	return it.owner.data[it.offset : it.offset+it.owner.size]
}

// Key returns the item key bytes, aliasing slab memory.
func (it *Item) Key() []byte {
	off := itemHdrSize + it.casLen()
	return it.chunk()[off : off+uint32(it.nkey)]
}

// Data returns this node's value bytes, aliasing slab memory.
func (it *Item) Data() []byte {
	c := it.chunk()
	if it.isRaligned() {
		return c[uint32(len(c))-it.nbyte:]
	}
	off := itemHdrSize + it.casLen() + uint32(it.nkey)
	return c[off : off+it.nbyte]
}

// dataStart is the byte offset of the value region within the chunk.
func (it *Item) dataStart() uint32 {
	if it.isRaligned() {
		return it.owner.size - it.nbyte
	}
	return itemHdrSize + it.casLen() + uint32(it.nkey)
}

// room returns the writable region from the value start to the chunk end.
// Only meaningful for left-aligned items.
func (it *Item) room() []byte {
	return it.chunk()[itemHdrSize+it.casLen()+uint32(it.nkey):]
}

// maxNbyte is the largest value this node's chunk can hold.
func (it *Item) maxNbyte() uint32 {
	return it.owner.size - itemHdrSize - it.casLen() - uint32(it.nkey)
}

func (it *Item) getCas() uint64 {
	if !it.hasCas() {
		return 0
	}
	return binary.LittleEndian.Uint64(it.chunk()[itemHdrSize:])
}

func (it *Item) setCas(cas uint64) {
	if it.hasCas() {
		binary.LittleEndian.PutUint64(it.chunk()[itemHdrSize:], cas)
	}
}

// Cas returns the item's cas value, or 0 when cas is disabled.
func (it *Item) Cas() uint64 { return it.getCas() }

// SetCas stamps a caller-supplied cas value, for use before Cache.Cas.
func (it *Item) SetCas(cas uint64) { it.setCas(cas) }

// Exptime returns the item's expiry in relative seconds; 0 means never.
func (it *Item) Exptime() uint32 { return it.exptime }

// Next returns the next node of a chained item, or nil for the tail.
func (it *Item) Next() *Item { return it.next }

// NumNodes returns the node count of the chain starting at it.
func (it *Item) NumNodes() int {
	n := 0
	for ; it != nil; it = it.next {
		n++
	}
	return n
}

// TotalNbyte returns the logical value length, summed over all nodes.
func (it *Item) TotalNbyte() uint64 {
	assert(it.head == it, "total nbyte of non-head node")
	var n uint64
	for ; it != nil; it = it.next {
		n += uint64(it.nbyte)
	}
	return n
}

// tail returns the last node of the chain.
func (it *Item) tail() *Item {
	for ; it.next != nil; it = it.next {
	}
	return it
}

// hdrInit resets the item header when its slab is (re)assigned to a class.
func (it *Item) hdrInit(owner *slab, offset uint32) {
	it.owner = owner
	it.offset = offset
	it.refcount = 0
	it.flags = 0
	it.hNext = nil
	it.fPrev = nil
	it.fNext = nil
	it.next = nil
	it.head = nil
}

// normalize makes a right-aligned node left-aligned, moving the value bytes
// to their natural position after the key. Zipmap mutations rely on this so
// that in-node offsets stay valid across nbyte changes.
func (it *Item) normalize() {
	if !it.isRaligned() {
		return
	}
	data := it.Data()
	it.flags &^= flagRalign
	copy(it.Data(), data)
}

func assert(cond bool, msg string) {
	if !cond {
		panic("slabcache: " + msg)
	}
}

// debugAssert is for checks too hot for release builds.
func debugAssert(cond bool, msg string) {
	if tag.Debug && !cond {
		panic("slabcache: " + msg)
	}
}
