package cache

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
)

// hashTable maps keys to linked item heads. Buckets are singly linked through
// Item.hNext. The bucket count is fixed at construction; expansion is future
// work.
type hashTable struct {
	buckets []*Item
	mask    uint64
	nitem   uint32
}

func (h *hashTable) init(power uint8) {
	if power == 0 {
		power = defaultHashPower
	}
	size := uint64(1) << power
	h.buckets = make([]*Item, size)
	h.mask = size - 1
	h.nitem = 0
}

func (h *hashTable) index(key []byte) uint64 {
	return xxhash.Sum64(key) & h.mask
}

func (h *hashTable) find(key []byte) *Item {
	for it := h.buckets[h.index(key)]; it != nil; it = it.hNext {
		if int(it.nkey) == len(key) && bytes.Equal(key, it.Key()) {
			return it
		}
	}
	return nil
}

// insert links it at the head of its bucket. The key must not be present.
func (h *hashTable) insert(it *Item) {
	i := h.index(it.Key())
	it.hNext = h.buckets[i]
	h.buckets[i] = it
	h.nitem++
}

// remove unlinks the item with the given key. The key must be present.
func (h *hashTable) remove(key []byte) {
	i := h.index(key)
	var prev *Item
	for it := h.buckets[i]; it != nil; prev, it = it, it.hNext {
		if int(it.nkey) == len(key) && bytes.Equal(key, it.Key()) {
			if prev == nil {
				h.buckets[i] = it.hNext
			} else {
				prev.hNext = it.hNext
			}
			it.hNext = nil
			h.nitem--
			return
		}
	}
	panic("hash remove: key not present")
}
