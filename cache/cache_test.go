package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeClock drives expiry and LRU deterministically.
type fakeClock struct {
	sec uint32
}

func (f *fakeClock) NowSec() uint32 { return f.sec }

func (f *fakeClock) advance(d uint32) { f.sec += d }

// testConfig mirrors the historical test driver setup: 1056-byte slabs with a
// 32-byte header, four classes, eight slabs of heap.
func testConfig() Config {
	return Config{
		Prealloc: true,
		EvictLRU: true,
		UseFreeq: true,
		MaxBytes: 8448,
		SlabSize: 1056,
		Profile:  []uint32{128, 256, 512, 1024},
		Seed:     1,
	}
}

func newTestCache(t *testing.T, cfg Config) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{sec: 1}
	cfg.Clock = clock
	c, err := New(cfg)
	require.NoError(t, err)
	return c, clock
}

// checkInvariants walks the whole engine and verifies the structural
// invariants that must hold between operations.
func checkInvariants(t *testing.T, c *Cache) {
	t.Helper()

	// Hash index: every bucket member is a linked head and resolvable by
	// its own key.
	linked := 0
	for _, bucket := range c.hash.buckets {
		for it := bucket; it != nil; it = it.hNext {
			linked++
			require.True(t, it.isLinked(), "hash member not flagged linked")
			require.False(t, it.isSlabbed(), "hash member flagged slabbed")
			require.NotZero(t, it.nkey, "hash member with empty key")
			require.Same(t, it, it.head, "hash member is not a chain head")
			require.Same(t, it, c.hash.find(it.Key()), "hash member not findable")
			checkChain(t, c, it)
		}
	}
	require.Equal(t, uint32(linked), c.hash.nitem, "hash item count out of sync")

	// Free queues: members are flagged slabbed, counted correctly, and
	// never linked.
	for id := minClassID; id <= int(c.maxID); id++ {
		p := &c.classes[id]
		n := uint32(0)
		for it := p.freeq.head; it != nil; it = it.fNext {
			n++
			require.True(t, it.isSlabbed(), "free queue member not flagged")
			require.False(t, it.isLinked(), "free queue member linked")
			require.Zero(t, it.refcount, "free queue member referenced")
		}
		require.Equal(t, p.nfreeq, n, "free queue count out of sync in class %d", id)
	}
}

// checkChain verifies the chained-item invariants for one logical item.
func checkChain(t *testing.T, c *Cache, head *Item) {
	t.Helper()
	if !head.Chained() {
		require.Nil(t, head.next, "unchained item with a next node")
		return
	}
	require.NotNil(t, head.next, "chained item with a single node")
	for node := head; node != nil; node = node.next {
		require.Same(t, head, node.head, "node head pointer astray")
		if node != head {
			require.Zero(t, node.nkey, "non-head node with a key")
		}
		require.LessOrEqual(t, node.nbyte, node.maxNbyte(), "node overflows its chunk")
	}
}

// fillValue builds a value of the given size with recognizable content.
func fillValue(size int, b byte) []byte {
	v := make([]byte, size)
	for i := range v {
		v[i] = b
	}
	return v
}

// storeValue is a test shortcut for CreateItem + Set + Remove.
func storeValue(t *testing.T, c *Cache, key string, val []byte) {
	t.Helper()
	it := c.CreateItem([]byte(key), val, 0)
	require.NotNil(t, it, "no memory storing %q", key)
	c.Set(it)
	c.Remove(it)
}

// getValue joins the stored value across chain nodes, or returns nil on a
// miss.
func getValue(c *Cache, key string) []byte {
	it := c.Get([]byte(key))
	if it == nil {
		return nil
	}
	buf := make([]byte, 0, it.TotalNbyte())
	for node := it; node != nil; node = node.Next() {
		buf = append(buf, node.Data()...)
	}
	c.Remove(it)
	return buf
}

func keyN(i int) string { return fmt.Sprintf("key-%04d", i) }
