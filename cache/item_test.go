package cache

import (
	"testing"

	tassert "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	c, _ := newTestCache(t, testConfig())

	storeValue(t, c, "foo", []byte("bar"))
	tassert.Equal(t, []byte("bar"), getValue(c, "foo"))

	storeValue(t, c, "foobar", []byte("foobarfoobar"))
	tassert.Equal(t, []byte("foobarfoobar"), getValue(c, "foobar"))
	checkInvariants(t, c)
}

func TestSetOverwrites(t *testing.T) {
	c, _ := newTestCache(t, testConfig())

	storeValue(t, c, "k", []byte("v1"))
	storeValue(t, c, "k", []byte("v2"))
	tassert.Equal(t, []byte("v2"), getValue(c, "k"))
	checkInvariants(t, c)
}

func TestAddAndReplaceSemantics(t *testing.T) {
	c, _ := newTestCache(t, testConfig())

	storeValue(t, c, "foobar", []byte("foobarfoobar"))

	it := c.CreateItem([]byte("foobar"), []byte("baz"), 0)
	require.NotNil(t, it)
	tassert.Equal(t, ReplaceOK, c.Replace(it))
	c.Remove(it)
	tassert.Equal(t, []byte("baz"), getValue(c, "foobar"))

	it = c.CreateItem([]byte("foobar"), []byte("qux"), 0)
	require.NotNil(t, it)
	tassert.Equal(t, AddExists, c.Add(it))
	c.Remove(it)
	tassert.Equal(t, []byte("baz"), getValue(c, "foobar"))

	it = c.CreateItem([]byte("baz"), []byte("qux"), 0)
	require.NotNil(t, it)
	tassert.Equal(t, ReplaceNotFound, c.Replace(it))
	tassert.Equal(t, AddOK, c.Add(it))
	c.Remove(it)
	tassert.Equal(t, []byte("qux"), getValue(c, "baz"))
	checkInvariants(t, c)
}

func TestDelete(t *testing.T) {
	c, _ := newTestCache(t, testConfig())

	storeValue(t, c, "k", []byte("v"))
	tassert.Equal(t, DeleteOK, c.Delete([]byte("k")))
	tassert.Nil(t, getValue(c, "k"))
	tassert.Equal(t, DeleteNotFound, c.Delete([]byte("k")))
	checkInvariants(t, c)
}

func TestDeleteWhileReferencedDefersFree(t *testing.T) {
	c, _ := newTestCache(t, testConfig())

	storeValue(t, c, "k", []byte("value"))
	it := c.Get([]byte("k"))
	require.NotNil(t, it)

	tassert.Equal(t, DeleteOK, c.Delete([]byte("k")))
	tassert.Nil(t, getValue(c, "k"))

	// The chunk must not be on the free queue while we hold the reference.
	tassert.Zero(t, c.classes[it.owner.id].nfreeq)
	tassert.Equal(t, []byte("value"), append([]byte(nil), it.Data()...))

	c.Remove(it)
	tassert.EqualValues(t, 1, c.classes[it.owner.id].nfreeq)
	checkInvariants(t, c)
}

func TestLazyExpiry(t *testing.T) {
	c, clock := newTestCache(t, testConfig())

	it := c.CreateItem([]byte("k"), []byte("v"), clock.sec+10)
	require.NotNil(t, it)
	c.Set(it)
	c.Remove(it)

	tassert.NotNil(t, getValue(c, "k"))

	clock.advance(10)
	tassert.Nil(t, getValue(c, "k"), "item must expire at its exptime")
	tassert.Zero(t, c.hash.nitem, "expired item must be unlinked on access")
	checkInvariants(t, c)
}

func TestOldestLive(t *testing.T) {
	cfg := testConfig()
	cfg.OldestLive = 5
	c, clock := newTestCache(t, cfg)

	storeValue(t, c, "k", []byte("v")) // atime = 1
	clock.advance(10)
	tassert.Nil(t, getValue(c, "k"), "items accessed before oldest_live are nuked")
	checkInvariants(t, c)
}

func TestCas(t *testing.T) {
	cfg := testConfig()
	cfg.UseCAS = true
	c, _ := newTestCache(t, cfg)

	storeValue(t, c, "k", []byte("v1"))
	it := c.Get([]byte("k"))
	require.NotNil(t, it)
	cas := it.Cas()
	require.NotZero(t, cas)
	c.Remove(it)

	// Matching cas swaps the value.
	nit := c.CreateItem([]byte("k"), []byte("v2"), 0)
	require.NotNil(t, nit)
	nit.SetCas(cas)
	tassert.Equal(t, CasOK, c.Cas(nit))
	c.Remove(nit)
	tassert.Equal(t, []byte("v2"), getValue(c, "k"))

	// The stored cas changed; the stale one must be rejected.
	nit = c.CreateItem([]byte("k"), []byte("v3"), 0)
	require.NotNil(t, nit)
	nit.SetCas(cas)
	tassert.Equal(t, CasExists, c.Cas(nit))
	c.Remove(nit)
	tassert.Equal(t, []byte("v2"), getValue(c, "k"))

	// Absent key.
	nit = c.CreateItem([]byte("missing"), []byte("v"), 0)
	require.NotNil(t, nit)
	tassert.Equal(t, CasNotFound, c.Cas(nit))
	c.Remove(nit)
	checkInvariants(t, c)
}

func TestBoundarySizes(t *testing.T) {
	c, _ := newTestCache(t, testConfig())

	// Largest value that still fits the biggest class unchained.
	max := c.MaxValueSize(1)
	require.EqualValues(t, 1024-itemHdrSize-1, max)

	storeValue(t, c, "k", fillValue(int(max), 'x'))
	it := c.Get([]byte("k"))
	require.NotNil(t, it)
	tassert.False(t, it.Chained())
	tassert.Equal(t, 1, it.NumNodes())
	c.Remove(it)

	// One byte more must chain into exactly two nodes.
	storeValue(t, c, "k", fillValue(int(max)+1, 'y'))
	it = c.Get([]byte("k"))
	require.NotNil(t, it)
	tassert.True(t, it.Chained())
	tassert.Equal(t, 2, it.NumNodes())
	tassert.Equal(t, fillValue(int(max)+1, 'y'), getValue(c, "k"))
	c.Remove(it)
	checkInvariants(t, c)
}

func TestDeltaInPlaceAndRealloc(t *testing.T) {
	c, _ := newTestCache(t, testConfig())

	storeValue(t, c, "n", []byte("99"))
	tassert.Equal(t, DeltaOK, c.Delta([]byte("n"), true, 1))
	tassert.Equal(t, []byte("100"), getValue(c, "n"))

	// Shrinking rewrite stays in place.
	tassert.Equal(t, DeltaOK, c.Delta([]byte("n"), false, 95))
	tassert.Equal(t, []byte("5"), getValue(c, "n"))

	// Decrement saturates at zero.
	tassert.Equal(t, DeltaOK, c.Delta([]byte("n"), false, 100))
	tassert.Equal(t, []byte("0"), getValue(c, "n"))
	checkInvariants(t, c)
}

func TestDeltaErrors(t *testing.T) {
	c, _ := newTestCache(t, testConfig())

	tassert.Equal(t, DeltaNotFound, c.Delta([]byte("nope"), true, 1))

	storeValue(t, c, "s", []byte("12a4"))
	tassert.Equal(t, DeltaNonNumeric, c.Delta([]byte("s"), true, 1))

	storeValue(t, c, "max", []byte("18446744073709551609"))
	tassert.Equal(t, DeltaOverflow, c.Delta([]byte("max"), true, 10))

	storeValue(t, c, "big", fillValue(1500, '1'))
	tassert.Equal(t, DeltaChained, c.Delta([]byte("big"), true, 1))

	// Whitespace around the digits is tolerated.
	storeValue(t, c, "ws", []byte("  42  "))
	tassert.Equal(t, DeltaOK, c.Delta([]byte("ws"), true, 8))
	tassert.Equal(t, []byte("50"), getValue(c, "ws"))
	checkInvariants(t, c)
}
