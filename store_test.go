package slabcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skipor/slabcache/cache"
)

type manualClock struct {
	sec uint32
}

func (m *manualClock) NowSec() uint32 { return m.sec }

func newTestStore(t *testing.T) (*Store, *manualClock) {
	t.Helper()
	clock := &manualClock{sec: 1}
	s, err := New(Config{
		Prealloc: true,
		EvictLRU: true,
		UseFreeq: true,
		MaxBytes: 16 * 1056,
		SlabSize: 1056,
		Profile:  []uint32{128, 256, 512, 1024},
		Clock:    clock,
		Seed:     1,
	})
	require.NoError(t, err)
	return s, clock
}

func TestStoreSetGetDelete(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Set([]byte("foo"), []byte("bar"), 0))
	val, found := s.Get([]byte("foo"))
	require.True(t, found)
	assert.Equal(t, []byte("bar"), val)

	assert.Equal(t, cache.DeleteOK, s.Delete([]byte("foo")))
	_, found = s.Get([]byte("foo"))
	assert.False(t, found)
}

func TestStoreTTL(t *testing.T) {
	s, clock := newTestStore(t)

	require.NoError(t, s.Set([]byte("k"), []byte("v"), 30*time.Second))
	_, found := s.Get([]byte("k"))
	require.True(t, found)

	clock.sec += 31
	_, found = s.Get([]byte("k"))
	assert.False(t, found, "value must expire after its ttl")
}

func TestStoreAddReplace(t *testing.T) {
	s, _ := newTestStore(t)

	res, err := s.Add([]byte("k"), []byte("v1"), 0)
	require.NoError(t, err)
	require.Equal(t, cache.AddOK, res)

	res, err = s.Add([]byte("k"), []byte("v2"), 0)
	require.NoError(t, err)
	assert.Equal(t, cache.AddExists, res)

	rres, err := s.Replace([]byte("k"), []byte("v3"), 0)
	require.NoError(t, err)
	assert.Equal(t, cache.ReplaceOK, rres)

	val, _ := s.Get([]byte("k"))
	assert.Equal(t, []byte("v3"), val)
}

func TestStoreCompareAndSwap(t *testing.T) {
	clock := &manualClock{sec: 1}
	s, err := New(Config{
		Prealloc: true,
		EvictLRU: true,
		UseFreeq: true,
		UseCAS:   true,
		MaxBytes: 16 * 1056,
		SlabSize: 1056,
		Profile:  []uint32{128, 256, 512, 1024},
		Clock:    clock,
	})
	require.NoError(t, err)

	require.NoError(t, s.Set([]byte("k"), []byte("v1"), 0))
	_, cas, found := s.GetCas([]byte("k"))
	require.True(t, found)
	require.NotZero(t, cas)

	res, err := s.CompareAndSwap([]byte("k"), []byte("v2"), cas, 0)
	require.NoError(t, err)
	require.Equal(t, cache.CasOK, res)

	res, err = s.CompareAndSwap([]byte("k"), []byte("v3"), cas, 0)
	require.NoError(t, err)
	assert.Equal(t, cache.CasExists, res)

	val, _ := s.Get([]byte("k"))
	assert.Equal(t, []byte("v2"), val)
}

func TestStoreAnnexAndCounters(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Set([]byte("k"), []byte("bc"), 0))
	res, err := s.Append([]byte("k"), []byte("d"))
	require.NoError(t, err)
	require.Equal(t, cache.AnnexOK, res)
	res, err = s.Prepend([]byte("k"), []byte("a"))
	require.NoError(t, err)
	require.Equal(t, cache.AnnexOK, res)

	val, _ := s.Get([]byte("k"))
	assert.Equal(t, []byte("abcd"), val)

	require.NoError(t, s.Set([]byte("n"), []byte("10"), 0))
	require.Equal(t, cache.DeltaOK, s.Incr([]byte("n"), 5))
	require.Equal(t, cache.DeltaOK, s.Decr([]byte("n"), 3))
	val, _ = s.Get([]byte("n"))
	assert.Equal(t, []byte("12"), val)
}

func TestStoreChainedValueAccess(t *testing.T) {
	s, _ := newTestStore(t)

	val := make([]byte, 2000)
	for i := range val {
		val[i] = byte(i)
	}
	require.NoError(t, s.Set([]byte("big"), val, 0))

	got, found := s.Get([]byte("big"))
	require.True(t, found)
	assert.Equal(t, val, got)

	size, found := s.ValueSize([]byte("big"))
	require.True(t, found)
	assert.EqualValues(t, 2000, size)

	nodes, found := s.NumNodes([]byte("big"))
	require.True(t, found)
	assert.Greater(t, nodes, 1)

	// Zero copy view over all nodes.
	view, found := s.GetView([]byte("big"))
	require.True(t, found)
	joined := make([]byte, 0, view.Size())
	for _, seg := range view.Segments() {
		joined = append(joined, seg...)
	}
	assert.Equal(t, val, joined)
	view.Close()

	// Windowed copy across a node boundary.
	buf := make([]byte, 100)
	n, found := s.GetInto([]byte("big"), buf, 950)
	require.True(t, found)
	require.Equal(t, 100, n)
	assert.Equal(t, val[950:1050], buf)
}

func TestStoreZipmap(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.MapInit([]byte("m")))
	require.Equal(t, cache.ZmapSetOK, s.MapSet([]byte("m"), []byte("a"), []byte("1")))
	require.Equal(t, cache.ZmapSetOK, s.MapSet([]byte("m"), []byte("b"), []byte("2")))
	assert.EqualValues(t, 2, s.MapLen([]byte("m")))

	val, res := s.MapGet([]byte("m"), []byte("a"))
	require.Equal(t, cache.ZmapGetOK, res)
	assert.Equal(t, []byte("1"), val)

	require.Equal(t, cache.ZmapSetOK, s.MapSetNumeric([]byte("m"), []byte("n"), 7))
	require.Equal(t, cache.ZmapDeltaOK, s.MapDelta([]byte("m"), []byte("n"), 3))

	all, found := s.MapGetAll([]byte("m"))
	require.True(t, found)
	assert.Len(t, all, 3)

	require.Equal(t, cache.ZmapDeleteOK, s.MapDelete([]byte("m"), []byte("a")))
	assert.EqualValues(t, 2, s.MapLen([]byte("m")))
}
