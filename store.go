// Package slabcache is a bounded in-memory cache built on a slab allocator:
// fixed-size slabs carved into size-classed chunks, LRU or random slab
// eviction, chained items for values larger than one chunk, and a compact
// secondary map (zipmap) encoded inside item payloads.
//
// Store is the byte-level convenience surface; package cache exposes the
// engine itself for callers that want to manage item references directly.
// Neither is safe for concurrent use; wrap a Store in a mutex to share it.
package slabcache

import (
	"errors"
	"time"

	"github.com/facebookgo/stackerr"

	"github.com/skipor/slabcache/cache"
)

// Config is the engine configuration.
type Config = cache.Config

// ErrNoMemory is returned when an allocation fails even after eviction.
var ErrNoMemory = errors.New("slabcache: out of memory")

// Store wraps the engine with operations on plain byte values.
type Store struct {
	c *cache.Cache
}

// New builds a Store. Configuration errors are fatal here, never at runtime.
func New(cfg Config) (*Store, error) {
	c, err := cache.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{c: c}, nil
}

// Cache exposes the underlying engine.
func (s *Store) Cache() *cache.Cache { return s.c }

// exptime converts a ttl to the engine's relative expiry time; zero and
// negative ttls mean no expiry.
func (s *Store) exptime(ttl time.Duration) uint32 {
	if ttl <= 0 {
		return 0
	}
	secs := uint32(ttl / time.Second)
	if secs == 0 {
		secs = 1
	}
	return s.c.NowSec() + secs
}

// Set stores val under key, replacing any existing value.
func (s *Store) Set(key, val []byte, ttl time.Duration) error {
	it := s.c.CreateItem(key, val, s.exptime(ttl))
	if it == nil {
		return stackerr.Wrap(ErrNoMemory)
	}
	s.c.Set(it)
	s.c.Remove(it)
	return nil
}

// Add stores val under key only when the key is absent.
func (s *Store) Add(key, val []byte, ttl time.Duration) (cache.AddResult, error) {
	it := s.c.CreateItem(key, val, s.exptime(ttl))
	if it == nil {
		return 0, stackerr.Wrap(ErrNoMemory)
	}
	res := s.c.Add(it)
	s.c.Remove(it)
	return res, nil
}

// Replace stores val under key only when the key is present.
func (s *Store) Replace(key, val []byte, ttl time.Duration) (cache.ReplaceResult, error) {
	it := s.c.CreateItem(key, val, s.exptime(ttl))
	if it == nil {
		return 0, stackerr.Wrap(ErrNoMemory)
	}
	res := s.c.Replace(it)
	s.c.Remove(it)
	return res, nil
}

// CompareAndSwap stores val only when the stored item's cas matches the
// supplied one. Requires UseCAS.
func (s *Store) CompareAndSwap(key, val []byte, cas uint64, ttl time.Duration) (cache.CasResult, error) {
	it := s.c.CreateItem(key, val, s.exptime(ttl))
	if it == nil {
		return 0, stackerr.Wrap(ErrNoMemory)
	}
	it.SetCas(cas)
	res := s.c.Cas(it)
	s.c.Remove(it)
	return res, nil
}

// Get copies the value stored under key into a fresh buffer, joining chain
// nodes. The second return is false on a miss.
func (s *Store) Get(key []byte) ([]byte, bool) {
	it := s.c.Get(key)
	if it == nil {
		return nil, false
	}
	buf := make([]byte, 0, it.TotalNbyte())
	for node := it; node != nil; node = node.Next() {
		buf = append(buf, node.Data()...)
	}
	s.c.Remove(it)
	return buf, true
}

// GetCas returns the value and its cas stamp.
func (s *Store) GetCas(key []byte) ([]byte, uint64, bool) {
	it := s.c.Get(key)
	if it == nil {
		return nil, 0, false
	}
	buf := make([]byte, 0, it.TotalNbyte())
	for node := it; node != nil; node = node.Next() {
		buf = append(buf, node.Data()...)
	}
	cas := it.Cas()
	s.c.Remove(it)
	return buf, cas, true
}

// GetInto copies up to len(buf) value bytes starting at offset. It returns
// the byte count copied and whether the key was found.
func (s *Store) GetInto(key, buf []byte, offset uint64) (int, bool) {
	it := s.c.Get(key)
	if it == nil {
		return 0, false
	}
	defer s.c.Remove(it)

	node := it
	for node != nil && offset >= uint64(len(node.Data())) {
		offset -= uint64(len(node.Data()))
		node = node.Next()
	}
	copied := 0
	for ; node != nil && copied < len(buf); node = node.Next() {
		copied += copy(buf[copied:], node.Data()[int(offset):])
		offset = 0
	}
	return copied, true
}

// View is a zero-copy window onto a stored value. The item stays referenced
// (so pinned against eviction) until Close.
type View struct {
	store *Store
	item  *cache.Item
}

// GetView returns per-node views of the value. The caller must Close it.
func (s *Store) GetView(key []byte) (View, bool) {
	it := s.c.Get(key)
	if it == nil {
		return View{}, false
	}
	return View{store: s, item: it}, true
}

// Segments returns the value bytes node by node, in order, without copying.
func (v View) Segments() [][]byte {
	segs := make([][]byte, 0, v.item.NumNodes())
	for node := v.item; node != nil; node = node.Next() {
		segs = append(segs, node.Data())
	}
	return segs
}

// Size returns the logical value length.
func (v View) Size() uint64 { return v.item.TotalNbyte() }

// Close releases the reference pinning the value.
func (v View) Close() { v.store.c.Remove(v.item) }

// Append concatenates val after the stored value.
func (s *Store) Append(key, val []byte) (cache.AnnexResult, error) {
	return s.annex(key, val, s.c.Append)
}

// Prepend concatenates val before the stored value.
func (s *Store) Prepend(key, val []byte) (cache.AnnexResult, error) {
	return s.annex(key, val, s.c.Prepend)
}

func (s *Store) annex(key, val []byte, op func(*cache.Item) cache.AnnexResult) (cache.AnnexResult, error) {
	it := s.c.CreateItem(key, val, 0)
	if it == nil {
		return 0, stackerr.Wrap(ErrNoMemory)
	}
	res := op(it)
	s.c.Remove(it)
	if res == cache.AnnexNoMemory {
		return res, stackerr.Wrap(ErrNoMemory)
	}
	return res, nil
}

// Incr increments the decimal value stored under key.
func (s *Store) Incr(key []byte, delta uint64) cache.DeltaResult {
	return s.c.Delta(key, true, delta)
}

// Decr decrements the decimal value stored under key, saturating at zero.
func (s *Store) Decr(key []byte, delta uint64) cache.DeltaResult {
	return s.c.Delta(key, false, delta)
}

// Delete removes the value stored under key.
func (s *Store) Delete(key []byte) cache.DeleteResult {
	return s.c.Delete(key)
}

// ValueSize returns the logical length of the stored value.
func (s *Store) ValueSize(key []byte) (uint64, bool) {
	it := s.c.Get(key)
	if it == nil {
		return 0, false
	}
	n := it.TotalNbyte()
	s.c.Remove(it)
	return n, true
}

// NumNodes returns how many chunks the stored value spans.
func (s *Store) NumNodes(key []byte) (int, bool) {
	it := s.c.Get(key)
	if it == nil {
		return 0, false
	}
	n := it.NumNodes()
	s.c.Remove(it)
	return n, true
}

// Zipmap operations. Returned byte slices borrow from slab memory and are
// only valid until the next call into the store.

func (s *Store) MapInit(pkey []byte) error {
	if !s.c.ZmapInit(pkey) {
		return stackerr.Wrap(ErrNoMemory)
	}
	return nil
}

func (s *Store) MapSet(pkey, skey, val []byte) cache.ZmapSetResult {
	return s.c.ZmapSet(pkey, skey, val)
}

func (s *Store) MapSetNumeric(pkey, skey []byte, val int64) cache.ZmapSetResult {
	return s.c.ZmapSetNumeric(pkey, skey, val)
}

func (s *Store) MapSetMultiple(pkey []byte, pairs []cache.KeyValPair) cache.ZmapSetResult {
	return s.c.ZmapSetMultiple(pkey, pairs)
}

func (s *Store) MapSetMultipleNumeric(pkey []byte, pairs []cache.KeyNumericPair) cache.ZmapSetResult {
	return s.c.ZmapSetMultipleNumeric(pkey, pairs)
}

func (s *Store) MapAdd(pkey, skey, val []byte) cache.ZmapAddResult {
	return s.c.ZmapAdd(pkey, skey, val)
}

func (s *Store) MapAddNumeric(pkey, skey []byte, val int64) cache.ZmapAddResult {
	return s.c.ZmapAddNumeric(pkey, skey, val)
}

func (s *Store) MapReplace(pkey, skey, val []byte) cache.ZmapReplaceResult {
	return s.c.ZmapReplace(pkey, skey, val)
}

func (s *Store) MapReplaceNumeric(pkey, skey []byte, val int64) cache.ZmapReplaceResult {
	return s.c.ZmapReplaceNumeric(pkey, skey, val)
}

func (s *Store) MapDelete(pkey, skey []byte) cache.ZmapDeleteResult {
	return s.c.ZmapDelete(pkey, skey)
}

func (s *Store) MapGet(pkey, skey []byte) ([]byte, cache.ZmapGetResult) {
	return s.c.ZmapGet(pkey, skey)
}

func (s *Store) MapExists(pkey, skey []byte) cache.ZmapExistsResult {
	return s.c.ZmapExists(pkey, skey)
}

func (s *Store) MapLen(pkey []byte) int32 {
	return s.c.ZmapLen(pkey)
}

func (s *Store) MapDelta(pkey, skey []byte, delta int64) cache.ZmapDeltaResult {
	return s.c.ZmapDelta(pkey, skey, delta)
}

func (s *Store) MapGetAll(pkey []byte) ([]cache.KeyValPair, bool) {
	return s.c.ZmapGetAll(pkey)
}

func (s *Store) MapGetKeys(pkey []byte) ([][]byte, bool) {
	return s.c.ZmapGetKeys(pkey)
}

func (s *Store) MapGetVals(pkey []byte) ([][]byte, bool) {
	return s.c.ZmapGetVals(pkey)
}

func (s *Store) MapGetMultiple(pkey []byte, skeys [][]byte) ([][]byte, bool) {
	return s.c.ZmapGetMultiple(pkey, skeys)
}
