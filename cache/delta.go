package cache

import "strconv"

// incrMaxStorageLen bounds the decimal representation of an uint64.
const incrMaxStorageLen = 20

// Delta applies an increment or decrement to the decimal value stored under
// key. Decrements saturate at zero; increments past the uint64 range report
// overflow. Chained values are not supported.
func (c *Cache) Delta(key []byte, incr bool, delta uint64) DeltaResult {
	it := c.itemGet(key)
	if it == nil {
		return DeltaNotFound
	}

	if it.Chained() {
		c.Remove(it)
		return DeltaChained
	}

	value, ok := parseUint(it.Data())
	if !ok {
		c.Remove(it)
		return DeltaNonNumeric
	}

	if incr {
		if delta > maxUint64-value {
			c.Remove(it)
			return DeltaOverflow
		}
		value += delta
	} else if delta > value {
		value = 0
	} else {
		value -= delta
	}

	buf := strconv.AppendUint(make([]byte, 0, incrMaxStorageLen), value, 10)
	if uint32(len(buf)) > it.nbyte {
		// The longer representation needs a chunk of a bigger class.
		nit := c.itemAlloc(it.Key(), it.exptime, uint32(len(buf)))
		if nit == nil {
			c.Remove(it)
			return DeltaNoMemory
		}
		copy(nit.Data(), buf)
		c.itemRelink(it, nit)
		c.Remove(it)
		c.Remove(nit)
		return DeltaOK
	}

	// Rewrite in place. The value may shrink; the cas must change since the
	// item is reused rather than replaced.
	it.setCas(c.nextCas())
	if it.isRaligned() {
		it.normalize()
	}
	copy(it.Data(), buf)
	it.nbyte = uint32(len(buf))
	c.Remove(it)
	return DeltaOK
}

const maxUint64 = ^uint64(0)

// parseUint parses a decimal unsigned integer allowing surrounding spaces,
// mirroring the permissive historical parser.
func parseUint(b []byte) (uint64, bool) {
	i, n := 0, len(b)
	for i < n && isSpace(b[i]) {
		i++
	}
	var out uint64
	digits := 0
	for ; i < n && b[i] >= '0' && b[i] <= '9'; i++ {
		if out >= maxUint64/10 {
			return 0, false
		}
		out = out*10 + uint64(b[i]-'0')
		digits++
	}
	for i < n && isSpace(b[i]) {
		i++
	}
	if i != n || digits == 0 {
		return 0, false
	}
	return out, true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\v' || c == '\f' || c == '\r'
}
