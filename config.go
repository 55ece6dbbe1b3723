package slabcache

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/units"
	"github.com/facebookgo/stackerr"
)

// LoadConfig reads the line-oriented config-file format:
//
//	# comment
//	prealloc 1
//	evict_lru 1
//	use_freeq 1
//	use_cas 0
//	maxbytes 64MB
//	slab_size 1MiB
//	hash_power 16
//	profile 128 256 512 1024 2048 4096
//	profile_last_id 6
//	oldest_live 6000
//
// Byte sizes accept either plain integers or base-2 suffixes (KB, MB, KiB,
// MiB, ...). prealloc, evict_lru and use_freeq default to on.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, stackerr.Wrap(err)
	}
	defer f.Close()
	return ParseConfig(f)
}

// ParseConfig parses the config-file format from r.
func ParseConfig(r io.Reader) (Config, error) {
	cfg := Config{
		Prealloc: true,
		EvictLRU: true,
		UseFreeq: true,
	}
	var (
		haveMaxbytes bool
		haveSlabSize bool
		profileLast  = -1
	)

	scanner := bufio.NewScanner(r)
	linenum := 0
	for scanner.Scan() {
		linenum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		name, args := fields[0], fields[1:]
		if len(args) == 0 {
			return Config{}, stackerr.Newf("line %d: option %q without a value", linenum, name)
		}

		var err error
		switch name {
		case "prealloc":
			cfg.Prealloc, err = parseBool(args[0])
		case "evict_lru":
			cfg.EvictLRU, err = parseBool(args[0])
		case "use_freeq":
			cfg.UseFreeq, err = parseBool(args[0])
		case "use_cas":
			cfg.UseCAS, err = parseBool(args[0])
		case "maxbytes":
			cfg.MaxBytes, err = parseBytes(args[0])
			haveMaxbytes = err == nil
		case "slab_size":
			var n uint64
			n, err = parseBytes(args[0])
			if err == nil && n > 1<<32-1 {
				err = stackerr.Newf("slab_size %d too large", n)
			}
			cfg.SlabSize = uint32(n)
			haveSlabSize = err == nil
		case "hash_power":
			var n uint64
			n, err = strconv.ParseUint(args[0], 10, 8)
			cfg.HashPower = uint8(n)
		case "profile":
			cfg.Profile = cfg.Profile[:0]
			for _, arg := range args {
				var n uint64
				if n, err = parseBytes(arg); err != nil {
					break
				}
				cfg.Profile = append(cfg.Profile, uint32(n))
			}
		case "profile_last_id":
			var n uint64
			n, err = strconv.ParseUint(args[0], 10, 8)
			profileLast = int(n)
		case "oldest_live":
			var n uint64
			n, err = strconv.ParseUint(args[0], 10, 32)
			cfg.OldestLive = uint32(n)
		default:
			return Config{}, stackerr.Newf("line %d: unknown option %q", linenum, name)
		}
		if err != nil {
			return Config{}, stackerr.Newf("line %d: option %q: %v", linenum, name, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return Config{}, stackerr.Wrap(err)
	}

	if !haveMaxbytes {
		return Config{}, stackerr.New("required option maxbytes missing")
	}
	if !haveSlabSize {
		return Config{}, stackerr.New("required option slab_size missing")
	}
	if len(cfg.Profile) == 0 {
		return Config{}, stackerr.New("required option profile missing")
	}
	if profileLast >= 0 {
		if profileLast == 0 || profileLast > len(cfg.Profile) {
			return Config{}, stackerr.Newf("profile_last_id %d out of range for %d classes",
				profileLast, len(cfg.Profile))
		}
		cfg.Profile = cfg.Profile[:profileLast]
	}
	return cfg, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, stackerr.Newf("invalid bool %q", s)
}

// parseBytes accepts a plain integer or a human-readable base-2 size.
func parseBytes(s string) (uint64, error) {
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, nil
	}
	n, err := units.ParseBase2Bytes(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, stackerr.Newf("negative size %q", s)
	}
	return uint64(n), nil
}
