// Command slabcache-demo drives a Store interactively. Commands are
// whitespace separated, one per line:
//
//	ks <key> <val>        set key
//	ka <key> <val>        add key
//	kr <key> <val>        replace key
//	kg <key>              get key
//	kd <key>              delete key
//	va <key> <val>        append to value
//	vp <key> <val>        prepend to value
//	vi <key> <delta>      increment value
//	vd <key> <delta>      decrement value
//	si <key>              init zipmap
//	ss <key> <skey> <val> set zipmap entry
//	sa <key> <skey> <val> add zipmap entry
//	sr <key> <skey> <val> replace zipmap entry
//	sd <key> <skey>       delete zipmap entry
//	sg <key> <skey>       get zipmap entry
//	sl <key>              zipmap length
//	q                     quit
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/skipor/slabcache"
	"github.com/skipor/slabcache/log"
)

func main() {
	configPath := flag.String("config", "", "config file; a small built-in config is used when empty")
	levelName := flag.String("log-level", "WARN", "log level: DEBUG, INFO, WARN, ERROR, FATAL")
	flag.Parse()

	level, err := log.LevelFromString(strings.ToUpper(*levelName))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	l := log.NewLogger(level, os.Stderr)

	cfg := slabcache.Config{
		Prealloc: true,
		EvictLRU: true,
		UseFreeq: true,
		MaxBytes: 64 << 20,
		SlabSize: 1 << 20,
		Profile:  []uint32{128, 256, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536, 131072, 262144, 524288},
	}
	if *configPath != "" {
		cfg, err = slabcache.LoadConfig(*configPath)
		if err != nil {
			l.Fatalf("load config: %v", err)
		}
	}
	cfg.Logger = l

	store, err := slabcache.New(cfg)
	if err != nil {
		l.Fatalf("create store: %v", err)
	}

	d := demo{store: store, out: bufio.NewWriter(os.Stdout)}
	defer d.out.Flush()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "q" || fields[0] == "quit" {
			return
		}
		d.dispatch(fields[0], fields[1:])
		d.out.Flush()
	}
	if err := scanner.Err(); err != nil {
		l.Fatalf("read input: %v", err)
	}
}

type demo struct {
	store *slabcache.Store
	out   *bufio.Writer
}

func (d *demo) dispatch(cmd string, args []string) {
	ok := false
	switch cmd {
	case "ks", "ka", "kr", "va", "vp":
		ok = d.keyVal(cmd, args)
	case "kg", "kd", "si", "sl":
		ok = d.key(cmd, args)
	case "vi", "vd":
		ok = d.keyDelta(cmd, args)
	case "ss", "sa", "sr":
		ok = d.mapKeyVal(cmd, args)
	case "sd", "sg":
		ok = d.mapKey(cmd, args)
	default:
		fmt.Fprintf(d.out, "unknown command %q\n", cmd)
		return
	}
	if !ok {
		fmt.Fprintf(d.out, "usage error for %q\n", cmd)
	}
}

func (d *demo) keyVal(cmd string, args []string) bool {
	if len(args) != 2 {
		return false
	}
	key, val := []byte(args[0]), []byte(args[1])
	switch cmd {
	case "ks":
		if err := d.store.Set(key, val, 0); err != nil {
			fmt.Fprintf(d.out, "set failed: %v\n", err)
			return true
		}
		fmt.Fprintln(d.out, "stored")
	case "ka":
		res, err := d.store.Add(key, val, 0)
		d.report(res.String(), err)
	case "kr":
		res, err := d.store.Replace(key, val, 0)
		d.report(res.String(), err)
	case "va":
		res, err := d.store.Append(key, val)
		d.report(res.String(), err)
	case "vp":
		res, err := d.store.Prepend(key, val)
		d.report(res.String(), err)
	}
	return true
}

func (d *demo) key(cmd string, args []string) bool {
	if len(args) != 1 {
		return false
	}
	key := []byte(args[0])
	switch cmd {
	case "kg":
		val, found := d.store.Get(key)
		if !found {
			fmt.Fprintln(d.out, "not found")
			return true
		}
		fmt.Fprintf(d.out, "%s\n", val)
	case "kd":
		fmt.Fprintln(d.out, d.store.Delete(key))
	case "si":
		if err := d.store.MapInit(key); err != nil {
			fmt.Fprintf(d.out, "init failed: %v\n", err)
			return true
		}
		fmt.Fprintln(d.out, "initialized")
	case "sl":
		fmt.Fprintln(d.out, d.store.MapLen(key))
	}
	return true
}

func (d *demo) keyDelta(cmd string, args []string) bool {
	if len(args) != 2 {
		return false
	}
	delta, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return false
	}
	key := []byte(args[0])
	if cmd == "vi" {
		fmt.Fprintln(d.out, d.store.Incr(key, delta))
	} else {
		fmt.Fprintln(d.out, d.store.Decr(key, delta))
	}
	return true
}

func (d *demo) mapKeyVal(cmd string, args []string) bool {
	if len(args) != 3 {
		return false
	}
	pkey, skey, val := []byte(args[0]), []byte(args[1]), []byte(args[2])
	switch cmd {
	case "ss":
		fmt.Fprintln(d.out, d.store.MapSet(pkey, skey, val))
	case "sa":
		fmt.Fprintln(d.out, d.store.MapAdd(pkey, skey, val))
	case "sr":
		fmt.Fprintln(d.out, d.store.MapReplace(pkey, skey, val))
	}
	return true
}

func (d *demo) mapKey(cmd string, args []string) bool {
	if len(args) != 2 {
		return false
	}
	pkey, skey := []byte(args[0]), []byte(args[1])
	if cmd == "sd" {
		fmt.Fprintln(d.out, d.store.MapDelete(pkey, skey))
		return true
	}
	val, res := d.store.MapGet(pkey, skey)
	if res != 0 {
		fmt.Fprintln(d.out, res)
		return true
	}
	fmt.Fprintf(d.out, "%s\n", val)
	return true
}

func (d *demo) report(res string, err error) {
	if err != nil {
		fmt.Fprintf(d.out, "error: %v\n", err)
		return
	}
	fmt.Fprintln(d.out, res)
}
