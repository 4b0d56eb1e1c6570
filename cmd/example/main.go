package main

import (
	"fmt"
	"os"

	"example.com/lsmkv/pkg/lsm"
)

func main() {
	dir := "./data"
	_ = os.MkdirAll(dir, 0o755)

	db, err := lsm.Open(lsm.Config{DataDir: dir})
	if err != nil {
		panic(err)
	}

	// Point writes, overwrites, and a delete.
	_ = db.Put([]byte("a"), []byte("1"))
	_ = db.Put([]byte("b"), []byte("2"))
	_ = db.Put([]byte("a"), []byte("3"))
	_ = db.Delete([]byte("b"))

	val, ok, _ := db.Get([]byte("a"))
	fmt.Printf("Get(a) => ok=%v val=%s\n", ok, val)
	_, ok, _ = db.Get([]byte("b"))
	fmt.Printf("Get(b) => ok=%v (deleted)\n", ok)

	// Persist the memtable as a sorted run, then write more on top.
	if err := db.Flush(); err != nil {
		panic(err)
	}
	for i := 0; i < 5; i++ {
		k := fmt.Sprintf("k%02d", i)
		_ = db.Put([]byte(k), []byte(fmt.Sprintf("v%d", i)))
	}
	_ = db.Flush()
	fmt.Printf("runs after two flushes: %d\n", db.Stats().RunCount)

	// Collapse everything into a single run.
	if err := db.Compact(); err != nil {
		panic(err)
	}
	fmt.Printf("runs after compaction:  %d\n", db.Stats().RunCount)

	// Range scan over the merged view; tombstones never surface.
	it, err := db.Scan(nil, nil)
	if err != nil {
		panic(err)
	}
	for ; it.Valid(); it.Next() {
		e := it.Entry()
		fmt.Printf("scan: %s = %s\n", e.Key, e.Value)
	}
	_ = it.Close()

	if err := db.Close(); err != nil {
		panic(err)
	}
}
