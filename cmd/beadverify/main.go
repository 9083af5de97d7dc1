// beadverify opens a bead directory, verifies the hash chain, and
// prints per-type counts. It exits non-zero on any integrity failure.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"

	"main/internal/bead"
)

func main() {
	dir := flag.String("dir", "", "Bead directory to verify")
	prefix := flag.String("prefix", "", "Segment file prefix (default: beads)")
	flag.Parse()

	if *dir == "" {
		log.Printf("beadverify: missing -dir")
		os.Exit(2)
	}

	store, err := bead.Open(bead.Config{Dir: *dir, FilePrefix: *prefix})
	if err != nil {
		log.Printf("beadverify: open %s: %v", *dir, err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	if err := store.VerifyChain(); err != nil {
		log.Printf("beadverify: INTEGRITY FAILURE: %v", err)
		os.Exit(1)
	}

	counts := make(map[string]int)
	for _, b := range store.All() {
		counts[b.Type.String()]++
	}
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)

	fmt.Printf("chain ok: %d beads\n", store.Len())
	for _, t := range types {
		fmt.Printf("  %-22s %d\n", t, counts[t])
	}
	if head, ok := store.Head(); ok {
		fmt.Printf("head: %s (%s)\n", head.ID, head.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"))
	}
}
