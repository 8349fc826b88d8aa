package rpcid_test

import (
	"sync"
	"testing"

	"github.com/m-lab/homa/rpcid"
)

func TestNextIsMonotonicAndUnique(t *testing.T) {
	g := rpcid.NewSeeded(0)
	seen := make(map[uint64]bool)
	var last uint64
	for i := 0; i < 1000; i++ {
		id := g.Next()
		if id <= last {
			t.Fatalf("id %d not greater than previous %d", id, last)
		}
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
		last = id
	}
}

func TestNextConcurrentUseProducesNoDuplicates(t *testing.T) {
	g := rpcid.NewSeeded(0)
	const goroutines, perGoroutine = 16, 200
	ids := make(chan uint64, goroutines*perGoroutine)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				ids <- g.Next()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool, goroutines*perGoroutine)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d under concurrent use", id)
		}
		seen[id] = true
	}
}
