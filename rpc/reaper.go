// Reaper implements the deferred-free pass named throughout spec §4.6 and
// §5: an RPC is unlinked from lookup structures and moved to a dead list
// immediately, but its frame buffers are only released later, in bounded
// batches, so that a burst of RPC completions doesn't stall whichever
// goroutine happens to trigger the reap.
//
// This is the same "swap out what's left over, a bounded amount per
// pass" shape as the teacher's cache.Cache: Cache.EndCycle swaps its
// current/previous maps and hands back whatever aged out of the previous
// round for the caller to clean up, rather than scanning and deleting
// eagerly as each connection is touched. Reaper keeps a single FIFO queue
// instead of two generations, because RPCs become reapable at arbitrary
// times rather than in lockstep rounds, but the governing idea - defer
// the expensive part and bound how much of it happens per call - is the
// same one.
package rpc

import "sync"

// Reaper holds RPCs that have been unlinked from a socket's lookup tables
// but not yet had their buffers released.
type Reaper struct {
	mu    sync.Mutex
	queue []*RPC
}

// NewReaper creates an empty reaper.
func NewReaper() *Reaper {
	return &Reaper{}
}

// Enqueue marks rpc as dead and eligible for a future Drain.
func (re *Reaper) Enqueue(r *RPC) {
	re.mu.Lock()
	defer re.mu.Unlock()
	re.queue = append(re.queue, r)
}

// Pending returns the number of RPCs waiting to be reaped. Used by
// metrics and by the invariant check that dead-list size equals the
// number of freed-but-not-reaped RPCs (spec §8 invariant 7).
func (re *Reaper) Pending() int {
	re.mu.Lock()
	defer re.mu.Unlock()
	return len(re.queue)
}

// Drain releases up to maxBatch RPCs' frame buffers and returns them, so
// the caller can finish removing them from any remaining hash-table
// entries. Bounding the batch size (the spec suggests 64) keeps a single
// reap pass from spiking tail latency on whichever goroutine calls it.
func (re *Reaper) Drain(maxBatch int) []*RPC {
	re.mu.Lock()
	n := len(re.queue)
	if n > maxBatch {
		n = maxBatch
	}
	batch := re.queue[:n]
	re.queue = re.queue[n:]
	re.mu.Unlock()

	for _, r := range batch {
		r.Release()
	}
	return batch
}
