package rpc

import "sync"

// waiter is the "waiting-thread record" named in spec §3: at most one
// goroutine blocks on a given RPC's completion at a time. It is
// deliberately small and channel-based rather than a sync.Cond, the way
// the teacher's eventsocket.Server notifies a small set of subscribers by
// closing over a channel per client rather than broadcasting on a
// condition variable.
type waiter struct {
	mu        sync.Mutex
	ch        chan struct{}
	rpcDeleted bool
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan struct{})}
}

// wait blocks until notify or markDeleted is called. It returns whether
// the RPC was deleted out from under the waiter (cancelled) as opposed to
// delivered normally.
func (w *waiter) wait() (deleted bool) {
	<-w.ch
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rpcDeleted
}

// channel exposes the underlying channel for use in a select alongside a
// context's Done channel, so callers can support interruptible waits
// (spec §5: "waiting for a message to become READY, interruptible by
// signal").
func (w *waiter) channel() <-chan struct{} {
	return w.ch
}

func (w *waiter) notify() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.ch:
		// already notified/closed
	default:
		close(w.ch)
	}
}

func (w *waiter) markDeleted() {
	w.mu.Lock()
	w.rpcDeleted = true
	w.mu.Unlock()
	w.notify()
}
