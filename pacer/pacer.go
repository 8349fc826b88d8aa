// Package pacer implements Homa's link-rate pacer: the component that
// decides when the transport may hand another segment to the NIC, so
// that a burst of ready messages does not overrun the NIC's own
// transmit queue and inflate tail latency (spec §4.9).
package pacer

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-lab/homa/config"
	"github.com/m-lab/homa/message"
	"github.com/m-lab/homa/metrics"
	"github.com/m-lab/homa/rpc"
)

// NICQueue reports how many bytes are presently queued for transmission
// on the NIC, the host fact the pacer uses to decide whether sending more
// right now would build an excessive queue (spec §4.9: "check_nic_queue").
// rawsock.Host satisfies this interface on the hosts that implement it;
// tests provide a fake.
type NICQueue interface {
	QueuedBytes() int
}

// Sender transmits one already-selected data segment for r.
type Sender func(r *rpc.RPC, f message.Frame)

// Pacer holds the throttled-RPC list: messages with data ready to send
// that have been held back because the NIC queue was judged full enough
// to risk latency inflation (spec §3 "Throttled list (pacer FIFO by
// priority)", §4.9).
type Pacer struct {
	mu        sync.Mutex
	throttled *list.List // of *rpc.RPC, highest priority first, FIFO within a priority

	running atomic.Bool // pacer_active: only one goroutine runs the send loop at a time

	nic NICQueue
}

// New creates an empty pacer backed by nic for queue-depth checks.
func New(nic NICQueue) *Pacer {
	return &Pacer{
		throttled: list.New(),
		nic:       nic,
	}
}

// Bypass reports whether a segment of length bytes is small enough to
// skip the throttled list entirely and go straight to the NIC (spec
// §4.9: "packets below throttle_min_bytes bypass the pacer, since
// throttling them would cost more in scheduling overhead than it saves
// in queue depth").
func Bypass(length int, cfg *config.Config) bool {
	return length < cfg.ThrottleMinBytes
}

// Enqueue adds r to the throttled list if it is not already a member,
// ordered after every RPC of equal or higher priority (spec §4.9's
// "FIFO by priority").
func (p *Pacer) Enqueue(r *rpc.RPC, priority int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r.ThrottledElem != nil {
		return
	}
	for e := p.throttled.Back(); e != nil; e = e.Prev() {
		if e.Value.(*throttledEntry).priority >= priority {
			r.ThrottledElem = p.throttled.InsertAfter(&throttledEntry{r, priority}, e)
			return
		}
	}
	r.ThrottledElem = p.throttled.PushFront(&throttledEntry{r, priority})
}

type throttledEntry struct {
	r        *rpc.RPC
	priority int
}

// remove unlinks r from the throttled list, if present. Caller holds p.mu.
func (p *Pacer) remove(r *rpc.RPC) {
	if r.ThrottledElem != nil {
		p.throttled.Remove(r.ThrottledElem)
		r.ThrottledElem = nil
	}
}

// Len reports how many RPCs are currently throttled.
func (p *Pacer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.throttled.Len()
}

// TryActivate claims the single pacer-runner slot (spec §4.9:
// "pacer_active ensures only one thread runs the pacer loop; everyone
// else just enqueues and returns"). It returns false if another caller
// is already running the loop.
func (p *Pacer) TryActivate() bool {
	return p.running.CompareAndSwap(false, true)
}

// Deactivate releases the pacer-runner slot.
func (p *Pacer) Deactivate() {
	p.running.Store(false)
}

// Run drains the throttled list, highest priority first, handing
// segments to send as long as the estimated time to drain the NIC's
// current queue stays under cfg.MaxNICQueue (spec §4.9: "check_nic_queue
// ... bounds queue depth in time, not bytes, since time is what actually
// costs latency"). The caller must have won TryActivate and must call
// Deactivate when Run returns; homa.Transport's timer loop does exactly
// that, with no further re-check.
func (p *Pacer) Run(cfg *config.Config, send Sender) {
	for {
		queued := 0
		if p.nic != nil {
			queued = p.nic.QueuedBytes()
		}
		idle := IdleEstimate(cfg, queued)
		metrics.NICQueueIdleEstimate.Observe(idle.Seconds())
		if idle >= cfg.MaxNICQueue {
			return
		}

		p.mu.Lock()
		metrics.PacerQueueDepth.Observe(float64(p.throttled.Len()))
		front := p.throttled.Front()
		if front == nil {
			p.mu.Unlock()
			return
		}
		entry := front.Value.(*throttledEntry)
		r := entry.r
		p.mu.Unlock()

		frame, ok, more := r.PopSendableFrame()
		done := !more

		if !ok {
			p.mu.Lock()
			p.remove(r)
			p.mu.Unlock()
			continue
		}

		send(r, frame)

		if done {
			p.mu.Lock()
			p.remove(r)
			p.mu.Unlock()
		}
	}
}

// IdleEstimate returns how long the link is expected to stay busy
// transmitting queued bytes at cfg.LinkMbps, the "link_idle_time"
// estimator spec §4.9 uses to avoid polling the NIC on every packet.
func IdleEstimate(cfg *config.Config, queuedBytes int) time.Duration {
	if cfg.LinkMbps <= 0 {
		return 0
	}
	bitsPerSec := float64(cfg.LinkMbps) * 1e6
	seconds := float64(queuedBytes*8) / bitsPerSec
	return time.Duration(seconds * float64(time.Second))
}
