// Package peer implements Homa's peer table: address -> Peer record,
// created lazily and never removed for the lifetime of the process.
//
// The never-remove policy mirrors the teacher's Cache in spirit (a map
// that readers and a single mutating loop share) but for a different
// reason: Peer pointers are handed out to many RPCs across many
// goroutines, and a route cached on a Peer must stay valid for the
// lifetime of any RPC holding a reference to it. Removing entries would
// require reference counting or an RCU-style deferred reclamation scheme
// on every read; never removing sidesteps that entirely, at the cost of
// unbounded (but slow-growing, one-per-ever-contacted-address) memory.
package peer

import (
	"net/netip"
	"sync"
	"time"

	"github.com/m-lab/homa/config"
)

// Peer holds the per-destination state the sender and receiver consult on
// every packet to or from one address (spec §3).
type Peer struct {
	Addr netip.Addr

	mu                sync.Mutex
	cutoffs           [config.NumPriorities]int32
	cutoffVersion      uint32
	lastCutoffSentAt   time.Time
	lastResendTickSent int64
}

// Cutoffs returns the peer's most recently learned unscheduled-priority
// cutoff vector and the version it was published under.
func (p *Peer) Cutoffs() ([config.NumPriorities]int32, uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cutoffs, p.cutoffVersion
}

// UpdateCutoffs installs a cutoff vector received in a CUTOFFS packet, if
// it is newer than what is already known.
func (p *Peer) UpdateCutoffs(cutoffs [config.NumPriorities]int32, version uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if version > p.cutoffVersion {
		p.cutoffs = cutoffs
		p.cutoffVersion = version
	}
}

// NeedsCutoffRefresh reports whether observedVersion (read off an incoming
// DATA packet from this peer) lags the locally configured version, and
// whether enough time has passed since the last CUTOFFS send to this peer
// to justify another one (rate-limited by minInterval).
func (p *Peer) NeedsCutoffRefresh(currentVersion uint32, observedVersion uint32, now time.Time, minInterval time.Duration) bool {
	if observedVersion >= currentVersion {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if now.Sub(p.lastCutoffSentAt) < minInterval {
		return false
	}
	p.lastCutoffSentAt = now
	return true
}

// ShouldSendResend rate-limits RESEND emission to this peer by the timer
// tick counter, per spec §4.10 ("rate-limit per-peer by
// last_resend_tick+resend_interval_ticks").
func (p *Peer) ShouldSendResend(tick int64, minTickGap int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tick-p.lastResendTickSent < minTickGap {
		return false
	}
	p.lastResendTickSent = tick
	return true
}

// Table is Homa's peer table: a map from address to Peer, guarded by a
// single mutex that every Find and Len takes, so lookups and inserts
// serialize with one another. There is no reader-only fast path; the GC
// guarantees a *Peer obtained from Find stays valid for as long as any
// goroutine holds it.
type Table struct {
	mu    sync.Mutex
	peers map[netip.Addr]*Peer
}

// NewTable creates an empty peer table.
func NewTable() *Table {
	return &Table{peers: make(map[netip.Addr]*Peer, 1024)}
}

// Find returns the Peer for addr, creating it if this is the first time
// addr has been seen. Peers are never removed.
func (t *Table) Find(addr netip.Addr) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[addr]
	if ok {
		return p
	}
	p = &Peer{Addr: addr}
	t.peers[addr] = p
	return p
}

// Len returns the number of peers created so far. The transport's timer
// loop samples it into metrics.PeerTableSize.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}
