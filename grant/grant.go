// Package grant implements Homa's grant scheduler: a single, global
// shortest-remaining-processing-time (SRPT) ordering across every
// scheduled inbound message, and the GRANT-issuance policy that keeps the
// highest-ranked messages authorized far enough ahead of what has
// already arrived (spec §4.8, §8 scenario 5 "SRPT fairness").
package grant

import (
	"sort"
	"sync"

	"github.com/m-lab/homa/config"
	"github.com/m-lab/homa/metrics"
	"github.com/m-lab/homa/rpc"
)

// Sender emits a GRANT packet for rpc authorizing the sender to transmit
// up to offset bytes, at the given egress priority.
type Sender func(r *rpc.RPC, offset, priority int)

type entry struct {
	r   *rpc.RPC
	seq int64
}

// Scheduler holds the global grantable-RPC list (spec §3: "Grantable-RPC
// list (SRPT order)"). The zero value is not usable; use NewScheduler.
type Scheduler struct {
	mu      sync.Mutex
	entries []*entry
	nextSeq int64
}

// NewScheduler creates an empty grant scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Add inserts r into the grantable set if its inbound message is
// scheduled and not already a member (spec §4.5: "when a message is
// scheduled ... the RPC is linked into the grantable set"). Ties in
// BytesRemaining break by insertion order, the tie-break this
// specification's Open Questions section leaves to the implementer.
func (s *Scheduler) Add(r *rpc.RPC) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.In == nil || !r.In.Scheduled || r.In.InGrantableSet {
		return
	}
	r.In.InGrantableSet = true
	s.entries = append(s.entries, &entry{r: r, seq: s.nextSeq})
	s.nextSeq++
	s.sortLocked()
}

// Remove drops r from the grantable set, e.g. on message completion
// (spec §4.5: "on completion, remove from the grantable set").
func (s *Scheduler) Remove(r *rpc.RPC) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.In == nil || !r.In.InGrantableSet {
		return
	}
	r.In.InGrantableSet = false
	for i, e := range s.entries {
		if e.r == r {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
}

// Resort re-sorts the grantable list; call after any member's
// BytesRemaining changes (spec §4.8: "On every DATA arrival for a
// scheduled message, the RPC is re-sorted").
func (s *Scheduler) Resort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sortLocked()
}

func (s *Scheduler) sortLocked() {
	sort.SliceStable(s.entries, func(i, j int) bool {
		a, b := s.entries[i], s.entries[j]
		if a.r.In.BytesRemaining != b.r.In.BytesRemaining {
			return a.r.In.BytesRemaining < b.r.In.BytesRemaining
		}
		return a.seq < b.seq
	})
}

// Len returns the number of RPCs currently in the grantable set.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Rank returns r's position (0 = shortest remaining) in the grantable
// list, or -1 if r is not a member. Exposed for tests and metrics.
func (s *Scheduler) Rank(r *rpc.RPC) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.r == r {
			return i
		}
	}
	return -1
}

// IssueGrants walks the first cfg.MaxOvercommit entries of the grantable
// list (highest SRPT rank first) and emits GRANT packets via send so that
// each one's Incoming reaches min(Length, received+RTTBytes), in steps of
// GrantIncrement (spec §4.8).
func (s *Scheduler) IssueGrants(cfg *config.Config, send Sender) {
	s.mu.Lock()
	n := len(s.entries)
	if n > cfg.MaxOvercommit {
		n = cfg.MaxOvercommit
	}
	top := make([]*entry, n)
	copy(top, s.entries[:n])
	total := len(s.entries)
	s.mu.Unlock()
	metrics.GrantableSetSize.Observe(float64(total))

	for idx, e := range top {
		in := e.r.In
		if in == nil {
			continue
		}
		received := in.Length - in.BytesRemaining
		target := received + cfg.RTTBytes
		if target > in.Length {
			target = in.Length
		}
		priority := rankToPriority(idx, total, cfg)
		for in.Incoming < target {
			next := in.Incoming + cfg.GrantIncrement
			if next > target {
				next = target
			}
			if next <= in.Incoming {
				break
			}
			in.Incoming = next
			metrics.GrantsIssuedTotal.Inc()
			send(e.r, next, priority)
		}
	}
}

// rankToPriority maps a 0-based SRPT rank onto [MinPriority,
// MaxSchedPriority], with rank 0 (the shortest remaining message)
// receiving the single highest scheduled priority, MaxSchedPriority.
func rankToPriority(rank, total int, cfg *config.Config) int {
	band := cfg.MaxSchedPriority - cfg.MinPriority
	if band <= 0 || total <= 1 {
		return cfg.MaxSchedPriority
	}
	p := cfg.MaxSchedPriority - rank
	if p < cfg.MinPriority {
		p = cfg.MinPriority
	}
	return p
}

// SelectUnscheduledPriority picks the egress priority a sender should use
// for a message's unscheduled prefix, based on the peer's published
// cutoff vector: the smallest index i with length <= cutoffs[i] (spec
// §4.8). If no cutoff covers length, the last band, NumPriorities-1, is
// used.
func SelectUnscheduledPriority(length int, cutoffs [config.NumPriorities]int32) int {
	for i, c := range cutoffs {
		if int32(length) <= c {
			return i
		}
	}
	return config.NumPriorities - 1
}
