package grant_test

import (
	"testing"

	"github.com/m-lab/homa/config"
	"github.com/m-lab/homa/grant"
	"github.com/m-lab/homa/message"
	"github.com/m-lab/homa/peer"
	"github.com/m-lab/homa/rpc"
)

func newScheduled(t *testing.T, id uint64, length int) *rpc.RPC {
	t.Helper()
	p := &peer.Peer{}
	in := message.NewIn(length, 100) // unscheduledWindow=100 forces Scheduled for length>100
	r := rpc.NewServer(id, p, 1, 2, in)
	return r
}

func TestAddOrdersByBytesRemainingAscending(t *testing.T) {
	s := grant.NewScheduler()
	short := newScheduled(t, 1, 200)  // BytesRemaining 200
	long := newScheduled(t, 2, 1000)  // BytesRemaining 1000
	s.Add(long)
	s.Add(short)
	if rank := s.Rank(short); rank != 0 {
		t.Fatalf("expected short message at rank 0, got %d", rank)
	}
	if rank := s.Rank(long); rank != 1 {
		t.Fatalf("expected long message at rank 1, got %d", rank)
	}
}

func TestAddIsIdempotent(t *testing.T) {
	s := grant.NewScheduler()
	r := newScheduled(t, 1, 200)
	s.Add(r)
	s.Add(r)
	if s.Len() != 1 {
		t.Fatalf("expected a single entry, got %d", s.Len())
	}
}

func TestTieBreaksByInsertionOrder(t *testing.T) {
	s := grant.NewScheduler()
	a := newScheduled(t, 1, 500)
	b := newScheduled(t, 2, 500)
	s.Add(a)
	s.Add(b)
	if rank := s.Rank(a); rank != 0 {
		t.Fatalf("expected first-inserted RPC to rank first on a tie, got %d", rank)
	}
}

func TestRemoveClearsMembership(t *testing.T) {
	s := grant.NewScheduler()
	r := newScheduled(t, 1, 200)
	s.Add(r)
	s.Remove(r)
	if s.Len() != 0 {
		t.Fatalf("expected empty scheduler after remove, got %d", s.Len())
	}
	if r.In.InGrantableSet {
		t.Fatal("expected InGrantableSet cleared after remove")
	}
}

func TestIssueGrantsStepsByIncrementUpToRTTWindow(t *testing.T) {
	cfg := config.Default()
	cfg.RTTBytes = 3000
	cfg.GrantIncrement = 1000
	cfg.MaxOvercommit = 8
	cfg.MinPriority = 0
	cfg.MaxSchedPriority = 4

	s := grant.NewScheduler()
	r := newScheduled(t, 1, 10000)
	s.Add(r)

	var offsets []int
	s.IssueGrants(cfg, func(rpc2 *rpc.RPC, offset, priority int) {
		offsets = append(offsets, offset)
	})
	want := []int{1000, 2000, 3000}
	if len(offsets) != len(want) {
		t.Fatalf("expected %v, got %v", want, offsets)
	}
	for i := range want {
		if offsets[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, offsets)
		}
	}
	if r.In.Incoming != 3000 {
		t.Fatalf("expected Incoming=3000, got %d", r.In.Incoming)
	}
}

func TestIssueGrantsRespectsMaxOvercommit(t *testing.T) {
	cfg := config.Default()
	cfg.RTTBytes = 1000
	cfg.GrantIncrement = 1000
	cfg.MaxOvercommit = 1
	cfg.MinPriority = 0
	cfg.MaxSchedPriority = 4

	s := grant.NewScheduler()
	a := newScheduled(t, 1, 5000)
	b := newScheduled(t, 2, 6000)
	s.Add(a)
	s.Add(b)

	granted := map[uint64]bool{}
	s.IssueGrants(cfg, func(r *rpc.RPC, offset, priority int) {
		granted[r.ID] = true
	})
	if !granted[1] || granted[2] {
		t.Fatalf("expected only the shortest message granted under MaxOvercommit=1, got %v", granted)
	}
}

func TestSelectUnscheduledPriorityPicksSmallestCoveringCutoff(t *testing.T) {
	var cutoffs [config.NumPriorities]int32
	cutoffs[0] = 100
	cutoffs[1] = 1000
	cutoffs[2] = 10000
	for i := 3; i < config.NumPriorities; i++ {
		cutoffs[i] = 1 << 30
	}
	if p := grant.SelectUnscheduledPriority(50, cutoffs); p != 0 {
		t.Fatalf("expected priority 0, got %d", p)
	}
	if p := grant.SelectUnscheduledPriority(500, cutoffs); p != 1 {
		t.Fatalf("expected priority 1, got %d", p)
	}
	if p := grant.SelectUnscheduledPriority(5000, cutoffs); p != 2 {
		t.Fatalf("expected priority 2, got %d", p)
	}
}
