package peer_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/m-lab/homa/config"
	"github.com/m-lab/homa/peer"
)

func TestFindCreatesOnce(t *testing.T) {
	tbl := peer.NewTable()
	addr := netip.MustParseAddr("10.0.0.1")
	p1 := tbl.Find(addr)
	p2 := tbl.Find(addr)
	if p1 != p2 {
		t.Fatal("Find should return the same Peer for the same address")
	}
	if tbl.Len() != 1 {
		t.Fatalf("expected 1 peer, got %d", tbl.Len())
	}
	tbl.Find(netip.MustParseAddr("10.0.0.2"))
	if tbl.Len() != 2 {
		t.Fatalf("expected 2 peers, got %d", tbl.Len())
	}
}

func TestCutoffsOnlyUpdateForwards(t *testing.T) {
	p := &peer.Peer{Addr: netip.MustParseAddr("10.0.0.1")}
	var c1 [config.NumPriorities]int32
	c1[0] = 100
	p.UpdateCutoffs(c1, 5)
	got, version := p.Cutoffs()
	if version != 5 || got[0] != 100 {
		t.Fatalf("unexpected cutoffs after first update: %v v%d", got, version)
	}

	var stale [config.NumPriorities]int32
	stale[0] = 999
	p.UpdateCutoffs(stale, 3)
	got, version = p.Cutoffs()
	if version != 5 || got[0] != 100 {
		t.Fatalf("stale update should be ignored, got %v v%d", got, version)
	}
}

func TestNeedsCutoffRefreshRateLimited(t *testing.T) {
	p := &peer.Peer{Addr: netip.MustParseAddr("10.0.0.1")}
	now := time.Now()
	if !p.NeedsCutoffRefresh(5, 3, now, time.Second) {
		t.Fatal("expected refresh needed when observed version lags")
	}
	if p.NeedsCutoffRefresh(5, 3, now.Add(10*time.Millisecond), time.Second) {
		t.Fatal("expected rate limit to suppress second refresh")
	}
	if !p.NeedsCutoffRefresh(5, 3, now.Add(2*time.Second), time.Second) {
		t.Fatal("expected refresh to be allowed again after interval elapses")
	}
	if p.NeedsCutoffRefresh(5, 5, now.Add(3*time.Second), time.Second) {
		t.Fatal("up-to-date peer should not need a refresh")
	}
}

func TestShouldSendResendRateLimitedByTicks(t *testing.T) {
	p := &peer.Peer{Addr: netip.MustParseAddr("10.0.0.1")}
	if !p.ShouldSendResend(100, 10) {
		t.Fatal("first resend should be allowed")
	}
	if p.ShouldSendResend(105, 10) {
		t.Fatal("resend within min tick gap should be suppressed")
	}
	if !p.ShouldSendResend(111, 10) {
		t.Fatal("resend after min tick gap should be allowed")
	}
}
