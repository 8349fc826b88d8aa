package timer_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/m-lab/homa/config"
	"github.com/m-lab/homa/message"
	"github.com/m-lab/homa/peer"
	"github.com/m-lab/homa/rpc"
	"github.com/m-lab/homa/timer"
)

type fakeWalker struct {
	rpcs []*rpc.RPC
}

func (f *fakeWalker) ActiveWalk(fn func(*rpc.RPC)) {
	for _, r := range f.rpcs {
		fn(r)
	}
}

func newClientRPC(id uint64) *rpc.RPC {
	p := &peer.Peer{Addr: netip.MustParseAddr("10.0.0.1")}
	out := message.NewOut(10, 1000, 1400, 4)
	return rpc.NewClient(id, p, 1, 2, out)
}

func TestTickIgnoresRPCsBelowResendThreshold(t *testing.T) {
	cfg := config.Default()
	cfg.ResendTicks = 5
	cfg.TickInterval = time.Millisecond
	cfg.ResendInterval = time.Millisecond
	tk := timer.New(cfg)
	r := newClientRPC(1)
	w := &fakeWalker{rpcs: []*rpc.RPC{r}}

	called := false
	for i := 0; i < 4; i++ {
		tk.Tick(w, func(*rpc.RPC, int, int, int) { called = true }, func(*rpc.RPC) { called = true }, func(*rpc.RPC) {})
	}
	if called {
		t.Fatal("expected no RESEND/BUSY before crossing ResendTicks")
	}
}

func TestTickSendsResendForScheduledGapAfterThreshold(t *testing.T) {
	cfg := config.Default()
	cfg.ResendTicks = 2
	cfg.TickInterval = time.Millisecond
	cfg.ResendInterval = time.Millisecond
	cfg.AbortResends = 10
	tk := timer.New(cfg)

	p := &peer.Peer{Addr: netip.MustParseAddr("10.0.0.1")}
	in := message.NewIn(5000, 100) // scheduled
	in.UpdateIncoming(2000)        // sender announced an unscheduled prefix that never arrived
	r := rpc.NewServer(1, p, 1, 2, in)
	w := &fakeWalker{rpcs: []*rpc.RPC{r}}

	var gotResend bool
	var offset, length int
	for i := 0; i < 3; i++ {
		tk.Tick(w, func(r *rpc.RPC, off, l, prio int) {
			gotResend = true
			offset, length = off, l
		}, func(*rpc.RPC) {}, func(*rpc.RPC) {})
	}
	if !gotResend {
		t.Fatal("expected a RESEND once silent ticks crossed ResendTicks")
	}
	if offset != 0 || length != 2000 {
		t.Fatalf("expected resend range covering the missing unscheduled prefix, got offset=%d length=%d", offset, length)
	}
}

func TestTickAbortsAfterExceedingAbortResends(t *testing.T) {
	cfg := config.Default()
	cfg.ResendTicks = 1
	cfg.TickInterval = time.Millisecond
	cfg.ResendInterval = time.Millisecond
	cfg.AbortResends = 2
	tk := timer.New(cfg)
	r := newClientRPC(1)
	w := &fakeWalker{rpcs: []*rpc.RPC{r}}

	var aborted bool
	for i := 0; i < 6; i++ {
		tk.Tick(w, func(*rpc.RPC, int, int, int) {}, func(*rpc.RPC) {}, func(ar *rpc.RPC) {
			aborted = true
		})
	}
	if !aborted {
		t.Fatal("expected the RPC to be aborted after exceeding AbortResends")
	}
}

func TestTickSendsBusyForOutgoingMessageWithNoInbound(t *testing.T) {
	cfg := config.Default()
	cfg.ResendTicks = 1
	cfg.TickInterval = time.Millisecond
	cfg.ResendInterval = time.Millisecond
	cfg.AbortResends = 10
	tk := timer.New(cfg)
	r := newClientRPC(1) // client with Out set, no In yet
	w := &fakeWalker{rpcs: []*rpc.RPC{r}}

	var gotBusy bool
	for i := 0; i < 2; i++ {
		tk.Tick(w, func(*rpc.RPC, int, int, int) {}, func(*rpc.RPC) { gotBusy = true }, func(*rpc.RPC) {})
	}
	if !gotBusy {
		t.Fatal("expected BUSY for an RPC with no inbound message yet")
	}
}
