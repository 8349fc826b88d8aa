// Package timer implements Homa's periodic tick handler: the sweep that
// notices silent RPCs, asks peers to resend missing data, and eventually
// gives up on an RPC that never answers (spec §4.10).
package timer

import (
	"github.com/m-lab/homa/config"
	"github.com/m-lab/homa/metrics"
	"github.com/m-lab/homa/rpc"
)

// ActiveWalker is the subset of socket.Socket the timer needs: a way to
// visit every currently active RPC. Accepting an interface here (rather
// than importing package socket directly) keeps the dependency pointing
// the way spec §3's layering expects, timer below socket.
type ActiveWalker interface {
	ActiveWalk(func(*rpc.RPC))
}

// ResendSender issues a RESEND for the given byte range of an inbound
// message still missing data.
type ResendSender func(r *rpc.RPC, offset, length, priority int)

// BusySender issues a BUSY packet. The timer sends one in place of a
// RESEND when a silent RPC has no inbound message or no missing range
// below its Incoming offset to request.
type BusySender func(r *rpc.RPC)

// AbortFunc is invoked once an RPC's resend count reaches AbortResends
// without a response.
type AbortFunc func(r *rpc.RPC)

// Ticker drives one periodic sweep over every active RPC on a socket.
type Ticker struct {
	cfg  *config.Config
	tick int64
}

// New creates a timer driven by cfg's tuning.
func New(cfg *config.Config) *Ticker {
	return &Ticker{cfg: cfg}
}

// Tick advances the timer by one period and sweeps every active RPC on
// w, issuing RESEND/BUSY via the given callbacks and aborting any RPC
// that has gone silent for AbortResends consecutive RESENDs (spec
// §4.10, §7 "abort_resends bounds recovery time").
func (t *Ticker) Tick(w ActiveWalker, sendResend ResendSender, sendBusy BusySender, abort AbortFunc) {
	t.tick++
	minTickGap := int64(t.cfg.ResendInterval / t.cfg.TickInterval)
	if minTickGap <= 0 {
		minTickGap = 1
	}

	w.ActiveWalk(func(r *rpc.RPC) {
		silent := r.Tick()
		if silent < t.cfg.ResendTicks {
			return
		}
		if !r.Peer.ShouldSendResend(t.tick, minTickGap) {
			return
		}

		resends := r.RecordResendSent()
		offset, length, ok := 0, 0, false
		if r.In != nil {
			offset, length, ok = r.In.ResendRange()
		}
		if ok {
			metrics.ResendsSentTotal.Inc()
			sendResend(r, offset, length, t.cfg.MaxSchedPriority)
		} else {
			sendBusy(r)
		}
		if resends >= t.cfg.AbortResends {
			metrics.RPCsAbortedTotal.WithLabelValues(role(r)).Inc()
			abort(r)
		}
	})
}

// TickCount returns how many ticks this timer has run, for tests and
// metrics.
func (t *Ticker) TickCount() int64 {
	return t.tick
}

func role(r *rpc.RPC) string {
	if r.IsClient {
		return "client"
	}
	return "server"
}
