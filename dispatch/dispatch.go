// Package dispatch implements Homa's packet dispatcher: the function
// that takes one received, wire-decoded packet and routes it to the
// right socket and RPC, driving whatever state transition or reply that
// packet requires (spec §4.7). It is the one place that touches wire,
// peer, socket, rpc, message, and grant together, the same shape as the
// teacher's inetdiag socket-monitor's single processSingleMessage
// dispatch loop.
package dispatch

import (
	"net/netip"
	"time"

	"github.com/m-lab/homa/config"
	"github.com/m-lab/homa/grant"
	"github.com/m-lab/homa/message"
	"github.com/m-lab/homa/metrics"
	"github.com/m-lab/homa/pacer"
	"github.com/m-lab/homa/peer"
	"github.com/m-lab/homa/rpc"
	"github.com/m-lab/homa/socket"
	"github.com/m-lab/homa/wire"
)

// Emitter sends an already-encoded packet to (dst, dstPort). The
// dispatcher uses it for packets that must be sent immediately as a
// reaction to the one just received (CUTOFFS refresh, RESTART); normal
// data transmission goes through the pacer instead.
type Emitter interface {
	Send(dst netip.Addr, dstPort uint16, data []byte)
}

// Dispatcher routes incoming packets to sockets, RPCs, and the grant
// scheduler.
type Dispatcher struct {
	Sockets *socket.Table
	Peers   *peer.Table
	Cfg     *config.Config
	Grant   *grant.Scheduler
	Pacer   *pacer.Pacer
	Emit    Emitter
}

// New creates a Dispatcher wired to the given shared state.
func New(sockets *socket.Table, peers *peer.Table, cfg *config.Config, g *grant.Scheduler, p *pacer.Pacer, emit Emitter) *Dispatcher {
	return &Dispatcher{Sockets: sockets, Peers: peers, Cfg: cfg, Grant: g, Pacer: p, Emit: emit}
}

// Dispatch decodes and handles one packet received from srcAddr. Errors
// are discard-and-count conditions (spec §4.1, §7), never fatal to the
// caller's receive loop.
func (d *Dispatcher) Dispatch(data []byte, srcAddr netip.Addr) error {
	h, err := wire.DecodeCommon(data)
	if err != nil {
		metrics.PacketsTotal.WithLabelValues("UNKNOWN", "decode_error").Inc()
		return err
	}
	s, ok := d.Sockets.Find(h.DestPort)
	if !ok {
		metrics.PacketsTotal.WithLabelValues(h.Type.String(), "discarded").Inc()
		return nil // no listener on this port; silently discard, per spec
	}
	p := d.Peers.Find(srcAddr)
	isClientSide := h.DestPort == s.ClientPort

	var handleErr error
	switch h.Type {
	case wire.TypeData:
		handleErr = d.handleData(data, s, p, isClientSide)
	case wire.TypeGrant:
		handleErr = d.handleGrant(data, s, p, isClientSide)
	case wire.TypeResend:
		handleErr = d.handleResend(data, s, p, isClientSide)
	case wire.TypeRestart:
		handleErr = d.handleRestart(s, p, isClientSide, h)
	case wire.TypeCutoffs:
		handleErr = d.handleCutoffs(data, p)
	case wire.TypeBusy:
		handleErr = d.handleBusy(s, p, isClientSide, h)
	case wire.TypeFreeze:
		handleErr = nil // debug hook, no protocol effect
	default:
		handleErr = wire.ErrUnknownType
	}
	outcome := "handled"
	if handleErr != nil {
		outcome = "decode_error"
	}
	metrics.PacketsTotal.WithLabelValues(h.Type.String(), outcome).Inc()
	return handleErr
}

// lookupSender finds the RPC that owns the outbound message a
// GRANT/RESEND/RESTART/BUSY packet is about: the client's own RPC if the
// packet arrived on the socket's client port, or the server RPC replying
// to p on its remote port otherwise.
func lookupSender(s *socket.Socket, p *peer.Peer, isClientSide bool, remotePort uint16, id uint64) *rpc.RPC {
	if isClientSide {
		return s.FindClient(id)
	}
	return s.FindServer(p, remotePort, id)
}

func (d *Dispatcher) handleData(data []byte, s *socket.Socket, p *peer.Peer, isClientSide bool) error {
	pkt, err := wire.DecodeData(data)
	if err != nil {
		return err
	}

	var r *rpc.RPC
	if isClientSide {
		r = s.FindClient(pkt.ID)
		if r == nil {
			return nil // response for an RPC we no longer track; discard
		}
		if r.In == nil {
			r.BeginReassembly(message.NewIn(pkt.MessageLength, d.Cfg.UnscheduledWindow()))
		}
	} else {
		r = s.FindServer(p, pkt.SourcePort, pkt.ID)
		if r == nil {
			in := message.NewIn(pkt.MessageLength, d.Cfg.UnscheduledWindow())
			r = rpc.NewServer(pkt.ID, p, s.ServerPort(), pkt.SourcePort, in)
			s.InsertServer(p, pkt.SourcePort, pkt.ID, r)
			metrics.RPCsStartedTotal.WithLabelValues("server").Inc()
		}
	}

	in := r.In
	if in == nil {
		return nil
	}
	for _, seg := range pkt.Segments {
		if _, accepted, err := in.Insert(seg.Offset, len(seg.Data)); err != nil || !accepted {
			continue // out-of-range or duplicate segment: discard (spec §7, §8)
		}
		r.WriteSegment(seg.Offset, seg.Data)
	}
	in.UpdateIncoming(pkt.Incoming)
	r.ResetSilence()

	switch {
	case in.Complete():
		d.Grant.Remove(r)
		r.MarkReady()
		if isClientSide {
			s.EnqueueReadyResponse(r)
		} else {
			s.EnqueueReadyRequest(r)
		}
	case in.Scheduled && !in.InGrantableSet:
		d.Grant.Add(r)
	default:
		d.Grant.Resort()
	}

	if cutoffs, version := d.Cfg.Cutoffs(); p.NeedsCutoffRefresh(version, pkt.CutoffVersion, time.Now(), d.Cfg.CutoffResendInterval) {
		d.sendCutoffs(s, p, pkt.SourcePort, cutoffs, version)
	}
	return nil
}

func (d *Dispatcher) handleGrant(data []byte, s *socket.Socket, p *peer.Peer, isClientSide bool) error {
	pkt, err := wire.DecodeGrant(data)
	if err != nil {
		return err
	}
	r := lookupSender(s, p, isClientSide, pkt.SourcePort, pkt.ID)
	if r == nil || r.Out == nil {
		return nil
	}
	r.Out.SchedPriority = pkt.Priority
	if r.Out.OnGrant(pkt.Offset) {
		d.Pacer.Enqueue(r, pkt.Priority)
	}
	return nil
}

func (d *Dispatcher) handleResend(data []byte, s *socket.Socket, p *peer.Peer, isClientSide bool) error {
	pkt, err := wire.DecodeResend(data)
	if err != nil {
		return err
	}
	r := lookupSender(s, p, isClientSide, pkt.SourcePort, pkt.ID)
	if r == nil || r.Out == nil {
		d.sendRestart(s, p, isClientSide, pkt.SourcePort, pkt.ID)
		return nil
	}
	if frames := r.Out.FramesInRange(pkt.Offset, pkt.Length); len(frames) > 0 {
		r.Out.QueueRetransmit(frames)
		d.Pacer.Enqueue(r, pkt.Priority)
	}
	return nil
}

func (d *Dispatcher) handleRestart(s *socket.Socket, p *peer.Peer, isClientSide bool, h wire.CommonHeader) error {
	r := lookupSender(s, p, isClientSide, h.SourcePort, h.ID)
	if r == nil || r.Out == nil {
		return nil
	}
	r.Out.Restart()
	d.Pacer.Enqueue(r, r.Out.SchedPriority)
	return nil
}

func (d *Dispatcher) handleCutoffs(data []byte, p *peer.Peer) error {
	pkt, err := wire.DecodeCutoffs(data)
	if err != nil {
		return err
	}
	p.UpdateCutoffs(pkt.Cutoffs, pkt.CutoffVersion)
	return nil
}

func (d *Dispatcher) handleBusy(s *socket.Socket, p *peer.Peer, isClientSide bool, h wire.CommonHeader) error {
	r := lookupSender(s, p, isClientSide, h.SourcePort, h.ID)
	if r == nil {
		d.sendRestart(s, p, isClientSide, h.SourcePort, h.ID)
		return nil
	}
	r.ResetSilence()
	return nil
}

func (d *Dispatcher) sendCutoffs(s *socket.Socket, p *peer.Peer, dstPort uint16, cutoffs [config.NumPriorities]int, version uint32) {
	if d.Emit == nil {
		return
	}
	var wireCutoffs [8]int32
	for i, c := range cutoffs {
		wireCutoffs[i] = int32(c)
	}
	pkt := wire.CutoffsPacket{
		CommonHeader:  wire.CommonHeader{SourcePort: s.ServerPort(), DestPort: dstPort, Type: wire.TypeCutoffs},
		Cutoffs:       wireCutoffs,
		CutoffVersion: version,
	}
	metrics.CutoffRefreshesSentTotal.Inc()
	d.Emit.Send(p.Addr, dstPort, wire.EncodeCutoffs(pkt))
}

func (d *Dispatcher) sendRestart(s *socket.Socket, p *peer.Peer, isClientSide bool, dstPort uint16, id uint64) {
	if d.Emit == nil {
		return
	}
	localPort := s.ServerPort()
	if isClientSide {
		localPort = s.ClientPort
	}
	pkt := wire.RestartPacket{CommonHeader: wire.CommonHeader{SourcePort: localPort, DestPort: dstPort, Type: wire.TypeRestart, ID: id}}
	metrics.RestartsSentTotal.Inc()
	d.Emit.Send(p.Addr, dstPort, wire.EncodeRestart(pkt))
}
