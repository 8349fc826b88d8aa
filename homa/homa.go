// Package homa is the top-level transport API: Socket, with Send,
// Reply, Recv, and Close, wiring together every lower package (wire,
// peer, socket, message, rpc, rpcid, dispatch, grant, pacer, timer,
// rawsock) the way the teacher's root main.go wires collector, saver,
// and eventsocket into one running service (spec §6).
package homa

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/m-lab/homa/config"
	"github.com/m-lab/homa/dispatch"
	"github.com/m-lab/homa/grant"
	"github.com/m-lab/homa/message"
	"github.com/m-lab/homa/metrics"
	"github.com/m-lab/homa/pacer"
	"github.com/m-lab/homa/peer"
	"github.com/m-lab/homa/rawsock"
	"github.com/m-lab/homa/rpc"
	"github.com/m-lab/homa/socket"
	"github.com/m-lab/homa/timer"
	"github.com/m-lab/homa/wire"
)

// ErrClosed is returned by Socket operations attempted after Close.
var ErrClosed = errors.New("homa: socket closed")

// reapBatchSize bounds how many dead RPCs one timer tick releases per
// socket, so a burst of completions can't stall the tick goroutine (spec
// §4.6).
const reapBatchSize = 64

// Transport holds every Homa socket sharing one host connection: the
// peer table, the global SRPT grant scheduler, and the pacer are all
// process-wide state shared by every Socket opened from it (spec §3).
type Transport struct {
	Cfg     *config.Config
	Host    rawsock.Host
	Sockets *socket.Table
	Peers   *peer.Table
	Grant   *grant.Scheduler
	Pacer   *pacer.Pacer
	Dispatch *dispatch.Dispatcher
	Timer   *timer.Ticker

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewTransport wires up a Transport over host using cfg's tuning.
func NewTransport(cfg *config.Config, host rawsock.Host) *Transport {
	cfg = cfg.Validated()
	sockets := socket.NewTable()
	peers := peer.NewTable()
	g := grant.NewScheduler()
	p := pacer.New(host)
	t := &Transport{
		Cfg:     cfg,
		Host:    host,
		Sockets: sockets,
		Peers:   peers,
		Grant:   g,
		Pacer:   p,
		Timer:   timer.New(cfg),
		stop:    make(chan struct{}),
	}
	t.Dispatch = dispatch.New(sockets, peers, cfg, g, p, &hostEmitter{host: host})
	return t
}

// hostEmitter adapts rawsock.Host to dispatch.Emitter.
type hostEmitter struct {
	host rawsock.Host
}

func (e *hostEmitter) Send(dst netip.Addr, dstPort uint16, data []byte) {
	e.host.SendTo(dst, dstPort, data)
}

// Run starts the transport's background goroutines: the receive loop
// that feeds incoming packets to the dispatcher, and the timer loop that
// drives resend/abort sweeps (spec §4.7, §4.10). Call Close to stop
// both.
func (t *Transport) Run() {
	t.wg.Add(2)
	go t.recvLoop()
	go t.timerLoop()
}

func (t *Transport) recvLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stop:
			return
		default:
		}
		pkt, err := t.Host.RecvFrom()
		if err != nil {
			continue
		}
		if len(pkt.Data) < wire.MinPacketLen {
			continue
		}
		t.Dispatch.Dispatch(pkt.Data, pkt.Src)
	}
}

func (t *Transport) timerLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.Cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			seen := make(map[*socket.Socket]bool)
			t.Sockets.Walk(func(port uint16, s *socket.Socket) {
				if seen[s] {
					return // client and server ports of one socket both route here
				}
				seen[s] = true
				t.Timer.Tick(s, t.sendResend, t.sendBusy, t.abortOn(s))
				metrics.ReaperPending.Observe(float64(s.Reaper().Pending()))
				s.Reaper().Drain(reapBatchSize)
			})
			if t.Pacer.TryActivate() {
				t.Pacer.Run(t.Cfg, t.sendFrame)
				t.Pacer.Deactivate()
			}
			t.Grant.IssueGrants(t.Cfg, t.sendGrant)
			metrics.PeerTableSize.Set(float64(t.Peers.Len()))
		}
	}
}

// Close stops the transport's background goroutines and the host
// socket. Open sockets are not automatically closed; callers should
// Close each Socket first.
func (t *Transport) Close() error {
	close(t.stop)
	t.wg.Wait()
	return t.Host.Close()
}

func (t *Transport) sendFrame(r *rpc.RPC, f message.Frame) {
	data := r.OutPayload[f.Offset : f.Offset+f.Length]
	pkt := wire.DataPacket{
		CommonHeader: wire.CommonHeader{
			SourcePort: r.LocalPort,
			DestPort:   r.RemotePort,
			Type:       wire.TypeData,
			ID:         r.ID,
		},
		MessageLength: r.Out.Length,
		Incoming:      r.Out.Granted,
		Retransmit:    f.Retransmit,
		Segments:      []wire.Segment{{Offset: f.Offset, Data: data}},
	}
	_, version := t.Cfg.Cutoffs()
	pkt.CutoffVersion = version
	t.Host.SendTo(r.Peer.Addr, r.RemotePort, wire.EncodeData(pkt))
}

func (t *Transport) sendGrant(r *rpc.RPC, offset, priority int) {
	pkt := wire.GrantPacket{
		CommonHeader: wire.CommonHeader{SourcePort: r.LocalPort, DestPort: r.RemotePort, Type: wire.TypeGrant, ID: r.ID},
		Offset:       offset,
		Priority:     priority,
	}
	t.Host.SendTo(r.Peer.Addr, r.RemotePort, wire.EncodeGrant(pkt))
}

func (t *Transport) sendResend(r *rpc.RPC, offset, length, priority int) {
	pkt := wire.ResendPacket{
		CommonHeader: wire.CommonHeader{SourcePort: r.LocalPort, DestPort: r.RemotePort, Type: wire.TypeResend, ID: r.ID},
		Offset:       offset,
		Length:       length,
		Priority:     priority,
	}
	t.Host.SendTo(r.Peer.Addr, r.RemotePort, wire.EncodeResend(pkt))
}

func (t *Transport) sendBusy(r *rpc.RPC) {
	pkt := wire.BusyPacket{CommonHeader: wire.CommonHeader{SourcePort: r.LocalPort, DestPort: r.RemotePort, Type: wire.TypeBusy, ID: r.ID}}
	t.Host.SendTo(r.Peer.Addr, r.RemotePort, wire.EncodeBusy(pkt))
}

// abortOn builds the AbortFunc the timer calls for RPCs belonging to
// socket s, unlinking the RPC from s's lookup tables before handing it
// to the reaper (spec §4.10, §7: "abort_resends bounds recovery time").
func (t *Transport) abortOn(s *socket.Socket) func(r *rpc.RPC) {
	return func(r *rpc.RPC) {
		r.Abort(rpc.ErrTimedOut)
		r.MarkDeleted()
		if r.IsClient {
			s.RemoveClient(r.ID)
		} else {
			s.RemoveServer(r.Peer, r.RemotePort, r.ID)
		}
		s.Deactivate(r)
		s.Reaper().Enqueue(r)
	}
}

// Socket is one application-visible Homa endpoint: an ephemeral client
// port always available for Send, and optionally a bound server port
// for Recv-ing requests (spec §6).
type Socket struct {
	t   *Transport
	s   *socket.Socket
}

// Open creates a new Socket on an ephemeral client port.
func (t *Transport) Open(clientPort uint16) *Socket {
	s := socket.New(clientPort)
	t.Sockets.Insert(clientPort, s)
	return &Socket{t: t, s: s}
}

// Bind assigns a server port to the socket, after which Recv can return
// incoming requests (spec §6: "bind(port)").
func (sock *Socket) Bind(port uint16) error {
	if err := sock.s.Bind(port); err != nil {
		return err
	}
	sock.t.Sockets.Insert(port, sock.s)
	return nil
}

// Send issues a new client request to (dst, dstPort) and returns the id
// assigned to it (spec §6: "send(dst, request) -> id").
func (sock *Socket) Send(dst netip.Addr, dstPort uint16, data []byte) (uint64, error) {
	p := sock.t.Peers.Find(dst)
	out := message.NewOut(len(data), sock.t.Cfg.UnscheduledWindow(), sock.t.Cfg.MaxGSOSize, sock.t.Cfg.MaxSchedPriority)
	cutoffs, _ := p.Cutoffs()
	out.SchedPriority = grant.SelectUnscheduledPriority(len(data), cutoffs)

	id := sock.s.NextClientID()
	r := rpc.NewClient(id, p, sock.s.ClientPort, dstPort, out)
	r.OutPayload = data
	sock.s.InsertClient(r)
	metrics.RPCsStartedTotal.WithLabelValues("client").Inc()
	sock.drain(r, out.SchedPriority)
	return id, nil
}

// Reply sends the server's response for a request previously obtained
// from Recv (spec §6: "reply(id, response)").
func (sock *Socket) Reply(req *rpc.RPC, data []byte) error {
	p := req.Peer
	out := message.NewOut(len(data), sock.t.Cfg.UnscheduledWindow(), sock.t.Cfg.MaxGSOSize, sock.t.Cfg.MaxSchedPriority)
	cutoffs, _ := p.Cutoffs()
	out.SchedPriority = grant.SelectUnscheduledPriority(len(data), cutoffs)
	req.AttachReply(out)
	req.OutPayload = data
	sock.drain(req, out.SchedPriority)
	return nil
}

// drain hands every currently-sendable frame of r's outbound message to
// the pacer, bypassing it for small unscheduled frames (spec §4.9).
func (sock *Socket) drain(r *rpc.RPC, priority int) {
	for {
		frame, ok, _ := r.PopSendableFrame()
		if !ok {
			return
		}
		if pacer.Bypass(frame.Length, sock.t.Cfg) {
			sock.t.sendFrame(r, frame)
			continue
		}
		sock.t.Pacer.Enqueue(r, priority)
		return
	}
}

// Recv blocks until a response (if id != 0, that specific response) or,
// for a bound server socket, the next request is ready, or ctx is done
// (spec §6: "recv(id=0 waits for anything, id!=0 waits for that
// exchange)").
func (sock *Socket) Recv(ctx context.Context, id uint64) (*rpc.RPC, []byte, error) {
	for {
		if r, ok := sock.s.DequeueReadyResponse(id); ok {
			r.CompleteClient()
			sock.s.RemoveClient(r.ID)
			sock.s.Deactivate(r)
			sock.s.Reaper().Enqueue(r)
			return r, payload(r), r.Error()
		}
		if r, ok := sock.s.DequeueReadyRequest(id); ok {
			r.BeginService()
			return r, payload(r), nil
		}
		done := make(chan bool, 1)
		go func() { done <- sock.s.WaitReady() }()
		select {
		case ok := <-done:
			if !ok {
				return nil, nil, ErrClosed
			}
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

func payload(r *rpc.RPC) []byte {
	if r.InPayload != nil {
		return r.InPayload
	}
	return nil
}

// Close releases the socket's resources and aborts any outstanding
// client RPCs (spec §6: "shutdown()/close()").
func (sock *Socket) Close() error {
	sock.s.Close()
	return nil
}
