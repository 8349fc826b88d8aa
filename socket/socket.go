// Package socket implements Homa's socket abstraction: per-socket RPC
// lookup tables, ready queues, and the global port -> socket table used
// to demultiplex incoming packets (spec §3, §4.3).
package socket

import (
	"container/list"
	"errors"
	"sync"

	"github.com/m-lab/homa/peer"
	"github.com/m-lab/homa/rpc"
	"github.com/m-lab/homa/rpcid"
)

// ErrAlreadyBound is returned by Bind if the socket already has a server
// port.
var ErrAlreadyBound = errors.New("socket: already bound to a server port")

// ErrClosed is returned by operations attempted on a socket after Close.
var ErrClosed = errors.New("socket: closed")

// Socket holds one Homa socket's server port (0 until bound), client
// port, id generator, and per-socket RPC bookkeeping (spec §3).
type Socket struct {
	ClientPort uint16

	mu         sync.Mutex
	serverPort uint16
	closed     bool

	ids *rpcid.Generator

	clients *clientTable
	servers *serverTable

	activeList     *list.List // every live RPC on this socket, walked by the timer
	readyRequests  *list.List // server RPCs the application can Recv
	readyResponses *list.List // client RPCs the application can Recv

	reaper *rpc.Reaper

	cond *sync.Cond // broadcast whenever a ready queue gains an entry
}

// New creates an unbound socket with the given ephemeral client port.
func New(clientPort uint16) *Socket {
	s := &Socket{
		ClientPort:     clientPort,
		ids:            rpcid.New(),
		clients:        newClientTable(),
		servers:        newServerTable(),
		activeList:     list.New(),
		readyRequests:  list.New(),
		readyResponses: list.New(),
		reaper:         rpc.NewReaper(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Bind assigns a server port to the socket (spec §6: "bind(port)").
func (s *Socket) Bind(port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serverPort != 0 {
		return ErrAlreadyBound
	}
	s.serverPort = port
	return nil
}

// ServerPort returns the bound server port, or 0 if unbound.
func (s *Socket) ServerPort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverPort
}

// NextClientID allocates the next outgoing RPC id for a client Send.
func (s *Socket) NextClientID() uint64 {
	return s.ids.Next()
}

// InsertClient adds r to the client lookup table and the active list.
func (s *Socket) InsertClient(r *rpc.RPC) {
	s.clients.Insert(r)
	s.mu.Lock()
	r.ActiveElem = s.activeList.PushBack(r)
	s.mu.Unlock()
}

// FindClient looks up a client RPC by id.
func (s *Socket) FindClient(id uint64) *rpc.RPC {
	return s.clients.Find(id)
}

// InsertServer adds r to the server lookup table (keyed by peer address,
// remote port, and id) and the active list.
func (s *Socket) InsertServer(p *peer.Peer, remotePort uint16, id uint64, r *rpc.RPC) {
	s.servers.Insert(serverKey{peerAddr: p.Addr.String(), port: remotePort, id: id}, r)
	s.mu.Lock()
	r.ActiveElem = s.activeList.PushBack(r)
	s.mu.Unlock()
}

// FindServer looks up a server RPC by (peer, remote port, id).
func (s *Socket) FindServer(p *peer.Peer, remotePort uint16, id uint64) *rpc.RPC {
	return s.servers.Find(serverKey{peerAddr: p.Addr.String(), port: remotePort, id: id})
}

// RemoveServer unlinks a server RPC from the lookup table (the id may
// legitimately be reused by a different peer afterward).
func (s *Socket) RemoveServer(p *peer.Peer, remotePort uint16, id uint64) {
	s.servers.Remove(serverKey{peerAddr: p.Addr.String(), port: remotePort, id: id})
}

// RemoveClient unlinks a client RPC from the lookup table.
func (s *Socket) RemoveClient(id uint64) {
	s.clients.Remove(id)
}

// ActiveWalk calls fn for every RPC on the active list, for the timer's
// silence-detection sweep (spec §4.10).
func (s *Socket) ActiveWalk(fn func(*rpc.RPC)) {
	s.mu.Lock()
	var items []*rpc.RPC
	for e := s.activeList.Front(); e != nil; e = e.Next() {
		items = append(items, e.Value.(*rpc.RPC))
	}
	s.mu.Unlock()
	for _, r := range items {
		fn(r)
	}
}

// Deactivate removes an RPC from the active list, typically just before
// it is queued for reaping.
func (s *Socket) Deactivate(r *rpc.RPC) {
	s.mu.Lock()
	if r.ActiveElem != nil {
		s.activeList.Remove(r.ActiveElem)
		r.ActiveElem = nil
	}
	s.mu.Unlock()
}

// EnqueueReadyRequest appends a server RPC to the ready-requests queue
// and wakes any blocked Recv/Poll callers.
func (s *Socket) EnqueueReadyRequest(r *rpc.RPC) {
	s.mu.Lock()
	r.ReadyElem = s.readyRequests.PushBack(r)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// EnqueueReadyResponse appends a client RPC to the ready-responses queue
// and wakes any blocked Recv/Poll callers.
func (s *Socket) EnqueueReadyResponse(r *rpc.RPC) {
	s.mu.Lock()
	r.ReadyElem = s.readyResponses.PushBack(r)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// DequeueReadyRequest pops the next ready server RPC (FIFO), or the one
// matching id if id != 0 (spec §6: "id != 0 filters to a specific
// exchange"). ok is false if nothing currently matches.
func (s *Socket) DequeueReadyRequest(id uint64) (r *rpc.RPC, ok bool) {
	return s.dequeue(s.readyRequests, id)
}

// DequeueReadyResponse is DequeueReadyRequest for the response queue.
func (s *Socket) DequeueReadyResponse(id uint64) (r *rpc.RPC, ok bool) {
	return s.dequeue(s.readyResponses, id)
}

func (s *Socket) dequeue(l *list.List, id uint64) (*rpc.RPC, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for e := l.Front(); e != nil; e = e.Next() {
		r := e.Value.(*rpc.RPC)
		if id == 0 || r.ID == id {
			l.Remove(e)
			r.ReadyElem = nil
			return r, true
		}
	}
	return nil, false
}

// WaitReady blocks until either ready queue is non-empty or the socket is
// closed. Returns false if the socket was closed while waiting.
func (s *Socket) WaitReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.readyRequests.Len() == 0 && s.readyResponses.Len() == 0 && !s.closed {
		s.cond.Wait()
	}
	return !s.closed
}

// Reaper returns the socket's dead-RPC reaper.
func (s *Socket) Reaper() *rpc.Reaper {
	return s.reaper
}

// Close aborts every RPC on the socket, drains the ready queues, and
// wakes any blocked callers (spec §6: "shutdown()/close()").
func (s *Socket) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.clients.Walk(func(r *rpc.RPC) { r.Abort(rpc.ErrShutdown); r.MarkDeleted() })
	s.servers.Walk(func(r *rpc.RPC) { r.MarkDeleted() })

	s.mu.Lock()
	s.readyRequests.Init()
	s.readyResponses.Init()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Stats summarizes table sizes.
type Stats struct {
	ClientRPCs      int
	ServerRPCs      int
	ReadyRequests   int
	ReadyResponses  int
	ActiveRPCs      int
	PendingReap     int
}

// Stats returns a point-in-time snapshot of this socket's table sizes.
func (s *Socket) Stats() Stats {
	s.mu.Lock()
	active := s.activeList.Len()
	readyReq := s.readyRequests.Len()
	readyResp := s.readyResponses.Len()
	s.mu.Unlock()
	return Stats{
		ClientRPCs:     s.clients.Len(),
		ServerRPCs:     s.servers.Len(),
		ReadyRequests:  readyReq,
		ReadyResponses: readyResp,
		ActiveRPCs:     active,
		PendingReap:    s.reaper.Pending(),
	}
}
