// Package rpc implements the state machine for a single Homa request/
// response exchange (spec §3, §4.6). An RPC owns exactly one outbound and
// one inbound message; it does not own its Peer (shared across many
// RPCs) or its parent socket.
package rpc

import (
	"container/list"
	"errors"
	"sync"

	"github.com/m-lab/homa/message"
	"github.com/m-lab/homa/peer"
)

// ErrTimedOut is set on a client RPC that exhausted AbortResends without
// hearing back from its peer (spec §4.10, §7).
var ErrTimedOut = errors.New("rpc: timed out waiting for peer")

// ErrShutdown is set on every RPC still live on a socket when that socket
// is shut down (spec §6: "shutdown() aborts all RPCs on the socket").
var ErrShutdown = errors.New("rpc: socket shut down")

// RPC is one request/response exchange, identified by (socket, peer, id).
// Fields below the state machine section are list-membership hooks: each
// is a *list.Element from exactly one container/list.List, or nil when
// the RPC is not currently a member of that list. This is the explicit
// Option<ListHandle> the specification's design notes call for in place
// of the original's self-referential intrusive list pointers.
type RPC struct {
	ID         uint64
	Peer       *peer.Peer
	LocalPort  uint16
	RemotePort uint16
	IsClient   bool

	Out *message.Out
	In  *message.In

	// OutPayload is the full user buffer behind Out; frames reference it
	// by byte range rather than each holding their own copy.
	OutPayload []byte

	// InPayload accumulates the bytes of In as they arrive. It is
	// allocated lazily, sized to In.Length, on the first received
	// segment.
	InPayload []byte

	mu    sync.Mutex
	state State
	err   error
	w     *waiter

	SilentTicks int
	NumResends  int

	ActiveElem    *list.Element
	DeadElem      *list.Element
	ReadyElem     *list.Element
	GrantableElem *list.Element
	ThrottledElem *list.Element
}

// NewClient creates a client RPC in the OUTGOING state (spec §4.6: "user
// send (client) -> OUTGOING").
func NewClient(id uint64, p *peer.Peer, localPort, remotePort uint16, out *message.Out) *RPC {
	return &RPC{
		ID:         id,
		Peer:       p,
		LocalPort:  localPort,
		RemotePort: remotePort,
		IsClient:   true,
		Out:        out,
		state:      Outgoing,
	}
}

// NewServer creates a server RPC in the INCOMING state, triggered by the
// first DATA packet for an id the server hasn't seen before (spec §4.6:
// "first DATA (server) -> INCOMING").
func NewServer(id uint64, p *peer.Peer, localPort, remotePort uint16, in *message.In) *RPC {
	return &RPC{
		ID:         id,
		Peer:       p,
		LocalPort:  localPort,
		RemotePort: remotePort,
		IsClient:   false,
		In:         in,
		state:      Incoming,
	}
}

// State returns the RPC's current lifecycle state.
func (r *RPC) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Error returns the client-only error slot; zero means healthy.
func (r *RPC) Error() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *RPC) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// BeginReassembly transitions a client RPC from OUTGOING to INCOMING on
// the first byte of the response (spec §4.6).
func (r *RPC) BeginReassembly(in *message.In) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Outgoing {
		return
	}
	r.In = in
	r.state = Incoming
}

// MarkReady transitions INCOMING -> READY once reassembly completes, and
// wakes any waiter (spec §4.6).
func (r *RPC) MarkReady() {
	r.mu.Lock()
	if r.state != Incoming && r.state != Outgoing {
		r.mu.Unlock()
		return
	}
	r.state = Ready
	w := r.w
	r.mu.Unlock()
	if w != nil {
		w.notify()
	}
}

// BeginService dequeues a server request from the ready queue and
// transitions READY -> IN_SERVICE (spec §4.6: "request read by app").
func (r *RPC) BeginService() {
	r.setState(InService)
}

// AttachReply attaches the server's response message and transitions
// IN_SERVICE -> OUTGOING (spec §4.6: "user reply").
func (r *RPC) AttachReply(out *message.Out) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Out = out
	r.state = Outgoing
}

// CompleteClient transitions a client RPC READY -> CLIENT_DONE once the
// application has read the response (spec §4.6).
func (r *RPC) CompleteClient() {
	r.setState(ClientDone)
}

// Abort sets the client-only error slot and transitions to CLIENT_DONE,
// waking any waiter with the error (spec §4.6, §4.10, §7). Calling Abort
// on a server RPC silently discards it with no error slot, since errors
// are client-only.
func (r *RPC) Abort(err error) {
	r.mu.Lock()
	if !r.IsClient {
		r.mu.Unlock()
		return
	}
	if r.state == ClientDone {
		r.mu.Unlock()
		return
	}
	r.err = err
	r.state = ClientDone
	w := r.w
	r.mu.Unlock()
	if w != nil {
		w.notify()
	}
}

// Wait blocks the calling goroutine until the RPC becomes READY or is
// aborted/deleted, returning (deleted). Precondition: at most one
// goroutine waits on a given RPC at a time (the spec's single
// waiting-thread-record design).
func (r *RPC) Wait() (deleted bool) {
	r.mu.Lock()
	if r.w == nil {
		r.w = newWaiter()
	}
	w := r.w
	r.mu.Unlock()
	return w.wait()
}

// WaitChannel returns a channel that becomes readable when the RPC is
// notified, for use in a select alongside a context's Done channel or a
// signal channel (spec §5: "interruptible by signal").
func (r *RPC) WaitChannel() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		r.w = newWaiter()
	}
	return r.w.channel()
}

// MarkDeleted notifies any waiter that this RPC was cancelled out from
// under them, distinguishing that from a normal delivery (spec §5:
// "rpc_deleted flag distinguishes delivered from cancelled").
func (r *RPC) MarkDeleted() {
	r.mu.Lock()
	w := r.w
	r.mu.Unlock()
	if w != nil {
		w.markDeleted()
	}
}

// Free marks a client RPC CLIENT_DONE (if not already) or simply leaves a
// server RPC for unlinking; callers move the RPC onto the socket's dead
// list afterward. Actual buffer release happens later, in a reaper pass
// (spec §4.6: "death is deferred").
func (r *RPC) Free() {
	r.mu.Lock()
	if r.IsClient && r.state != ClientDone {
		r.state = ClientDone
	}
	r.mu.Unlock()
}

// Tick increments the RPC's silent-ticks counter and returns the new
// value, called once per timer tick for every active RPC (spec §4.10).
func (r *RPC) Tick() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SilentTicks++
	return r.SilentTicks
}

// ResetSilence zeroes the silent-ticks counter, called whenever a packet
// arrives for this RPC (spec §4.10: "any received packet resets
// silence").
func (r *RPC) ResetSilence() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SilentTicks = 0
}

// RecordResendSent increments and returns the RPC's resend counter,
// called each time the timer issues a RESEND or BUSY for this RPC.
func (r *RPC) RecordResendSent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.NumResends++
	return r.NumResends
}

// WriteSegment copies a received DATA segment's payload into InPayload,
// allocating it on first use. Called from the dispatcher once
// message.In.Insert has accepted the segment's (offset, length); this
// method only handles the byte storage half, kept separate from In's
// pure offset/length bookkeeping so In's reassembly invariants stay
// easy to test without carrying real payload bytes through every test.
func (r *RPC) WriteSegment(offset int, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.In == nil {
		return
	}
	if r.InPayload == nil {
		r.InPayload = make([]byte, r.In.Length)
	}
	copy(r.InPayload[offset:], data)
}

// PopSendableFrame pops the next not-yet-sent frame from the RPC's
// outbound message, if any, returning (frame, ok, moreAfter) where
// moreAfter reports whether further sendable frames remain. Used by the
// pacer so it never has to reach into an RPC's message state directly
// (spec §4.9).
func (r *RPC) PopSendableFrame() (frame message.Frame, ok bool, moreAfter bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Out == nil {
		return message.Frame{}, false, false
	}
	frame, ok = r.Out.PopSendable()
	return frame, ok, r.Out.HasSendable()
}

// Release drops the RPC's message buffers. Called only from a reaper
// pass, never from a lookup path, since concurrent readers may still hold
// a pointer to this RPC until they exit their critical section (spec §5).
func (r *RPC) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Out = nil
	r.In = nil
}
