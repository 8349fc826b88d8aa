// Package message implements the two halves of an RPC's data: the
// outbound message, which chops a user buffer into transmit frames and
// tracks how much of it the receiver has authorized, and the inbound
// message, which reassembles frames received out of order and tracks how
// much remains to arrive.
//
// The frame-chain construction mirrors the split the teacher performs
// between a netlink message's fixed header and its variable attribute
// tail (inetdiag.SplitInetDiagMsg / netlink.ParseRouteAttr): a message
// here is a fixed total length plus an ordered sequence of frames, each
// sized to fit under a segmentation-offload ceiling.
package message

import "fmt"

// Frame is one unit of an outbound message as handed to the network or
// the pacer. A segmentation-offload-aware NIC may further split a frame's
// payload, but Homa's own logic only ever reasons about whole frames.
type Frame struct {
	Offset     int
	Length     int
	Retransmit bool
}

// Out tracks the sender-side state of one RPC's message: the ordered
// frame chain, how much of it has been granted, and how much has already
// been handed to the network.
//
// Invariant: 0 <= Next <= Granted <= Length (spec §3, §8 invariant 1).
type Out struct {
	Length         int
	Unscheduled    int
	Granted        int
	Next           int // offset of the first unsent byte
	SchedPriority  int
	frames         []Frame
	maxGSOSize     int
	retransmit     []Frame // frames re-queued by a RESEND, sent ahead of new data
}

// NewOut builds an outbound message for a length-byte user buffer.
// unscheduledWindow and maxGSOSize come from config
// (Config.UnscheduledWindow, Config.MaxGSOSize); maxSchedPriority seeds
// the initial scheduled-priority assignment, per spec §4.4.
func NewOut(length, unscheduledWindow, maxGSOSize, maxSchedPriority int) *Out {
	if maxGSOSize <= 0 {
		maxGSOSize = length
		if maxGSOSize == 0 {
			maxGSOSize = 1
		}
	}
	unscheduled := unscheduledWindow
	if unscheduled > length {
		unscheduled = length
	}
	out := &Out{
		Length:        length,
		Unscheduled:   unscheduled,
		Granted:       unscheduled,
		SchedPriority: maxSchedPriority,
		maxGSOSize:    maxGSOSize,
	}
	for off := 0; off < length; off += maxGSOSize {
		flen := maxGSOSize
		if off+flen > length {
			flen = length - off
		}
		out.frames = append(out.frames, Frame{Offset: off, Length: flen})
	}
	if length == 0 {
		// A 0-byte message is still one frame: spec §8 requires it to
		// complete on the first (empty) DATA packet.
		out.frames = append(out.frames, Frame{Offset: 0, Length: 0})
	}
	return out
}

// PopSendable returns the next frame ready to transmit (its offset is
// within the granted window) and advances Next past it. A frame queued
// by QueueRetransmit is returned first, ahead of any new data, since a
// RESEND means the peer is already waiting on it. Returns false if there
// is nothing sendable right now, either because every frame has already
// been sent or because the sender is waiting on a GRANT.
func (o *Out) PopSendable() (Frame, bool) {
	if len(o.retransmit) > 0 {
		f := o.retransmit[0]
		o.retransmit = o.retransmit[1:]
		return f, true
	}
	for _, f := range o.frames {
		if f.Offset < o.Next {
			continue
		}
		if f.Offset >= o.Granted && f.Length > 0 {
			return Frame{}, false
		}
		o.Next = f.Offset + f.Length
		if f.Length == 0 {
			o.Next = f.Offset + 1 // advance past the sentinel 0-byte frame
		}
		return f, true
	}
	return Frame{}, false
}

// HasSendable reports whether PopSendable would succeed without mutating
// state; used by the pacer to decide whether an RPC stays on the
// throttled list.
func (o *Out) HasSendable() bool {
	if len(o.retransmit) > 0 {
		return true
	}
	for _, f := range o.frames {
		if f.Offset < o.Next {
			continue
		}
		return f.Offset < o.Granted || f.Length == 0
	}
	return false
}

// OnGrant advances Granted in response to a GRANT packet. granted never
// decreases (spec: "granted never decreases") and is clamped to Length
// (spec §8 boundary: "a GRANT beyond length is accepted and clamped").
// Returns true if this grant unblocked at least one previously-withheld
// frame, which means the RPC should be (re)added to the pacer's throttled
// list.
func (o *Out) OnGrant(offset int) bool {
	if offset > o.Length {
		offset = o.Length
	}
	if offset <= o.Granted {
		return false
	}
	unblocked := o.Granted < offset && o.Next < offset
	o.Granted = offset
	return unblocked
}

// Done reports whether every frame has been sent at least once.
func (o *Out) Done() bool {
	return o.Next >= o.Length && (o.Length > 0 || len(o.frames) == 0 || o.Next > 0)
}

// FramesInRange returns the frames covering [offset, offset+length),
// clamped to the message end, for RESEND handling (spec §4.7: "retransmit
// the requested byte range ... flagging each frame as retransmit=1").
func (o *Out) FramesInRange(offset, length int) []Frame {
	end := offset + length
	if end > o.Length {
		end = o.Length
	}
	var out []Frame
	for _, f := range o.frames {
		fEnd := f.Offset + f.Length
		covers := fEnd > offset && f.Offset < end
		zeroLenInRange := f.Length == 0 && f.Offset >= offset && f.Offset < end
		if !covers && !zeroLenInRange {
			continue
		}
		cp := f
		cp.Retransmit = true
		out = append(out, cp)
	}
	return out
}

// QueueRetransmit re-queues frames (typically the result of
// FramesInRange) to be sent again ahead of any unsent new data, since a
// RESEND means the peer is already blocked waiting on them.
func (o *Out) QueueRetransmit(frames []Frame) {
	o.retransmit = append(o.retransmit, frames...)
}

// Restart rewinds the send cursor to the beginning of the message, so
// that every frame within the already-granted window is offered to
// PopSendable again. Used when a peer reports it has lost all record of
// this RPC and needs the message rebuilt from scratch (spec §4.7,
// RESTART handling).
func (o *Out) Restart() {
	o.Next = 0
}

func (o *Out) String() string {
	return fmt.Sprintf("Out{length=%d unscheduled=%d granted=%d next=%d}", o.Length, o.Unscheduled, o.Granted, o.Next)
}
