// Package rawsock is Homa's host façade: the thin boundary between the
// protocol logic (wire, dispatch, grant, pacer, timer, homa) and the
// underlying datagram socket a real host provides. Its split between a
// shared interface and a linux/other implementation mirrors the
// teacher's collector and netlink packages, which separate portable
// logic from the Linux-only netlink syscalls it depends on.
package rawsock

import (
	"errors"
	"net/netip"
)

// ErrUnsupported is returned by Open, SendTo and RecvFrom on platforms
// without a real implementation (spec §5 names Linux as the only host this
// project targets in production; other platforms get a inert stub so
// the module still builds for local development).
var ErrUnsupported = errors.New("rawsock: not supported on this platform")

// Packet is one datagram read off the host socket.
type Packet struct {
	Data    []byte
	Src     netip.Addr
	SrcPort uint16
}

// Host is the operating-system boundary Homa's transport depends on: a
// single UDP socket used for every Homa packet type (DATA, GRANT,
// RESEND, ...), plus a way to read the NIC's current send-queue depth
// for the pacer (spec §4.9 "check_nic_queue").
type Host interface {
	// Open binds the host socket to the given local port. port 0 picks
	// an ephemeral port; callers can read it back with LocalPort.
	Open(port uint16) error

	// LocalPort returns the port Open bound to.
	LocalPort() uint16

	// SendTo transmits data to (dst, dstPort).
	SendTo(dst netip.Addr, dstPort uint16, data []byte) error

	// RecvFrom blocks until the next datagram arrives.
	RecvFrom() (Packet, error)

	// QueuedBytes reports how many bytes are presently queued for
	// transmission on this socket, satisfying pacer.NICQueue.
	QueuedBytes() int

	// Close releases the underlying socket.
	Close() error
}
