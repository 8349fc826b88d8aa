//go:build !linux

package rawsock

import "net/netip"

// stubHost lets the module build on non-Linux platforms for local
// development; Open, SendTo and RecvFrom fail with ErrUnsupported,
// matching the teacher's Darwin collector stub.
type stubHost struct{}

// NewHost returns a stub Host and a nil error. Its Open, SendTo and
// RecvFrom return ErrUnsupported; LocalPort and QueuedBytes return 0 and
// Close returns nil.
// SIOCOUTQ and the rest of this package's socket plumbing are Linux-only.
func NewHost(port uint16) (Host, error) {
	return &stubHost{}, nil
}

func (stubHost) Open(port uint16) error                              { return ErrUnsupported }
func (stubHost) LocalPort() uint16                                    { return 0 }
func (stubHost) SendTo(dst netip.Addr, dstPort uint16, data []byte) error { return ErrUnsupported }
func (stubHost) RecvFrom() (Packet, error)                            { return Packet{}, ErrUnsupported }
func (stubHost) QueuedBytes() int                                     { return 0 }
func (stubHost) Close() error                                         { return nil }
