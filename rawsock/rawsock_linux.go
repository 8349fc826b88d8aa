//go:build linux

package rawsock

import (
	"net/netip"
	"sync"

	"golang.org/x/sys/unix"
)

// udpHost implements Host over a single AF_INET6 (dual-stack) UDP
// socket, read directly with golang.org/x/sys/unix rather than net.UDPConn
// so that QueuedBytes can reach the underlying file descriptor for the
// SIOCOUTQ ioctl - net.UDPConn keeps its fd private.
type udpHost struct {
	mu   sync.Mutex
	fd   int
	port uint16
}

// NewHost creates and binds the host UDP socket.
func NewHost(port uint16) (Host, error) {
	h := &udpHost{}
	if err := h.Open(port); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *udpHost) Open(port uint16) error {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return err
	}
	sa := &unix.SockaddrInet6{Port: int(port)}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return err
	}
	if port == 0 {
		bound, err := unix.Getsockname(fd)
		if err == nil {
			if in6, ok := bound.(*unix.SockaddrInet6); ok {
				port = uint16(in6.Port)
			}
		}
	}
	h.fd = fd
	h.port = port
	return nil
}

func (h *udpHost) LocalPort() uint16 {
	return h.port
}

func (h *udpHost) SendTo(dst netip.Addr, dstPort uint16, data []byte) error {
	sa := &unix.SockaddrInet6{Port: int(dstPort), Addr: dst.As16()}
	h.mu.Lock()
	defer h.mu.Unlock()
	return unix.Sendto(h.fd, data, 0, sa)
}

func (h *udpHost) RecvFrom() (Packet, error) {
	buf := make([]byte, 64*1024)
	n, from, err := unix.Recvfrom(h.fd, buf, 0)
	if err != nil {
		return Packet{}, err
	}
	pkt := Packet{Data: buf[:n]}
	if in6, ok := from.(*unix.SockaddrInet6); ok {
		pkt.Src = netip.AddrFrom16(in6.Addr)
		pkt.SrcPort = uint16(in6.Port)
	}
	return pkt, nil
}

// QueuedBytes reads the socket's current send-queue depth via the
// SIOCOUTQ ioctl, the same trick ip(8)/ss(8) use to report Send-Q
// without a netlink round trip.
func (h *udpHost) QueuedBytes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := unix.IoctlGetInt(h.fd, unix.SIOCOUTQ)
	if err != nil {
		return 0
	}
	return n
}

func (h *udpHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return unix.Close(h.fd)
}
