//go:build linux

package rawsock_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/m-lab/homa/rawsock"
)

func TestLoopbackRoundTrip(t *testing.T) {
	server, err := rawsock.NewHost(0)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer server.Close()

	client, err := rawsock.NewHost(0)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer client.Close()

	loopback := netip.MustParseAddr("::1")
	want := []byte("homa test datagram")

	done := make(chan rawsock.Packet, 1)
	errCh := make(chan error, 1)
	go func() {
		pkt, err := server.RecvFrom()
		if err != nil {
			errCh <- err
			return
		}
		done <- pkt
	}()

	time.Sleep(10 * time.Millisecond)
	if err := client.SendTo(loopback, server.LocalPort(), want); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	select {
	case pkt := <-done:
		if string(pkt.Data) != string(want) {
			t.Fatalf("expected %q, got %q", want, pkt.Data)
		}
		if pkt.SrcPort != client.LocalPort() {
			t.Fatalf("expected source port %d, got %d", client.LocalPort(), pkt.SrcPort)
		}
	case err := <-errCh:
		t.Fatalf("RecvFrom: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for loopback datagram")
	}
}

func TestQueuedBytesDoesNotError(t *testing.T) {
	h, err := rawsock.NewHost(0)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer h.Close()
	// Freshly opened socket should report an empty send queue.
	if n := h.QueuedBytes(); n != 0 {
		t.Fatalf("expected an empty send queue, got %d", n)
	}
}
