package dispatch_test

import (
	"net/netip"
	"testing"

	"github.com/m-lab/homa/config"
	"github.com/m-lab/homa/dispatch"
	"github.com/m-lab/homa/grant"
	"github.com/m-lab/homa/message"
	"github.com/m-lab/homa/pacer"
	"github.com/m-lab/homa/peer"
	"github.com/m-lab/homa/rpc"
	"github.com/m-lab/homa/socket"
	"github.com/m-lab/homa/wire"
)

type fakeEmitter struct {
	sent []wire.CommonHeader
}

func (f *fakeEmitter) Send(dst netip.Addr, localPort uint16, data []byte) {
	h, _ := wire.DecodeCommon(data)
	f.sent = append(f.sent, h)
}

func newHarness() (*dispatch.Dispatcher, *socket.Table, *fakeEmitter) {
	cfg := config.Default()
	sockets := socket.NewTable()
	peers := peer.NewTable()
	g := grant.NewScheduler()
	p := pacer.New(nil)
	emit := &fakeEmitter{}
	d := dispatch.New(sockets, peers, cfg, g, p, emit)
	return d, sockets, emit
}

var clientAddr = netip.MustParseAddr("10.0.0.5")

func TestDispatchUnknownPortIsSilentlyDiscarded(t *testing.T) {
	d, _, _ := newHarness()
	pkt := wire.EncodeData(wire.DataPacket{
		CommonHeader:  wire.CommonHeader{SourcePort: 1, DestPort: 9999, Type: wire.TypeData, ID: 1},
		MessageLength: 10,
		Segments:      []wire.Segment{{Offset: 0, Data: make([]byte, 10)}},
	})
	if err := d.Dispatch(pkt, clientAddr); err != nil {
		t.Fatalf("expected no error for an unknown port, got %v", err)
	}
}

func TestDispatchDataCreatesServerRPCAndEnqueuesReadyRequest(t *testing.T) {
	d, sockets, _ := newHarness()
	s := socket.New(100)
	if err := s.Bind(200); err != nil {
		t.Fatal(err)
	}
	sockets.Insert(200, s)

	payload := make([]byte, 10)
	pkt := wire.EncodeData(wire.DataPacket{
		CommonHeader:  wire.CommonHeader{SourcePort: 50, DestPort: 200, Type: wire.TypeData, ID: 42},
		MessageLength: 10,
		Segments:      []wire.Segment{{Offset: 0, Data: payload}},
	})
	if err := d.Dispatch(pkt, clientAddr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := s.DequeueReadyRequest(42)
	if !ok {
		t.Fatal("expected a ready server request after a complete DATA message")
	}
	if got.ID != 42 {
		t.Fatalf("expected RPC id 42, got %d", got.ID)
	}
	if got.State() != rpc.Ready {
		t.Fatalf("expected Ready state, got %v", got.State())
	}
}

func TestDispatchDataOnClientSideCompletesExistingRPC(t *testing.T) {
	d, sockets, _ := newHarness()
	s := socket.New(300)
	sockets.Insert(300, s)

	p := &peer.Peer{Addr: clientAddr}
	out := message.NewOut(5, 1000, 1400, 4)
	client := rpc.NewClient(7, p, s.ClientPort, 9, out)
	s.InsertClient(client)

	payload := make([]byte, 5)
	pkt := wire.EncodeData(wire.DataPacket{
		CommonHeader:  wire.CommonHeader{SourcePort: 9, DestPort: 300, Type: wire.TypeData, ID: 7},
		MessageLength: 5,
		Segments:      []wire.Segment{{Offset: 0, Data: payload}},
	})
	if err := d.Dispatch(pkt, clientAddr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.DequeueReadyResponse(7); !ok {
		t.Fatal("expected the client RPC to become a ready response")
	}
}

func TestDispatchGrantUnblocksAndEnqueuesPacer(t *testing.T) {
	d, sockets, _ := newHarness()
	s := socket.New(400)
	sockets.Insert(400, s)

	p := &peer.Peer{Addr: clientAddr}
	out := message.NewOut(20000, 1000, 1400, 4) // most of it needs a grant
	client := rpc.NewClient(11, p, s.ClientPort, 22, out)
	s.InsertClient(client)

	pkt := wire.EncodeGrant(wire.GrantPacket{
		CommonHeader: wire.CommonHeader{SourcePort: 22, DestPort: s.ClientPort, Type: wire.TypeGrant, ID: 11},
		Offset:       5000,
		Priority:     3,
	})
	if err := d.Dispatch(pkt, clientAddr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.Out.Granted != 5000 {
		t.Fatalf("expected Granted=5000, got %d", client.Out.Granted)
	}
	if d.Pacer.Len() != 1 {
		t.Fatalf("expected the unblocked RPC on the pacer's throttled list, got %d entries", d.Pacer.Len())
	}
}

func TestDispatchResendWithNoRecordSendsRestart(t *testing.T) {
	d, sockets, emit := newHarness()
	s := socket.New(500)
	sockets.Insert(500, s)

	pkt := wire.EncodeResend(wire.ResendPacket{
		CommonHeader: wire.CommonHeader{SourcePort: 60, DestPort: 500, Type: wire.TypeResend, ID: 99},
		Offset:       0,
		Length:       100,
		Priority:     1,
	})
	if err := d.Dispatch(pkt, clientAddr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(emit.sent) != 1 || emit.sent[0].Type != wire.TypeRestart {
		t.Fatalf("expected a RESTART to be emitted, got %+v", emit.sent)
	}
}

func TestDispatchBusyWithNoRecordSendsRestart(t *testing.T) {
	d, sockets, emit := newHarness()
	s := socket.New(700)
	sockets.Insert(700, s)

	pkt := wire.EncodeBusy(wire.BusyPacket{
		CommonHeader: wire.CommonHeader{SourcePort: 60, DestPort: 700, Type: wire.TypeBusy, ID: 99},
	})
	if err := d.Dispatch(pkt, clientAddr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(emit.sent) != 1 || emit.sent[0].Type != wire.TypeRestart {
		t.Fatalf("expected a RESTART to be emitted, got %+v", emit.sent)
	}
}

func TestDispatchCutoffsUpdatesPeer(t *testing.T) {
	d, sockets, _ := newHarness()
	s := socket.New(600)
	sockets.Insert(600, s)

	var cutoffs [8]int32
	cutoffs[0] = 500
	pkt := wire.EncodeCutoffs(wire.CutoffsPacket{
		CommonHeader:  wire.CommonHeader{SourcePort: 1, DestPort: 600, Type: wire.TypeCutoffs},
		Cutoffs:       cutoffs,
		CutoffVersion: 7,
	})
	if err := d.Dispatch(pkt, clientAddr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, version := d.Peers.Find(clientAddr).Cutoffs()
	if version != 7 || got[0] != 500 {
		t.Fatalf("expected cutoffs updated to version 7 with [0]=500, got version=%d cutoffs=%v", version, got)
	}
}
