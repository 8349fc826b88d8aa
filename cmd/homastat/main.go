// Main package in homastat is a command line probe for a Homa endpoint:
// it sends a series of request/response exchanges to a target address
// and writes one CSV row of round-trip statistics per exchange, the
// same "read records, marshal to CSV" shape as the teacher's csvtool,
// adapted from ArchiveRecord snapshots to live ping results.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/netip"
	"os"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/homa/config"
	"github.com/m-lab/homa/homa"
	"github.com/m-lab/homa/rawsock"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	target     = flag.String("target", "", "target address, e.g. [::1]:7654 (required)")
	localPort  = flag.Int("local_port", 0, "local UDP port to send from (0 picks an ephemeral port)")
	count      = flag.Int("count", 10, "number of request/response exchanges to send")
	size       = flag.Int("size", 64, "request payload size in bytes")
	timeout    = flag.Duration("timeout", 2*time.Second, "per-exchange response timeout")
)

// PingResult is one probe exchange, the record gocsv marshals into a
// CSV row.
type PingResult struct {
	Seq        int     `csv:"seq"`
	Bytes      int     `csv:"bytes"`
	RTTMillis  float64 `csv:"rtt_ms"`
	Error      string  `csv:"error"`
}

func main() {
	flag.Parse()
	if *target == "" {
		log.Fatal("-target is required")
	}
	targetAddr, err := netip.ParseAddrPort(*target)
	rtx.Must(err, "Could not parse -target %q", *target)

	cfg := config.Default().Validated()
	host, err := rawsock.NewHost(uint16(*localPort))
	rtx.Must(err, "Could not open local socket")

	t := homa.NewTransport(cfg, host)
	t.Run()
	defer t.Close()

	sock := t.Open(host.LocalPort())
	defer sock.Close()

	results := make([]*PingResult, 0, *count)
	payload := make([]byte, *size)
	for seq := 0; seq < *count; seq++ {
		result := &PingResult{Seq: seq, Bytes: *size}
		start := time.Now()

		id, err := sock.Send(targetAddr.Addr(), targetAddr.Port(), payload)
		if err != nil {
			result.Error = err.Error()
			results = append(results, result)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		_, _, err = sock.Recv(ctx, id)
		cancel()
		if err != nil {
			result.Error = err.Error()
		} else {
			result.RTTMillis = float64(time.Since(start)) / float64(time.Millisecond)
		}
		results = append(results, result)
	}

	rtx.Must(gocsv.Marshal(results, os.Stdout), "Could not write CSV output")
	fmt.Fprintf(os.Stderr, "sent %d exchanges to %s\n", *count, *target)
}
