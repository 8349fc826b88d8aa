// Main package in homad runs a standalone Homa transport endpoint: it
// opens a host UDP socket, starts the transport's receive and timer
// loops, and serves Prometheus metrics, the same wiring shape as the
// teacher's root main.go (collector + saver + prometheusx) adapted to
// Homa's Transport in place of the netlink collector.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/homa/config"
	"github.com/m-lab/homa/homa"
	"github.com/m-lab/homa/rawsock"
)

var (
	port       = flag.Int("port", 7654, "UDP port this endpoint listens on")
	serverPort = flag.Int("server_port", 0, "if non-zero, bind this port to accept incoming requests")
	linkMbps   = flag.Int("link_mbps", 10000, "egress link rate, for pacer NIC-queue estimation")
	promAddr   = flag.String("prom", ":9090", "Prometheus metrics export address and port")
	verbose    = flag.Bool("verbose", false, "recorded in config.Verbose; no logging depends on it")

	ctx, cancel = context.WithCancel(context.Background())
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

func main() {
	defer cancel()
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse flags from environment")

	promSrv := prometheusx.MustStartPrometheus(*promAddr)
	defer promSrv.Shutdown(ctx)

	cfg := config.Default()
	cfg.LinkMbps = *linkMbps
	cfg.Verbose = *verbose
	cfg = cfg.Validated()

	host, err := rawsock.NewHost(uint16(*port))
	rtx.Must(err, "Could not open host socket on port %d", *port)

	t := homa.NewTransport(cfg, host)
	t.Run()
	log.Printf("homad listening on port %d", *port)

	if *serverPort != 0 {
		if *serverPort == *port {
			log.Fatal("-server_port must differ from -port")
		}
		sock := t.Open(uint16(*port))
		rtx.Must(sock.Bind(uint16(*serverPort)), "Could not bind server port %d", *serverPort)
		go serveEcho(ctx, sock)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Println("homad shutting down")
	rtx.Must(t.Close(), "Error closing transport")
}

// serveEcho answers every request received on sock with its own payload,
// a minimal handler useful for smoke-testing a deployment end to end.
func serveEcho(ctx context.Context, sock *homa.Socket) {
	for {
		req, body, err := sock.Recv(ctx, 0)
		if err != nil {
			return
		}
		if req == nil {
			continue
		}
		if err := sock.Reply(req, body); err != nil {
			log.Printf("reply error: %v", err)
		}
	}
}
