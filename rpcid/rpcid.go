// Package rpcid generates RPC identifiers. Client sockets hand out a new
// id for every outgoing RPC (spec §3, socket field next_outgoing_id);
// servers never generate ids, they only echo the one a client chose.
//
// Ids must not collide across a process restart while old packets from a
// previous incarnation of the process are still in flight on the network,
// so the generator's starting point is derived from the host's boot time
// the same way the teacher derives a socket UUID prefix from hostname and
// boot time in uuid.FromCookie: a process that restarts gets a
// different starting point, and a live peer who still has an old id in a
// RESEND will be answered with RESTART rather than silently corrupting a
// new, unrelated RPC.
package rpcid

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Generator hands out unique, monotonically increasing RPC ids for one
// socket. The zero value is not usable; use New.
type Generator struct {
	next atomic.Uint64
}

// New creates a Generator seeded from the process boot epoch so that ids
// assigned by successive incarnations of the same process are extremely
// unlikely to collide on the wire.
func New() *Generator {
	g := &Generator{}
	g.next.Store(seed())
	return g
}

// NewSeeded creates a Generator starting at a caller-chosen value. Tests
// use this to get deterministic ids.
func NewSeeded(start uint64) *Generator {
	g := &Generator{}
	g.next.Store(start)
	return g
}

// Next returns the next RPC id for this socket. Safe for concurrent use by
// multiple application threads issuing Send calls on the same socket.
func (g *Generator) Next() uint64 {
	return g.next.Add(1)
}

// seed derives a starting id from the kernel boot time, the same
// uptime-based signal the teacher's uuid package reads from /proc/uptime:
// the boot time in Unix seconds, shifted left 24 bits into the high bits
// of the 64-bit id space so low ids (useful for tests and logs) stay
// available.
func seed() uint64 {
	boot, err := bootEpochSeconds()
	if err != nil {
		// No /proc on this platform (e.g. darwin in development); fall
		// back to wall-clock, which still changes across restarts.
		boot = time.Now().Unix()
	}
	return uint64(boot) << 24
}

func bootEpochSeconds() (int64, error) {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return 0, fmt.Errorf("rpcid: could not parse /proc/uptime: %q", data)
	}
	uptime, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("rpcid: could not parse uptime field: %w", err)
	}
	return time.Now().Add(-time.Duration(uptime * float64(time.Second))).Unix(), nil
}
