// Package config holds the tunable parameters that govern Homa's protocol
// behavior: scheduling, pacing, and recovery timing. Every field here has a
// protocol effect, so changing the cutoffs at runtime must go through
// SetCutoffs, which bumps CutoffVersion so peers know to refresh.
package config

import (
	"sync"
	"time"
)

// NumPriorities is the number of egress priority levels Homa can assign to
// a packet; levels [MinPriority, MaxSchedPriority] are reserved for granted
// (scheduled) traffic, the remainder for unscheduled traffic.
const NumPriorities = 8

// Config holds the tunables named in the protocol specification. All
// durations and byte counts use Go-native types rather than raw integers.
type Config struct {
	// RTTBytes is the bandwidth-delay product used to size the unscheduled
	// window and the grant lookahead.
	RTTBytes int

	// LinkMbps is the egress link rate, used by the pacer to estimate NIC
	// queue drain time.
	LinkMbps int

	// GrantIncrement is the step size used when issuing GRANT packets.
	GrantIncrement int

	// MaxOvercommit bounds how many RPCs are granted concurrently.
	MaxOvercommit int

	// MinPriority and MaxPriority bound the egress priority band Homa may
	// use. MaxSchedPriority splits that band into scheduled (grantable,
	// [MinPriority, MaxSchedPriority]) and unscheduled (cutoff-selected,
	// (MaxSchedPriority, MaxPriority]) halves.
	MinPriority     int
	MaxPriority     int
	MaxSchedPriority int

	// UnschedCutoffs maps message length to priority band for unscheduled
	// bytes: the smallest index i with length <= UnschedCutoffs[i] selects
	// priority i. CutoffVersion increments whenever the vector changes.
	UnschedCutoffs [NumPriorities]int
	CutoffVersion  uint32

	// ResendTicks is how many silent timer ticks elapse before the first
	// RESEND is issued for an RPC with no recent activity.
	ResendTicks int

	// ResendInterval rate-limits RESEND emission to a given peer.
	ResendInterval time.Duration

	// AbortResends is the number of RESENDs issued before the RPC is
	// aborted (client: error + CLIENT_DONE; server: silently discarded).
	AbortResends int

	// MaxNICQueue bounds how far ahead of "now" the pacer will let the
	// estimated link-idle time run before backing off a transmission.
	MaxNICQueue time.Duration

	// ThrottleMinBytes is the size below which a frame bypasses the pacer
	// entirely, since small packets are CPU-bound rather than link-bound.
	ThrottleMinBytes int

	// MaxGSOSize bounds how many payload bytes are packed into one
	// transmit frame.
	MaxGSOSize int

	// TickInterval is how often the timer goroutine fires (design target
	// ~1ms, see spec).
	TickInterval time.Duration

	// CutoffResendInterval rate-limits how often a fresh CUTOFFS packet is
	// sent to a given peer whose observed CutoffVersion has fallen behind.
	// The protocol names this "last_update_jiffies" without a unit; we fix
	// it as a duration defaulted from TickInterval (see DESIGN.md).
	CutoffResendInterval time.Duration

	// Verbose records homad's -verbose flag; no code in this module reads
	// it, so it does not change what is logged.
	Verbose bool

	mu sync.Mutex
}

// Default returns the tunables used throughout the examples in the
// specification (§8 scenarios) and is a reasonable starting point for a
// datacenter-scale deployment.
func Default() *Config {
	return &Config{
		RTTBytes:         10000,
		LinkMbps:         10000,
		GrantIncrement:   1500,
		MaxOvercommit:    8,
		MinPriority:      0,
		MaxPriority:      7,
		MaxSchedPriority: 4,
		UnschedCutoffs:   [NumPriorities]int{200, 1000, 5000, 15000, 60000, 200000, 500000, 1 << 30},
		CutoffVersion:    1,
		ResendTicks:      5,
		ResendInterval:   100 * time.Millisecond,
		AbortResends:     5,
		MaxNICQueue:      5000 * time.Nanosecond,
		ThrottleMinBytes: 1000,
		MaxGSOSize:       64 * 1024,
		TickInterval:     time.Millisecond,
	}
}

func (c *Config) resolveDerived() {
	if c.CutoffResendInterval == 0 {
		c.CutoffResendInterval = 10 * c.TickInterval
	}
}

// Validated returns c with zero-valued derived fields filled in.
func (c *Config) Validated() *Config {
	c.resolveDerived()
	return c
}

// SetCutoffs installs a new unscheduled-priority cutoff vector and bumps
// CutoffVersion so that peers refresh on their next contact, per the
// prios-changed hook named in the specification.
func (c *Config) SetCutoffs(cutoffs [NumPriorities]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.UnschedCutoffs = cutoffs
	c.CutoffVersion++
}

// Cutoffs returns the current cutoff vector and version as a snapshot safe
// for concurrent readers.
func (c *Config) Cutoffs() ([NumPriorities]int, uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.UnschedCutoffs, c.CutoffVersion
}

// UnscheduledWindow returns round_up_to_full_packet(RTTBytes) as used for
// sizing a new outbound message's unscheduled prefix.
func (c *Config) UnscheduledWindow() int {
	return roundUpToFullPacket(c.RTTBytes, c.MaxGSOSize)
}

func roundUpToFullPacket(n, packet int) int {
	if packet <= 0 {
		return n
	}
	rem := n % packet
	if rem == 0 {
		return n
	}
	return n + (packet - rem)
}
