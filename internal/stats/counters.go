// Package stats holds the relay's in-process counters: no HTTP exporter
// (the Non-goals exclude an observability surface), just atomic counters
// summarized through the logger (SPEC_FULL.md §4.6). Grounded on the
// teacher's infrastructure/telemetry/trafficstats.Collector, adapted from
// byte-rate tunnel counters to relay-shaped event counts.
package stats

import (
	"fmt"
	"sync/atomic"
)

// RejectReason classifies why a handshake initiation was rejected, so
// counts can be broken out per cause without string-matching errors.
type RejectReason int

const (
	RejectBadLength RejectReason = iota
	RejectBadMagic
	RejectMACMismatch
	RejectReplay
	rejectReasonCount
)

func (r RejectReason) String() string {
	switch r {
	case RejectBadLength:
		return "bad_length"
	case RejectBadMagic:
		return "bad_magic"
	case RejectMACMismatch:
		return "mac_mismatch"
	case RejectReplay:
		return "replay"
	default:
		return "unknown"
	}
}

// Counters are the relay's process-lifetime event counts. Every field is
// an atomic so the event loop's single goroutine and any test goroutine
// inspecting a snapshot never race, even though only one goroutine ever
// writes in production.
type Counters struct {
	sessionsCreated    atomic.Uint64
	sessionsExpired    atomic.Uint64
	packetsForwarded   atomic.Uint64
	capacityExhausted  atomic.Uint64
	handshakeRejected  [rejectReasonCount]atomic.Uint64
}

// New returns a zeroed Counters.
func New() *Counters { return &Counters{} }

func (c *Counters) SessionCreated()   { c.sessionsCreated.Add(1) }
func (c *Counters) SessionsExpired(n int) {
	if n > 0 {
		c.sessionsExpired.Add(uint64(n))
	}
}
func (c *Counters) PacketForwarded()  { c.packetsForwarded.Add(1) }
func (c *Counters) CapacityExhausted() { c.capacityExhausted.Add(1) }
func (c *Counters) HandshakeRejected(reason RejectReason) {
	if reason >= 0 && int(reason) < len(c.handshakeRejected) {
		c.handshakeRejected[reason].Add(1)
	}
}

// Snapshot is a point-in-time, allocation-stable read of every counter.
type Snapshot struct {
	SessionsCreated   uint64
	SessionsExpired   uint64
	PacketsForwarded  uint64
	CapacityExhausted uint64
	HandshakeRejected map[RejectReason]uint64
}

// Snapshot reads every counter without resetting them.
func (c *Counters) Snapshot() Snapshot {
	rejected := make(map[RejectReason]uint64, len(c.handshakeRejected))
	for i := range c.handshakeRejected {
		rejected[RejectReason(i)] = c.handshakeRejected[i].Load()
	}
	return Snapshot{
		SessionsCreated:   c.sessionsCreated.Load(),
		SessionsExpired:   c.sessionsExpired.Load(),
		PacketsForwarded:  c.packetsForwarded.Load(),
		CapacityExhausted: c.capacityExhausted.Load(),
		HandshakeRejected: rejected,
	}
}

// Summary renders the snapshot as a single human-readable line suitable for
// logging at info/debug (SPEC_FULL.md §4.6).
func (s Snapshot) Summary() string {
	return fmt.Sprintf(
		"sessions=%d expired=%d forwarded=%d capacity_exhausted=%d rejected(len=%d magic=%d mac=%d replay=%d)",
		s.SessionsCreated, s.SessionsExpired, s.PacketsForwarded, s.CapacityExhausted,
		s.HandshakeRejected[RejectBadLength], s.HandshakeRejected[RejectBadMagic],
		s.HandshakeRejected[RejectMACMismatch], s.HandshakeRejected[RejectReplay],
	)
}
