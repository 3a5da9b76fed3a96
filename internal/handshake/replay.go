package handshake

import "encoding/binary"

// DefaultHistorySize is the design default from spec.md §4.2: 262,144
// entries, about 4 MiB of fingerprints.
const DefaultHistorySize = 262144

// fingerprintOffset selects the middle 8 bytes of the 16-byte MAC1, chosen
// (per spec.md §4.2 and §9) to avoid the low-entropy boundaries an attacker
// could more easily grind.
const fingerprintOffset = 4

// ReplayFilter is a bounded FIFO of recently-accepted MAC1 fingerprints,
// used to reject replayed handshake initiations. It is not a correctness
// requirement (spec.md §9 Open Questions) — just hardening.
type ReplayFilter struct {
	capacity int
	set      map[uint64]struct{}
	order    []uint64
	head     int
}

// NewReplayFilter creates a ReplayFilter holding up to capacity fingerprints.
func NewReplayFilter(capacity int) *ReplayFilter {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &ReplayFilter{
		capacity: capacity,
		set:      make(map[uint64]struct{}, capacity),
		order:    make([]uint64, 0, capacity),
	}
}

// Accept inserts mac1's fingerprint and reports whether it was new. A
// collision on the already-present fingerprint is rejected (returns false);
// an honest client simply retries with a fresh handshake.
func (f *ReplayFilter) Accept(mac1 []byte) bool {
	fp := fingerprint(mac1)
	if _, seen := f.set[fp]; seen {
		return false
	}

	if len(f.order) < f.capacity {
		f.order = append(f.order, fp)
	} else {
		oldest := f.order[f.head]
		delete(f.set, oldest)
		f.order[f.head] = fp
		f.head = (f.head + 1) % f.capacity
	}
	f.set[fp] = struct{}{}
	return true
}

// Len reports the number of fingerprints currently stored (spec.md §8, P4).
func (f *ReplayFilter) Len() int { return len(f.set) }

// fingerprint extracts the middle 8 bytes of a 16-byte MAC1 as a uint64.
func fingerprint(mac1 []byte) uint64 {
	return binary.BigEndian.Uint64(mac1[fingerprintOffset : fingerprintOffset+8])
}
