// Package handshake validates WireGuard-shaped initiation packets against
// one or more configured server public keys, using the same MAC1
// keyed-hash scheme WireGuard itself uses purely as a cheap identity filter
// (spec.md §4.2). It never inspects anything beyond the first 132 bytes.
package handshake

import (
	"crypto/hmac"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/blake2s"

	"wgproxy/internal/relayerr"
)

// Sentinel causes for Validate's failures, exported so callers can classify
// a rejection (e.g. for counters) with errors.Is instead of string matching.
var (
	ErrBadLength   = errors.New("invalid initiation packet length")
	ErrBadMagic    = errors.New("invalid initiation packet magic")
	ErrMACMismatch = errors.New("mac1 does not match any configured key")
	ErrReplay      = errors.New("duplicate handshake rejected as replay")
)

const (
	// PacketLen is the exact length of a handshake initiation packet.
	PacketLen = 148
	// payloadLen is the span MAC1 is computed over.
	payloadLen = 116
	// mac1Len is the size of the MAC1 field.
	mac1Len = 16
	// mac1Label is WireGuard's domain-separation label for MAC1 key derivation.
	mac1Label = "mac1----"
)

// initiationType is the little-endian message type for a handshake
// initiation packet: bytes 0..4 == 01 00 00 00.
var initiationType = [4]byte{0x01, 0x00, 0x00, 0x00}

// Validator holds the set of accepted public keys (and, optionally, a replay
// filter) used to authenticate new-session initiation packets.
type Validator struct {
	macKeys [][32]byte
	replay  *ReplayFilter
}

// New creates a Validator for the given 32-byte public keys. If replay is
// non-nil, validate also rejects MAC1s already seen (spec.md §4.2's
// "optional replay layer").
func New(pubKeys [][32]byte, replay *ReplayFilter) *Validator {
	keys := make([][32]byte, len(pubKeys))
	for i, k := range pubKeys {
		keys[i] = deriveMAC1Key(k)
	}
	return &Validator{macKeys: keys, replay: replay}
}

// deriveMAC1Key computes H = Blake2s-256("mac1----" || pubkey), the key used
// for the keyed Blake2s-MAC over the packet payload.
func deriveMAC1Key(pubKey [32]byte) [32]byte {
	h, _ := blake2s.New256(nil)
	h.Write([]byte(mac1Label))
	h.Write(pubKey[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Validate checks packet against spec.md §4.2's five preconditions in order,
// returning the first one that fails as a *relayerr.Error of KindValidation.
func (v *Validator) Validate(packet []byte) error {
	if len(packet) != PacketLen {
		return relayerr.Wrap(relayerr.KindValidation, ErrBadLength, "initiation packet has invalid length %d, want %d", len(packet), PacketLen)
	}
	var msgType [4]byte
	copy(msgType[:], packet[0:4])
	if msgType != initiationType {
		want := binary.LittleEndian.Uint32(initiationType[:])
		got := binary.LittleEndian.Uint32(packet[0:4])
		return relayerr.Wrap(relayerr.KindValidation, ErrBadMagic, "initiation packet has wrong message type %d, want %d", got, want)
	}

	packetMAC1 := packet[payloadLen : payloadLen+mac1Len]
	if !v.matchesAnyKey(packet[:payloadLen], packetMAC1) {
		return relayerr.Wrap(relayerr.KindValidation, ErrMACMismatch, "MAC1 does not match any configured server public key")
	}

	if v.replay != nil && !v.replay.Accept(packetMAC1) {
		return relayerr.Wrap(relayerr.KindValidation, ErrReplay, "duplicate handshake (replay suppressed)")
	}
	return nil
}

// matchesAnyKey computes MAC1 for every configured key, in order, and
// reports whether any of them constant-time-matches packetMAC1. Every key is
// tried regardless of earlier matches so that validation time does not leak
// which key (if any) matched.
func (v *Validator) matchesAnyKey(payload, packetMAC1 []byte) bool {
	matched := false
	for _, key := range v.macKeys {
		h, _ := blake2s.New128(key[:])
		h.Write(payload)
		mac1 := h.Sum(nil)
		if hmac.Equal(mac1, packetMAC1) {
			matched = true
		}
	}
	return matched
}
