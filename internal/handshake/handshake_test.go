package handshake

import (
	"bytes"
	"testing"

	"golang.org/x/crypto/blake2s"
)

// buildPacket returns a 148-byte initiation packet with a valid MAC1 for
// pubKey, and counter folded into bytes 114:116 so repeated calls produce
// distinct packets (mirrors original_source/tests/utils/mod.rs's handshake
// helper).
func buildPacket(t *testing.T, pubKey [32]byte, counter uint16) []byte {
	t.Helper()
	packet := make([]byte, PacketLen)
	copy(packet[0:4], initiationType[:])
	for i := 4; i < payloadLen; i++ {
		packet[i] = byte(i)
	}
	packet[114] = byte(counter >> 8)
	packet[115] = byte(counter)

	key := deriveMAC1Key(pubKey)
	h, err := blake2s.New128(key[:])
	if err != nil {
		t.Fatalf("blake2s.New128: %v", err)
	}
	h.Write(packet[:payloadLen])
	copy(packet[payloadLen:payloadLen+mac1Len], h.Sum(nil))
	return packet
}

func testKey(b byte) [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = b
	}
	return k
}

func TestValidate_AcceptsCorrectMAC1(t *testing.T) {
	key := testKey(0x31)
	v := New([][32]byte{key}, nil)
	packet := buildPacket(t, key, 1)

	if err := v.Validate(packet); err != nil {
		t.Fatalf("expected valid handshake to pass, got %v", err)
	}
}

func TestValidate_RejectsWrongLength(t *testing.T) {
	key := testKey(0x31)
	v := New([][32]byte{key}, nil)
	packet := buildPacket(t, key, 1)

	if err := v.Validate(packet[:100]); err == nil {
		t.Fatal("expected a length error")
	}
}

func TestValidate_RejectsWrongMagic(t *testing.T) {
	key := testKey(0x31)
	v := New([][32]byte{key}, nil)
	packet := buildPacket(t, key, 1)
	packet[0] = 0x02

	if err := v.Validate(packet); err == nil {
		t.Fatal("expected a magic mismatch error")
	}
}

func TestValidate_RejectsZeroedMAC1(t *testing.T) {
	key := testKey(0x31)
	v := New([][32]byte{key}, nil)
	packet := buildPacket(t, key, 1)
	for i := payloadLen; i < payloadLen+mac1Len; i++ {
		packet[i] = 0
	}

	if err := v.Validate(packet); err == nil {
		t.Fatal("expected a MAC1 mismatch error")
	}
}

func TestValidate_MultipleKeysTriedInOrder(t *testing.T) {
	k1, k2 := testKey(0x01), testKey(0x02)
	v := New([][32]byte{k1, k2}, nil)

	packetForK2 := buildPacket(t, k2, 1)
	if err := v.Validate(packetForK2); err != nil {
		t.Fatalf("expected the second configured key to validate the packet, got %v", err)
	}
}

func TestValidate_RejectsUnknownKey(t *testing.T) {
	k1 := testKey(0x01)
	other := testKey(0xAA)
	v := New([][32]byte{k1}, nil)

	packet := buildPacket(t, other, 1)
	if err := v.Validate(packet); err == nil {
		t.Fatal("expected validation to fail for an unconfigured key")
	}
}

func TestValidate_ReplaySuppression(t *testing.T) {
	key := testKey(0x31)
	v := New([][32]byte{key}, NewReplayFilter(16))
	packet := buildPacket(t, key, 1)

	if err := v.Validate(packet); err != nil {
		t.Fatalf("first validation should succeed, got %v", err)
	}
	if err := v.Validate(bytes.Clone(packet)); err == nil {
		t.Fatal("expected replay of the same packet to be rejected")
	}
}

func TestValidate_NoReplayRejectionWhenDisabled(t *testing.T) {
	key := testKey(0x31)
	v := New([][32]byte{key}, nil)
	packet := buildPacket(t, key, 1)

	if err := v.Validate(packet); err != nil {
		t.Fatalf("first validation should succeed, got %v", err)
	}
	if err := v.Validate(bytes.Clone(packet)); err != nil {
		t.Fatalf("expected repeated validation to succeed with replay suppression disabled, got %v", err)
	}
}

func TestReplayFilter_EvictsOldestAtCapacity(t *testing.T) {
	f := NewReplayFilter(2)
	mac := func(b byte) []byte { return bytes.Repeat([]byte{b}, mac1Len) }

	if !f.Accept(mac(1)) {
		t.Fatal("expected first insert to be accepted")
	}
	if !f.Accept(mac(2)) {
		t.Fatal("expected second insert to be accepted")
	}
	if !f.Accept(mac(3)) {
		t.Fatal("expected third insert to evict the oldest and be accepted")
	}
	if f.Len() != 2 {
		t.Fatalf("expected capacity to stay at 2, got %d", f.Len())
	}
	if !f.Accept(mac(1)) {
		t.Fatal("expected evicted fingerprint to be re-acceptable")
	}
}
