package dht

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func TestNodeIDFromPublicKeyIsStable(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	a := NodeIDFromPublicKey(pub)
	b := NodeIDFromPublicKey(pub)
	if a != b {
		t.Fatal("same key must map to the same node ID")
	}
}

func TestXORProperties(t *testing.T) {
	var a, b NodeID
	a[0], a[47] = 0xff, 0x01
	b[0], b[47] = 0x0f, 0x01

	if XOR(a, a) != (NodeID{}) {
		t.Fatal("XOR(a, a) must be zero")
	}
	if XOR(a, b) != XOR(b, a) {
		t.Fatal("XOR must be symmetric")
	}
	want := NodeID{}
	want[0] = 0xf0
	if XOR(a, b) != want {
		t.Fatalf("XOR = %x, want %x", XOR(a, b), want)
	}
}

func TestDistanceLess(t *testing.T) {
	var target, near, far NodeID
	near[47] = 0x01
	far[0] = 0x80

	if !DistanceLess(target, near, far) {
		t.Fatal("near should be closer to target than far")
	}
	if DistanceLess(target, far, near) {
		t.Fatal("far should not be closer than near")
	}
	if DistanceLess(target, near, near) {
		t.Fatal("equal distance must not be strictly less")
	}
}

func TestBucketIndex(t *testing.T) {
	var self NodeID

	var topBit NodeID
	topBit[0] = 0x80
	if got := BucketIndex(self, topBit); got != 0 {
		t.Fatalf("top bit difference: bucket %d, want 0", got)
	}

	var lowBit NodeID
	lowBit[47] = 0x01
	if got := BucketIndex(self, lowBit); got != NumBuckets-1 {
		t.Fatalf("lowest bit difference: bucket %d, want %d", got, NumBuckets-1)
	}

	if got := BucketIndex(self, self); got != NumBuckets-1 {
		t.Fatalf("identical IDs: bucket %d, want %d", got, NumBuckets-1)
	}

	var midBit NodeID
	midBit[1] = 0x40 // bit 9
	if got := BucketIndex(self, midBit); got != 9 {
		t.Fatalf("bit 9 difference: bucket %d, want 9", got)
	}
}

func TestKeyFromBytes(t *testing.T) {
	raw := make([]byte, IDLength)
	for i := range raw {
		raw[i] = byte(i)
	}
	id := KeyFromBytes(raw)
	for i := range raw {
		if id[i] != raw[i] {
			t.Fatalf("byte %d = %d, want %d", i, id[i], raw[i])
		}
	}
	short := KeyFromBytes([]byte{0xaa})
	if short[0] != 0xaa || short[1] != 0 {
		t.Fatal("short input must be zero-padded")
	}
}
