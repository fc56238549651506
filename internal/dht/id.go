// Package dht implements the Kademlia-style distributed hash table used
// for blob discovery. Node IDs and blob hashes share one 384-bit address
// space: a node announces the blobs it holds at the key equal to each
// blob's hash, and downloaders look those keys up to find holder peers.
package dht

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/hex"
	"math/bits"
)

// IDLength is the byte length of a NodeID (384 bits, matching the blob
// hash width).
const IDLength = 48

// NodeID is a 384-bit identifier in the DHT key space.
type NodeID [IDLength]byte

// NodeIDFromPublicKey computes SHA-384 of an Ed25519 public key to
// produce a uniformly distributed NodeID, so the key space stays evenly
// populated regardless of key generation patterns.
func NodeIDFromPublicKey(pub ed25519.PublicKey) NodeID {
	return sha512.Sum384(pub)
}

// Hex returns the lowercase hex encoding of the ID.
func (id NodeID) Hex() string {
	return hex.EncodeToString(id[:])
}

// KeyFromBytes builds a NodeID key from a raw 48-byte digest, e.g. a
// blob hash. Short input is zero-padded; long input is truncated.
func KeyFromBytes(b []byte) NodeID {
	var id NodeID
	copy(id[:], b)
	return id
}

// XOR returns the XOR distance between two IDs. In Kademlia the XOR
// metric defines the space: d(a,b) = a XOR b.
func XOR(a, b NodeID) NodeID {
	var result NodeID
	for i := 0; i < IDLength; i++ {
		result[i] = a[i] ^ b[i]
	}
	return result
}

// DistanceLess reports whether a is strictly closer to target than b by
// XOR distance, comparing byte-by-byte from the most significant byte.
func DistanceLess(target, a, b NodeID) bool {
	da := XOR(target, a)
	db := XOR(target, b)
	for i := 0; i < IDLength; i++ {
		if da[i] != db[i] {
			return da[i] < db[i]
		}
	}
	return false // equal distance
}

// BucketIndex returns the k-bucket index for a peer relative to self:
// the position of the highest set bit in XOR(self, other), counting from
// the most significant bit as 0. Bucket 0 is the most distant half of
// the key space; higher indices share longer prefixes with self. If the
// IDs are identical, the closest bucket is returned.
func BucketIndex(self, other NodeID) int {
	dist := XOR(self, other)
	for i := 0; i < IDLength; i++ {
		if dist[i] != 0 {
			return i*8 + bits.LeadingZeros8(dist[i])
		}
	}
	return NumBuckets - 1
}
