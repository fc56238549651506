// Package blob provides content-addressed storage for encrypted chunks
// ("blobs"). A blob is an immutable ciphertext buffer identified by the
// SHA-384 digest of its bytes; the digest doubles as the DHT key and the
// on-disk file name.
package blob

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
)

// HashLength is the byte length of a blob hash (SHA-384, 384 bits).
const HashLength = 48

// MaxBlobSize is the maximum ciphertext size of a single blob.
const MaxBlobSize = 2 * 1024 * 1024 // 2 MiB

// Hash identifies a blob by the SHA-384 digest of its ciphertext.
type Hash [HashLength]byte

// ErrInvalidHash is returned when a hex string does not decode to a
// well-formed blob hash.
var ErrInvalidHash = errors.New("invalid blob hash")

// Sum computes the blob hash of the given ciphertext bytes.
func Sum(data []byte) Hash {
	return sha512.Sum384(data)
}

// HashFromHex parses a 96-character hex string into a Hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	if len(s) != HashLength*2 {
		return h, fmt.Errorf("%w: expected %d hex chars, got %d", ErrInvalidHash, HashLength*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	copy(h[:], b)
	return h, nil
}

// Hex returns the lowercase hex encoding of the hash.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 hex chars, for log lines.
func (h Hash) Short() string {
	return h.Hex()[:8]
}

// IsZero reports whether the hash is the all-zero value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) String() string { return h.Hex() }
