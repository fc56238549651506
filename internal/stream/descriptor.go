// Package stream defines the stream descriptor format and the machinery
// to publish files as encrypted blob streams and reassemble them from
// the network. A stream descriptor ("sd") is a hash-addressed manifest
// binding an ordered blob list, the per-stream key, per-blob IVs, and
// file metadata; the sd is itself stored and distributed as a blob, and
// its hash (the "sd hash") is the handle callers use to fetch a stream.
package stream

import (
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ssd-technologies/umbra/internal/blob"
	"github.com/ssd-technologies/umbra/internal/crypto"
)

// StreamType identifies the descriptor format on the wire.
const StreamType = "umbra/stream"

// BlobInfo is one entry in a descriptor's blob list. The terminal entry
// is the stream terminator: length zero and no blob hash, marking the
// true end of the stream even when total size was not known up front.
type BlobInfo struct {
	BlobNum  int    `json:"blob_num"`
	BlobHash string `json:"blob_hash,omitempty"` // 96-char hex, absent on terminator
	IV       string `json:"iv"`                  // hex per-blob IV
	Length   int    `json:"length"`              // ciphertext length, 0 on terminator
}

// IsTerminator reports whether this entry is the stream terminator.
func (bi BlobInfo) IsTerminator() bool {
	return bi.Length == 0 && bi.BlobHash == ""
}

// Hash parses the entry's blob hash.
func (bi BlobInfo) Hash() (blob.Hash, error) {
	return blob.HashFromHex(bi.BlobHash)
}

// Descriptor is the decoded stream manifest. Field order here fixes the
// JSON encoding, so Encode is deterministic and the sd hash is stable
// across repeated encodings.
type Descriptor struct {
	StreamType        string     `json:"stream_type"`
	StreamName        string     `json:"stream_name"`         // hex-encoded original name
	Key               string     `json:"key"`                 // hex per-stream key
	SuggestedFileName string     `json:"suggested_file_name"` // hex-encoded
	StreamHash        string     `json:"stream_hash"`         // digest over the metadata below
	ContentHash       string     `json:"content_hash"`        // digest of the fully decrypted file
	Blobs             []BlobInfo `json:"blobs"`
}

// Encode serializes the descriptor deterministically. The blob hash of
// the encoded bytes is the sd hash.
func (d *Descriptor) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// SDHash returns the hash of the encoded descriptor.
func (d *Descriptor) SDHash() (blob.Hash, error) {
	data, err := d.Encode()
	if err != nil {
		return blob.Hash{}, err
	}
	return blob.Sum(data), nil
}

// Decode parses and validates descriptor bytes. A descriptor missing the
// blob list, key, or suggested filename is rejected, as is one whose
// terminator or stream hash is wrong.
func Decode(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks the structural invariants of a descriptor.
func (d *Descriptor) Validate() error {
	if d.Key == "" {
		return fmt.Errorf("%w: missing key", ErrInvalidDescriptor)
	}
	if d.SuggestedFileName == "" {
		return fmt.Errorf("%w: missing suggested file name", ErrInvalidDescriptor)
	}
	if len(d.Blobs) == 0 {
		return fmt.Errorf("%w: missing blob list", ErrInvalidDescriptor)
	}
	last := d.Blobs[len(d.Blobs)-1]
	if last.Length != 0 {
		return fmt.Errorf("%w: does not end with a zero-length terminator", ErrInvalidDescriptor)
	}
	if last.BlobHash != "" {
		return fmt.Errorf("%w: terminator must not carry a blob hash", ErrInvalidDescriptor)
	}
	for _, bi := range d.Blobs[:len(d.Blobs)-1] {
		if bi.Length == 0 {
			return fmt.Errorf("%w: zero-length data blob %d", ErrInvalidDescriptor, bi.BlobNum)
		}
		if bi.Length > blob.MaxBlobSize {
			return fmt.Errorf("%w: blob %d exceeds max blob size", ErrInvalidDescriptor, bi.BlobNum)
		}
		if _, err := blob.HashFromHex(bi.BlobHash); err != nil {
			return fmt.Errorf("%w: blob %d: %v", ErrInvalidDescriptor, bi.BlobNum, err)
		}
	}
	if key, err := hex.DecodeString(d.Key); err != nil || len(key) != crypto.KeySize {
		return fmt.Errorf("%w: malformed key", ErrInvalidDescriptor)
	}
	if d.StreamHash != "" && d.computeStreamHash() != d.StreamHash {
		return fmt.Errorf("%w: stream hash does not match stream metadata", ErrInvalidDescriptor)
	}
	return nil
}

// StreamKey decodes the per-stream symmetric key.
func (d *Descriptor) StreamKey() ([]byte, error) {
	key, err := hex.DecodeString(d.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed key", ErrInvalidDescriptor)
	}
	return key, nil
}

// DataBlobs returns the blob entries excluding the terminator.
func (d *Descriptor) DataBlobs() []BlobInfo {
	if len(d.Blobs) == 0 {
		return nil
	}
	return d.Blobs[:len(d.Blobs)-1]
}

// TotalCiphertext returns the summed ciphertext length of all data
// blobs.
func (d *Descriptor) TotalCiphertext() int64 {
	var total int64
	for _, bi := range d.DataBlobs() {
		total += int64(bi.Length)
	}
	return total
}

// TotalPlaintext returns the decrypted length of the stream. Every data
// blob's plaintext is its ciphertext minus the cipher overhead.
func (d *Descriptor) TotalPlaintext() int64 {
	var total int64
	for _, bi := range d.DataBlobs() {
		total += int64(bi.Length - crypto.Overhead)
	}
	return total
}

// Name returns the decoded stream name.
func (d *Descriptor) Name() string {
	b, err := hex.DecodeString(d.StreamName)
	if err != nil {
		return d.StreamName
	}
	return string(b)
}

// SuggestedName returns the decoded suggested filename.
func (d *Descriptor) SuggestedName() string {
	b, err := hex.DecodeString(d.SuggestedFileName)
	if err != nil {
		return d.SuggestedFileName
	}
	return string(b)
}

// computeStreamHash digests the stream metadata: hex name, key, hex
// suggested filename, and a nested digest of per-blob hashsums, each
// covering (blob_hash, blob_num, iv, length).
func (d *Descriptor) computeStreamHash() string {
	h := sha512.New384()
	h.Write([]byte(d.StreamName))
	h.Write([]byte(d.Key))
	h.Write([]byte(d.SuggestedFileName))

	blobs := sha512.New384()
	for _, bi := range d.Blobs {
		e := sha512.New384()
		if bi.Length != 0 {
			e.Write([]byte(bi.BlobHash))
		}
		e.Write([]byte(strconv.Itoa(bi.BlobNum)))
		e.Write([]byte(bi.IV))
		e.Write([]byte(strconv.Itoa(bi.Length)))
		blobs.Write(e.Sum(nil))
	}
	h.Write(blobs.Sum(nil))
	return hex.EncodeToString(h.Sum(nil))
}

// SealStreamHash computes and sets the stream hash from the current
// metadata. Called by the publisher once the blob list is final.
func (d *Descriptor) SealStreamHash() {
	d.StreamHash = d.computeStreamHash()
}
