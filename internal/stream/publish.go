package stream

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/ssd-technologies/umbra/internal/blob"
	"github.com/ssd-technologies/umbra/internal/crypto"
)

// maxChunk is the plaintext read per blob: ciphertext (plaintext plus
// cipher overhead) must fit in MaxBlobSize.
const maxChunk = blob.MaxBlobSize - crypto.Overhead

// Publish chunks and encrypts the bytes from r into blobs, writes them
// (and the sd blob) to the store, and returns the descriptor plus its sd
// hash. Writing the blobs through Store.Put queues every one of them,
// sd included, for DHT announcement.
func Publish(store *blob.Store, name string, r io.Reader) (*Descriptor, blob.Hash, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, blob.Hash{}, err
	}

	d := &Descriptor{
		StreamType:        StreamType,
		StreamName:        hex.EncodeToString([]byte(name)),
		Key:               hex.EncodeToString(key),
		SuggestedFileName: hex.EncodeToString([]byte(name)),
	}

	content := sha512.New384()
	buf := make([]byte, maxChunk)
	blobNum := 0
	var hashes []blob.Hash
	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			iv, err := crypto.GenerateIV()
			if err != nil {
				return nil, blob.Hash{}, err
			}
			ciphertext, err := crypto.EncryptBlob(key, iv, buf[:n])
			if err != nil {
				return nil, blob.Hash{}, fmt.Errorf("encrypt blob %d: %w", blobNum, err)
			}
			h := blob.Sum(ciphertext)
			if err := store.Put(h, ciphertext); err != nil {
				return nil, blob.Hash{}, fmt.Errorf("store blob %d: %w", blobNum, err)
			}
			content.Write(buf[:n])
			d.Blobs = append(d.Blobs, BlobInfo{
				BlobNum:  blobNum,
				BlobHash: h.Hex(),
				IV:       hex.EncodeToString(iv),
				Length:   len(ciphertext),
			})
			hashes = append(hashes, h)
			blobNum++
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return nil, blob.Hash{}, fmt.Errorf("read input: %w", readErr)
		}
	}
	if blobNum == 0 {
		return nil, blob.Hash{}, fmt.Errorf("empty input: nothing to publish")
	}

	// Stream terminator: zero length, no hash, fresh IV.
	termIV, err := crypto.GenerateIV()
	if err != nil {
		return nil, blob.Hash{}, err
	}
	d.Blobs = append(d.Blobs, BlobInfo{
		BlobNum: blobNum,
		IV:      hex.EncodeToString(termIV),
	})

	d.ContentHash = hex.EncodeToString(content.Sum(nil))
	d.SealStreamHash()

	sdBytes, err := d.Encode()
	if err != nil {
		return nil, blob.Hash{}, fmt.Errorf("encode descriptor: %w", err)
	}
	sdHash := blob.Sum(sdBytes)
	if err := store.Put(sdHash, sdBytes); err != nil {
		return nil, blob.Hash{}, fmt.Errorf("store sd blob: %w", err)
	}

	for i, h := range hashes {
		if err := store.SetStream(h, sdHash, i); err != nil {
			return nil, blob.Hash{}, err
		}
	}
	return d, sdHash, nil
}
