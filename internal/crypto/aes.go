// Package crypto implements the symmetric cipher used for blob content.
// Every stream carries one random 256-bit key; every blob in the stream
// is sealed independently under that key with its own IV, so blobs can
// be decrypted out of order as they arrive.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

const (
	// KeySize is the byte length of a per-stream AES-256 key.
	KeySize = 32
	// IVSize is the byte length of a per-blob GCM nonce.
	IVSize = 12
	// Overhead is the ciphertext expansion per blob (the GCM tag).
	Overhead = 16
)

// GenerateKey returns a fresh random stream key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// GenerateIV returns a fresh random per-blob IV.
func GenerateIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	return iv, nil
}

// EncryptBlob seals one blob's plaintext under the stream key and the
// blob's IV. The result is plaintext length + Overhead bytes.
func EncryptBlob(key, iv, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key, iv)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, iv, plaintext, nil), nil
}

// DecryptBlob opens one blob's ciphertext. Authentication failure means
// the ciphertext does not belong to this (key, iv) pair and is reported
// as an error; it is never silently tolerated.
func DecryptBlob(key, iv, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key, iv)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt blob: %w", err)
	}
	return plaintext, nil
}

func newGCM(key, iv []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("bad key length %d", len(key))
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("bad iv length %d", len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}
