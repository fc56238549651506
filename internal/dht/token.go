package dht

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// TokenManager issues and verifies write tokens. A token is the
// HMAC-SHA256 of the requester's address under a secret that rotates on
// a fixed interval; tokens under the current or previous secret are
// accepted, so a token stays valid for at least one full interval and at
// most two. Store RPCs without a fresh token are refused, which stops
// third parties from flooding a node's datastore with entries for peers
// that never asked for them.
type TokenManager struct {
	mu        sync.Mutex
	secret    []byte
	oldSecret []byte
}

// NewTokenManager creates a manager with a fresh random secret.
func NewTokenManager() *TokenManager {
	return &TokenManager{
		secret:    randomSecret(),
		oldSecret: randomSecret(),
	}
}

// Rotate replaces the current secret, keeping the previous one valid.
// The node's token loop calls this once per token interval.
func (tm *TokenManager) Rotate() {
	tm.mu.Lock()
	tm.oldSecret = tm.secret
	tm.secret = randomSecret()
	tm.mu.Unlock()
}

// Issue returns the write token for a requester address under the
// current secret.
func (tm *TokenManager) Issue(addr string) string {
	tm.mu.Lock()
	secret := tm.secret
	tm.mu.Unlock()
	return sign(secret, addr)
}

// Verify reports whether token was issued to addr under the current or
// previous secret.
func (tm *TokenManager) Verify(addr, token string) bool {
	tm.mu.Lock()
	secret, old := tm.secret, tm.oldSecret
	tm.mu.Unlock()
	return hmac.Equal([]byte(token), []byte(sign(secret, addr))) ||
		hmac.Equal([]byte(token), []byte(sign(old, addr)))
}

func sign(secret []byte, addr string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(addr))
	return hex.EncodeToString(mac.Sum(nil))
}

func randomSecret() []byte {
	b := make([]byte, 32)
	rand.Read(b)
	return b
}
