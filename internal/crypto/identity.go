package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// LoadOrCreateIdentity returns the node's ed25519 keypair, generating
// and persisting one on first run. The file holds the hex-encoded seed
// and is written with owner-only permissions.
func LoadOrCreateIdentity(path string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		seed, derr := hex.DecodeString(strings.TrimSpace(string(data)))
		if derr != nil || len(seed) != ed25519.SeedSize {
			return nil, nil, fmt.Errorf("identity file %s is malformed", path)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return priv.Public().(ed25519.PublicKey), priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("read identity: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate identity: %w", err)
	}
	line := hex.EncodeToString(priv.Seed()) + "\n"
	if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
		return nil, nil, fmt.Errorf("persist identity: %w", err)
	}
	return pub, priv, nil
}
