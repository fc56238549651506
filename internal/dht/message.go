package dht

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// Message types.
const (
	MsgPing      = "PING"
	MsgPong      = "PONG"
	MsgFindNode  = "FIND_NODE"
	MsgFindValue = "FIND_VALUE"
	MsgStore     = "STORE"
	MsgResponse  = "RESPONSE"
	MsgError     = "ERROR"
)

// SenderInfo identifies the message sender: node ID, RPC address, and
// the advertised blob exchange address other peers should fetch from.
type SenderInfo struct {
	NodeID   NodeID `json:"node_id"`
	Address  string `json:"address"`
	BlobAddr string `json:"blob_addr,omitempty"`
}

// Message is the common envelope for all DHT RPCs. Every message carries
// a request ID for correlation and an Ed25519 signature over its
// contents.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Sender    SenderInfo      `json:"sender"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature,omitempty"`
}

// signable returns the bytes covered by the signature.
func (m *Message) signable() []byte {
	return []byte(m.Type + m.ID + strconv.FormatInt(m.Timestamp, 10) + string(m.Payload))
}

// Sign signs the message with the given private key.
func (m *Message) Sign(priv ed25519.PrivateKey) {
	sig := ed25519.Sign(priv, m.signable())
	m.Signature = hex.EncodeToString(sig)
}

// Verify checks the message signature against the given public key.
func (m *Message) Verify(pub ed25519.PublicKey) error {
	if m.Signature == "" {
		return fmt.Errorf("message has no signature")
	}
	sig, err := hex.DecodeString(m.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	if !ed25519.Verify(pub, m.signable(), sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// Payload types for each RPC.

type FindNodePayload struct {
	Target NodeID `json:"target"`
}

type FindNodeResponse struct {
	Contacts []Contact `json:"contacts"`
}

type FindValuePayload struct {
	Key NodeID `json:"key"`
}

// FindValueResponse carries either the storing-peer list for the key
// (Found) or the closest contacts the responder knows. Token is always
// included so the requester can store back to this node.
type FindValueResponse struct {
	Found    bool       `json:"found"`
	Peers    []BlobPeer `json:"peers,omitempty"`
	Contacts []Contact  `json:"contacts,omitempty"`
	Token    string     `json:"token"`
}

// StorePayload announces that the sender holds the blob at Key. Token
// must be one the recipient freshly issued to this sender; BlobAddr is
// where the blob can be fetched.
type StorePayload struct {
	Key      NodeID `json:"key"`
	Token    string `json:"token"`
	BlobAddr string `json:"blob_addr"`
}

type StoreResponse struct {
	Stored bool `json:"stored"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}
