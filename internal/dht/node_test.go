package dht

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"
)

// newTestNode starts a node on a random loopback port.
func newTestNode(t *testing.T, blobAddr string, bootstrap ...string) *Node {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	n := NewNode(Config{
		PrivateKey:     priv,
		PublicKey:      pub,
		BlobAddr:       blobAddr,
		BootstrapPeers: bootstrap,
		RPCTimeout:     2 * time.Second,
		BootstrapRetry: 200 * time.Millisecond,
	})
	if err := n.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

// TestNodePingExchangesIdentities verifies a ping round-trip populates
// both routing tables with the real peer identities.
func TestNodePingExchangesIdentities(t *testing.T) {
	a := newTestNode(t, "127.0.0.1:5001")
	b := newTestNode(t, "127.0.0.1:5002")

	contact, err := b.Ping(a.Addr())
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if contact.ID != a.ID() {
		t.Fatal("pong should reveal the pinged node's real ID")
	}
	if contact.BlobAddr != "127.0.0.1:5001" {
		t.Fatalf("blob addr = %q, want a's", contact.BlobAddr)
	}
	if b.Table().Size() != 1 {
		t.Fatalf("b's table size = %d, want 1", b.Table().Size())
	}
	waitFor(t, 2*time.Second, func() bool { return a.Table().Size() == 1 },
		"a should learn b from the inbound ping")
}

func TestNodeBootstrapJoins(t *testing.T) {
	a := newTestNode(t, "127.0.0.1:5001")
	b := newTestNode(t, "127.0.0.1:5002", a.Addr())

	waitFor(t, 3*time.Second, func() bool { return b.Table().Size() > 0 },
		"b should join via its bootstrap peer")
}

// TestNodeAnnounceAndFindPeers walks the full discovery path: announce
// on one node, resolve locally on the target node, and resolve remotely
// from a third node.
func TestNodeAnnounceAndFindPeers(t *testing.T) {
	a := newTestNode(t, "127.0.0.1:5001")
	b := newTestNode(t, "127.0.0.1:5002")
	c := newTestNode(t, "127.0.0.1:5003")

	if _, err := b.Ping(a.Addr()); err != nil {
		t.Fatalf("b ping a: %v", err)
	}
	if _, err := c.Ping(a.Addr()); err != nil {
		t.Fatalf("c ping a: %v", err)
	}

	key := KeyFromBytes([]byte("some blob hash key"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stored, err := b.AnnounceBlob(ctx, key)
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if stored == 0 {
		t.Fatal("announce should be accepted by at least one node")
	}

	// The accepting node resolves from its own datastore.
	peers, err := a.FindPeersForBlob(ctx, key)
	if err != nil {
		t.Fatalf("a find peers: %v", err)
	}
	if len(peers) == 0 || peers[0].BlobAddr != "127.0.0.1:5002" {
		t.Fatalf("a's peers = %v, want b's blob addr", peers)
	}

	// A third node resolves over the network.
	peers, err = c.FindPeersForBlob(ctx, key)
	if err != nil {
		t.Fatalf("c find peers: %v", err)
	}
	found := false
	for _, p := range peers {
		if p.BlobAddr == "127.0.0.1:5002" && p.ID == b.ID() {
			found = true
		}
	}
	if !found {
		t.Fatalf("c's peers = %v, want b listed as a holder", peers)
	}
}

func TestNodeFindPeersForUnknownKey(t *testing.T) {
	a := newTestNode(t, "127.0.0.1:5001")
	b := newTestNode(t, "127.0.0.1:5002")
	if _, err := b.Ping(a.Addr()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := KeyFromBytes([]byte("never announced"))
	if _, err := b.FindPeersForBlob(ctx, key); err == nil {
		t.Fatal("lookup for an unannounced key should fail")
	}
}

// TestNodeStoreRefusedWithoutToken sends a store RPC carrying a bogus
// token and verifies the receiving node refuses it.
func TestNodeStoreRefusedWithoutToken(t *testing.T) {
	a := newTestNode(t, "127.0.0.1:5001")
	b := newTestNode(t, "127.0.0.1:5002")

	contact, err := b.Ping(a.Addr())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	key := KeyFromBytes([]byte("gated"))
	if err := b.storeRPC(ctx, *contact, key, "bogus-token"); err == nil {
		t.Fatal("store with a bogus token must be refused")
	}
	if a.StoredKeys() != 0 {
		t.Fatal("refused store must not create a datastore entry")
	}

	// With a real token obtained via find_value, the store goes through.
	fvr, err := b.findValueRPC(ctx, *contact, key)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.storeRPC(ctx, *contact, key, fvr.Token); err != nil {
		t.Fatalf("store with a fresh token: %v", err)
	}
	if a.StoredKeys() != 1 {
		t.Fatal("accepted store should create a datastore entry")
	}
}
