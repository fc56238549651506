package dht

import (
	"testing"
	"time"
)

func TestDatastoreAddGet(t *testing.T) {
	ds := NewDatastore(time.Hour)
	var key NodeID
	key[0] = 0x01

	p1 := BlobPeer{ID: makeContact(1, 0x01).ID, BlobAddr: "127.0.0.1:5001"}
	p2 := BlobPeer{ID: makeContact(1, 0x02).ID, BlobAddr: "127.0.0.1:5002"}
	ds.Add(key, p1)
	ds.Add(key, p2)

	peers := ds.Get(key)
	if len(peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(peers))
	}
	if ds.Len() != 1 {
		t.Fatalf("Len = %d, want 1", ds.Len())
	}
}

// TestDatastoreRefreshNotDuplicate verifies re-announcing updates the
// existing entry instead of growing the list.
func TestDatastoreRefreshNotDuplicate(t *testing.T) {
	ds := NewDatastore(time.Hour)
	var key NodeID
	p := BlobPeer{ID: makeContact(1, 0x01).ID, BlobAddr: "127.0.0.1:5001"}

	ds.Add(key, p)
	p.BlobAddr = "127.0.0.1:6001"
	ds.Add(key, p)

	peers := ds.Get(key)
	if len(peers) != 1 {
		t.Fatalf("got %d peers, want 1", len(peers))
	}
	if peers[0].BlobAddr != "127.0.0.1:6001" {
		t.Fatalf("refresh should keep the newest address, got %s", peers[0].BlobAddr)
	}
}

func TestDatastoreExpiry(t *testing.T) {
	ds := NewDatastore(10 * time.Millisecond)
	var key NodeID
	ds.Add(key, BlobPeer{ID: makeContact(1, 0x01).ID, BlobAddr: "a"})

	time.Sleep(20 * time.Millisecond)
	if peers := ds.Get(key); len(peers) != 0 {
		t.Fatalf("expired entry still returned: %v", peers)
	}
	if ds.Len() != 0 {
		t.Fatal("expired key should be dropped on read")
	}
}

func TestDatastorePrune(t *testing.T) {
	ds := NewDatastore(10 * time.Millisecond)
	var k1, k2 NodeID
	k1[0], k2[0] = 1, 2
	ds.Add(k1, BlobPeer{ID: makeContact(1, 0x01).ID, BlobAddr: "a"})
	ds.Add(k2, BlobPeer{ID: makeContact(1, 0x02).ID, BlobAddr: "b"})

	time.Sleep(20 * time.Millisecond)
	if removed := ds.Prune(); removed != 2 {
		t.Fatalf("pruned %d, want 2", removed)
	}
	if ds.Len() != 0 {
		t.Fatalf("Len = %d after prune, want 0", ds.Len())
	}
}
