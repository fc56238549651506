package dht

import (
	"sync"
	"time"
)

// BlobPeer is a peer known to hold a blob: its node ID and the TCP
// address of its blob exchange server. This is the value type stored in
// the DHT under blob hash keys.
type BlobPeer struct {
	ID       NodeID `json:"id"`
	BlobAddr string `json:"blob_addr"`
}

// announcement is one stored (peer, blob) fact with its expiry.
type announcement struct {
	peer    BlobPeer
	expires time.Time
}

// Datastore is the in-memory store of who-holds-what facts accepted via
// token-gated store RPCs. Entries expire after the configured TTL and
// are pruned lazily on read plus periodically by the node's prune loop.
type Datastore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[NodeID][]announcement
}

// NewDatastore creates a datastore whose entries live for ttl.
func NewDatastore(ttl time.Duration) *Datastore {
	return &Datastore{
		ttl:     ttl,
		entries: make(map[NodeID][]announcement),
	}
}

// Add records that peer holds the blob at key, refreshing the expiry if
// the fact is already present.
func (ds *Datastore) Add(key NodeID, peer BlobPeer) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	expires := time.Now().Add(ds.ttl)
	for i, a := range ds.entries[key] {
		if a.peer.ID == peer.ID {
			ds.entries[key][i] = announcement{peer: peer, expires: expires}
			return
		}
	}
	ds.entries[key] = append(ds.entries[key], announcement{peer: peer, expires: expires})
}

// Get returns the unexpired peers stored for key.
func (ds *Datastore) Get(key NodeID) []BlobPeer {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	now := time.Now()
	live := ds.entries[key][:0]
	var peers []BlobPeer
	for _, a := range ds.entries[key] {
		if a.expires.After(now) {
			live = append(live, a)
			peers = append(peers, a.peer)
		}
	}
	if len(live) == 0 {
		delete(ds.entries, key)
	} else {
		ds.entries[key] = live
	}
	return peers
}

// Prune drops all expired entries and returns how many were removed.
func (ds *Datastore) Prune() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, list := range ds.entries {
		live := list[:0]
		for _, a := range list {
			if a.expires.After(now) {
				live = append(live, a)
			} else {
				removed++
			}
		}
		if len(live) == 0 {
			delete(ds.entries, key)
		} else {
			ds.entries[key] = live
		}
	}
	return removed
}

// Len returns the number of keys with at least one stored peer.
func (ds *Datastore) Len() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return len(ds.entries)
}
