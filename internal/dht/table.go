// Routing table for the Kademlia-style DHT.
//
// A RoutingTable maintains 384 k-buckets, one per bit position where the
// local node's ID and a remote ID first differ, over an arena of contact
// credibility records keyed by NodeID. Bucket slots hold only good or
// unknown contacts; a contact that turns bad is evicted from its bucket
// (making room for fresh contacts) but its record stays in the arena so
// it cannot sneak back in without a successful round-trip.
package dht

import (
	"sort"
	"sync"
	"time"
)

// NumBuckets is the number of k-buckets (one per bit of the 384-bit ID
// space).
const NumBuckets = IDLength * 8

// bucket is a single k-bucket: member IDs ordered least-recently seen
// first, plus the last refresh time.
type bucket struct {
	ids         []NodeID
	lastRefresh time.Time
}

// RoutingTable is a Kademlia routing table with a contact arena.
type RoutingTable struct {
	mu            sync.Mutex
	self          NodeID
	k             int
	maxFailures   int
	refreshWindow time.Duration

	states  map[NodeID]*contactState
	buckets [NumBuckets]*bucket
}

// NewRoutingTable creates a routing table for the local node. k is the
// bucket capacity, maxFailures the consecutive-failure threshold for
// demotion to Bad, refreshWindow the recency bound for Good.
func NewRoutingTable(self NodeID, k, maxFailures int, refreshWindow time.Duration) *RoutingTable {
	rt := &RoutingTable{
		self:          self,
		k:             k,
		maxFailures:   maxFailures,
		refreshWindow: refreshWindow,
		states:        make(map[NodeID]*contactState),
	}
	now := time.Now()
	for i := 0; i < NumBuckets; i++ {
		rt.buckets[i] = &bucket{lastRefresh: now}
	}
	return rt
}

// Self returns the local node's ID.
func (rt *RoutingTable) Self() NodeID { return rt.self }

// Seen records that we heard from a contact (it sent us a request or
// appeared in a lookup reply). The contact enters its bucket as Unknown
// if there is room; a Bad contact is NOT re-admitted. Only a reply to
// one of our own requests (RecordSuccess) can do that.
func (rt *RoutingTable) Seen(c Contact) {
	if c.ID == rt.self {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	cs := rt.state(c)
	cs.lastRequested = time.Now()
	if cs.classify(time.Now(), rt.maxFailures, rt.refreshWindow) == Bad {
		return
	}
	rt.admit(c.ID)
}

// RecordSuccess records a successful reply from a contact to one of our
// requests. The failure run is cleared, the contact re-enters its bucket
// if evicted, and it moves to the most-recently-seen position.
func (rt *RoutingTable) RecordSuccess(c Contact) {
	if c.ID == rt.self {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	cs := rt.state(c)
	cs.recordSuccess(time.Now())
	rt.admit(c.ID)
}

// RecordFailure records a failed request to a contact. Once the run of
// failures reaches the threshold the contact is evicted from its bucket.
func (rt *RoutingTable) RecordFailure(id NodeID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	cs, ok := rt.states[id]
	if !ok {
		return
	}
	cs.recordFailure(time.Now())
	if cs.classify(time.Now(), rt.maxFailures, rt.refreshWindow) == Bad {
		rt.evict(id)
	}
}

// Classify returns the credibility of a contact. Contacts we have never
// heard of are Unknown.
func (rt *RoutingTable) Classify(id NodeID) Credibility {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	cs, ok := rt.states[id]
	if !ok {
		return Unknown
	}
	return cs.classify(time.Now(), rt.maxFailures, rt.refreshWindow)
}

// SetToken stores the most recent write token a contact issued to us.
func (rt *RoutingTable) SetToken(id NodeID, token string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if cs, ok := rt.states[id]; ok {
		cs.token = token
		cs.tokenAt = time.Now()
	}
}

// TokenFor returns the stored write token for a contact if it is younger
// than maxAge. Tokens are expired slightly early by the caller to stay
// inside the issuer's window.
func (rt *RoutingTable) TokenFor(id NodeID, maxAge time.Duration) (string, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	cs, ok := rt.states[id]
	if !ok || cs.token == "" || time.Since(cs.tokenAt) >= maxAge {
		return "", false
	}
	return cs.token, true
}

// ClosestN returns up to n bucket-resident contacts closest to target by
// XOR distance. Bad contacts are never bucket residents, so they are
// never returned.
func (rt *RoutingTable) ClosestN(target NodeID, n int) []Contact {
	rt.mu.Lock()
	var all []Contact
	for _, b := range rt.buckets {
		for _, id := range b.ids {
			if cs, ok := rt.states[id]; ok {
				all = append(all, cs.contact)
			}
		}
	}
	rt.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return DistanceLess(target, all[i].ID, all[j].ID)
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Remove drops a contact from its bucket (the arena record remains).
func (rt *RoutingTable) Remove(id NodeID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.evict(id)
}

// Size returns the number of bucket-resident contacts.
func (rt *RoutingTable) Size() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	total := 0
	for _, b := range rt.buckets {
		total += len(b.ids)
	}
	return total
}

// StaleBuckets returns the indices of non-empty buckets that have not
// been refreshed within maxAge. Idle buckets are re-searched by the
// node's refresh loop.
func (rt *RoutingTable) StaleBuckets(maxAge time.Duration) []int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	var stale []int
	for i, b := range rt.buckets {
		if len(b.ids) > 0 && b.lastRefresh.Before(cutoff) {
			stale = append(stale, i)
		}
	}
	return stale
}

// MidpointForBucket returns a target ID inside the given bucket's range,
// used to drive refresh lookups toward that region of the key space.
func (rt *RoutingTable) MidpointForBucket(idx int) NodeID {
	target := rt.self
	// Flip the bit that defines the bucket; everything below it is
	// arbitrary, so leaving it equal to self is fine.
	target[idx/8] ^= 0x80 >> (idx % 8)
	return target
}

// state returns the arena record for a contact, creating or updating it.
func (rt *RoutingTable) state(c Contact) *contactState {
	cs, ok := rt.states[c.ID]
	if !ok {
		cs = &contactState{contact: c}
		rt.states[c.ID] = cs
		return cs
	}
	// Keep the freshest addressing info.
	if c.Address != "" {
		cs.contact.Address = c.Address
	}
	if c.BlobAddr != "" {
		cs.contact.BlobAddr = c.BlobAddr
	}
	return cs
}

// admit places an ID into its bucket, moving it to the tail if already
// present. If the bucket is full, a Bad member is evicted in its favor;
// otherwise the newcomer is dropped (long-lived contacts win). Caller
// holds rt.mu.
func (rt *RoutingTable) admit(id NodeID) {
	idx := BucketIndex(rt.self, id)
	b := rt.buckets[idx]
	now := time.Now()

	for i, existing := range b.ids {
		if existing == id {
			b.ids = append(b.ids[:i], b.ids[i+1:]...)
			b.ids = append(b.ids, id)
			b.lastRefresh = now
			return
		}
	}

	if len(b.ids) >= rt.k {
		// Look for a member that has gone bad and replace it.
		for i, existing := range b.ids {
			cs, ok := rt.states[existing]
			if !ok || cs.classify(now, rt.maxFailures, rt.refreshWindow) == Bad {
				b.ids = append(b.ids[:i], b.ids[i+1:]...)
				break
			}
		}
	}
	if len(b.ids) < rt.k {
		b.ids = append(b.ids, id)
		b.lastRefresh = now
	}
}

// evict removes an ID from its bucket. Caller holds rt.mu.
func (rt *RoutingTable) evict(id NodeID) {
	b := rt.buckets[BucketIndex(rt.self, id)]
	for i, existing := range b.ids {
		if existing == id {
			b.ids = append(b.ids[:i], b.ids[i+1:]...)
			return
		}
	}
}
