package dht

import (
	"testing"
	"time"
)

// makeContact builds a contact with a deterministic ID: a single byte
// set at the given position. Position 0 with the high bit lands in
// bucket 0 relative to a zero self ID.
func makeContact(byteIdx int, val byte) Contact {
	var id NodeID
	id[byteIdx] = val
	return Contact{ID: id, Address: "127.0.0.1:4000", BlobAddr: "127.0.0.1:5567"}
}

func newTestTable(k int) *RoutingTable {
	var self NodeID
	return NewRoutingTable(self, k, 2, time.Hour)
}

func TestTableSeenAddsContact(t *testing.T) {
	rt := newTestTable(8)
	c := makeContact(0, 0x80)
	rt.Seen(c)

	if rt.Size() != 1 {
		t.Fatalf("size = %d, want 1", rt.Size())
	}
	closest := rt.ClosestN(c.ID, 5)
	if len(closest) != 1 || closest[0].ID != c.ID {
		t.Fatal("added contact should be returned by ClosestN")
	}
	if closest[0].BlobAddr != "127.0.0.1:5567" {
		t.Fatalf("blob addr lost: %q", closest[0].BlobAddr)
	}
}

func TestTableIgnoresSelf(t *testing.T) {
	rt := newTestTable(8)
	rt.Seen(Contact{ID: rt.Self(), Address: "x"})
	if rt.Size() != 0 {
		t.Fatal("self must never enter the table")
	}
}

// TestTableDemotionAfterConsecutiveFailures verifies a contact turns Bad
// at the failure threshold and is evicted from its bucket.
func TestTableDemotionAfterConsecutiveFailures(t *testing.T) {
	rt := newTestTable(8)
	c := makeContact(0, 0x80)
	rt.RecordSuccess(c)

	if got := rt.Classify(c.ID); got != Good {
		t.Fatalf("after success: %v, want good", got)
	}

	rt.RecordFailure(c.ID)
	if got := rt.Classify(c.ID); got == Bad {
		t.Fatal("one failure below threshold must not demote")
	}
	rt.RecordFailure(c.ID)
	if got := rt.Classify(c.ID); got != Bad {
		t.Fatalf("at threshold: %v, want bad", got)
	}
	if rt.Size() != 0 {
		t.Fatal("bad contact must be evicted from its bucket")
	}
}

// TestTableBadContactNotReadmittedBySeen verifies hearsay (Seen) cannot
// resurrect a Bad contact; only a direct reply (RecordSuccess) can.
func TestTableBadContactNotReadmittedBySeen(t *testing.T) {
	rt := newTestTable(8)
	c := makeContact(0, 0x80)
	rt.RecordSuccess(c)
	rt.RecordFailure(c.ID)
	rt.RecordFailure(c.ID)

	rt.Seen(c)
	if rt.Size() != 0 {
		t.Fatal("Seen must not re-admit a bad contact")
	}
	if rt.Classify(c.ID) != Bad {
		t.Fatal("contact should remain bad")
	}

	rt.RecordSuccess(c)
	if rt.Size() != 1 {
		t.Fatal("a direct successful reply must re-admit the contact")
	}
	if rt.Classify(c.ID) != Good {
		t.Fatal("contact should be good after a reply")
	}
}

// TestTableSuccessClearsFailureRun verifies the failure counter resets
// on success, so non-consecutive failures never demote.
func TestTableSuccessClearsFailureRun(t *testing.T) {
	rt := newTestTable(8)
	c := makeContact(0, 0x80)
	rt.RecordSuccess(c)

	rt.RecordFailure(c.ID)
	rt.RecordSuccess(c)
	rt.RecordFailure(c.ID)

	if rt.Classify(c.ID) == Bad {
		t.Fatal("interleaved successes must keep the contact out of bad")
	}
}

// TestTableFullBucketPrefersResidents fills a bucket and verifies a
// newcomer is dropped while all residents are healthy, but replaces a
// resident that has gone bad.
func TestTableFullBucketPrefersResidents(t *testing.T) {
	k := 3
	rt := newTestTable(k)

	residents := make([]Contact, k)
	for i := 0; i < k; i++ {
		residents[i] = makeContact(0, 0x80|byte(i+1))
		rt.RecordSuccess(residents[i])
	}
	if rt.Size() != k {
		t.Fatalf("size = %d, want %d", rt.Size(), k)
	}

	newcomer := makeContact(0, 0x80|0x10)
	rt.Seen(newcomer)
	if rt.Size() != k {
		t.Fatal("newcomer must be dropped while the bucket is healthy")
	}

	rt.RecordFailure(residents[0].ID)
	rt.RecordFailure(residents[0].ID)
	rt.Seen(newcomer)

	found := false
	for _, c := range rt.ClosestN(newcomer.ID, k+1) {
		if c.ID == newcomer.ID {
			found = true
		}
		if c.ID == residents[0].ID {
			t.Fatal("bad resident should have been replaced")
		}
	}
	if !found {
		t.Fatal("newcomer should take the bad resident's slot")
	}
}

func TestTableClosestNOrdersByDistance(t *testing.T) {
	rt := newTestTable(8)
	far := makeContact(0, 0x80)
	mid := makeContact(1, 0x80)
	near := makeContact(2, 0x80)
	rt.Seen(far)
	rt.Seen(near)
	rt.Seen(mid)

	var target NodeID // zero: nearer means lower bytes set
	got := rt.ClosestN(target, 3)
	if len(got) != 3 {
		t.Fatalf("got %d contacts, want 3", len(got))
	}
	if got[0].ID != near.ID || got[1].ID != mid.ID || got[2].ID != far.ID {
		t.Fatal("contacts not ordered by XOR distance to target")
	}
}

func TestTableTokenExpiry(t *testing.T) {
	rt := newTestTable(8)
	c := makeContact(0, 0x80)
	rt.Seen(c)
	rt.SetToken(c.ID, "tok")

	if tok, ok := rt.TokenFor(c.ID, time.Minute); !ok || tok != "tok" {
		t.Fatalf("fresh token: %q, %v", tok, ok)
	}
	if _, ok := rt.TokenFor(c.ID, 0); ok {
		t.Fatal("expired token must not be returned")
	}
	if _, ok := rt.TokenFor(makeContact(0, 0x81).ID, time.Minute); ok {
		t.Fatal("unknown contact has no token")
	}
}

func TestTableMidpointForBucket(t *testing.T) {
	rt := newTestTable(8)
	for _, idx := range []int{0, 9, NumBuckets - 1} {
		target := rt.MidpointForBucket(idx)
		if got := BucketIndex(rt.Self(), target); got != idx {
			t.Fatalf("midpoint of bucket %d lands in bucket %d", idx, got)
		}
	}
}

func TestTableStaleBuckets(t *testing.T) {
	rt := newTestTable(8)
	rt.Seen(makeContact(0, 0x80))

	if stale := rt.StaleBuckets(time.Hour); len(stale) != 0 {
		t.Fatalf("fresh bucket reported stale: %v", stale)
	}
	if stale := rt.StaleBuckets(0); len(stale) != 1 || stale[0] != 0 {
		t.Fatalf("expected bucket 0 stale, got %v", stale)
	}
}
