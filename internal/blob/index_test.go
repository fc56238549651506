package blob

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := OpenIndex(filepath.Join(t.TempDir(), "blobs.db"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestIndexMarkVerifiedSchedulesAnnounce(t *testing.T) {
	ix := newTestIndex(t)
	h := Sum([]byte("a"))
	if err := ix.MarkVerified(h, 1); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}

	due, err := ix.DueForAnnounce(time.Now(), 10)
	if err != nil {
		t.Fatalf("DueForAnnounce: %v", err)
	}
	if len(due) != 1 || due[0] != h {
		t.Fatalf("due = %v, want [%s]", due, h.Short())
	}
}

// TestIndexDueForAnnounceClaims verifies a claimed blob is not handed
// out twice until it is rescheduled.
func TestIndexDueForAnnounceClaims(t *testing.T) {
	ix := newTestIndex(t)
	h := Sum([]byte("b"))
	if err := ix.MarkVerified(h, 1); err != nil {
		t.Fatal(err)
	}

	first, err := ix.DueForAnnounce(time.Now(), 10)
	if err != nil || len(first) != 1 {
		t.Fatalf("first claim = %v, %v", first, err)
	}
	second, err := ix.DueForAnnounce(time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Fatalf("claimed blob handed out twice: %v", second)
	}

	// Rescheduling in the past makes it claimable again.
	if err := ix.SetNextAnnounce(h, time.Now().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}
	third, err := ix.DueForAnnounce(time.Now(), 10)
	if err != nil || len(third) != 1 {
		t.Fatalf("reclaim after reschedule = %v, %v", third, err)
	}
}

func TestIndexSetNextAnnounceFuture(t *testing.T) {
	ix := newTestIndex(t)
	h := Sum([]byte("c"))
	if err := ix.MarkVerified(h, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := ix.DueForAnnounce(time.Now(), 10); err != nil {
		t.Fatal(err)
	}
	if err := ix.SetNextAnnounce(h, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	due, err := ix.DueForAnnounce(time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("blob scheduled an hour out should not be due, got %v", due)
	}
	depth, err := ix.AnnounceQueueDepth(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if depth != 0 {
		t.Fatalf("queue depth = %d, want 0", depth)
	}
}

func TestIndexAnnounceQueueDepthCountsInFlight(t *testing.T) {
	ix := newTestIndex(t)
	h := Sum([]byte("d"))
	if err := ix.MarkVerified(h, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := ix.DueForAnnounce(time.Now(), 10); err != nil {
		t.Fatal(err)
	}
	// Claimed but not yet rescheduled: still counted.
	depth, err := ix.AnnounceQueueDepth(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if depth != 1 {
		t.Fatalf("queue depth = %d, want 1", depth)
	}
}

// TestIndexReopenReleasesClaims simulates a crash between claiming a
// blob and rescheduling it: reopening the index must make the blob
// claimable again instead of leaving it in flight forever.
func TestIndexReopenReleasesClaims(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blobs.db")
	ix, err := OpenIndex(path)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	h := Sum([]byte("claimed then crashed"))
	if err := ix.MarkVerified(h, 1); err != nil {
		t.Fatal(err)
	}
	claimed, err := ix.DueForAnnounce(time.Now(), 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim = %v, %v", claimed, err)
	}
	ix.Close()

	ix, err = OpenIndex(path)
	if err != nil {
		t.Fatalf("reopen index: %v", err)
	}
	defer ix.Close()
	due, err := ix.DueForAnnounce(time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0] != h {
		t.Fatalf("due after reopen = %v, want the stranded blob", due)
	}
}

func TestIndexListVerifiedPagination(t *testing.T) {
	ix := newTestIndex(t)
	for i := 0; i < 5; i++ {
		if err := ix.MarkVerified(Sum([]byte{byte(i)}), 1); err != nil {
			t.Fatal(err)
		}
	}
	page, err := ix.ListVerified(1, 2)
	if err != nil {
		t.Fatalf("ListVerified: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want 2", len(page))
	}
	all, err := ix.ListVerified(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("full list = %d, want 5", len(all))
	}
}
