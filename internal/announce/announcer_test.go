package announce

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ssd-technologies/umbra/internal/blob"
)

type fakeNetwork struct {
	mu     sync.Mutex
	calls  []blob.Hash
	stored int
	err    error
}

func (n *fakeNetwork) AnnounceBlob(ctx context.Context, h blob.Hash) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, h)
	return n.stored, n.err
}

func (n *fakeNetwork) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func newTestIndex(t *testing.T) *blob.Index {
	t.Helper()
	ix, err := blob.OpenIndex(filepath.Join(t.TempDir(), "blobs.db"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

// markDue records a verified blob and aligns its schedule with the mock
// clock, which does not share an epoch with the wall clock the index
// stamps on insert.
func markDue(t *testing.T, ix *blob.Index, mock *clock.Mock, h blob.Hash) {
	t.Helper()
	if err := ix.MarkVerified(h, 100); err != nil {
		t.Fatal(err)
	}
	if err := ix.SetNextAnnounce(h, mock.Now()); err != nil {
		t.Fatal(err)
	}
}

func waitReal(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// advanceUntil steps the mock clock forward until cond holds, letting
// the scheduler's ticker fire along the way.
func advanceUntil(t *testing.T, mock *clock.Mock, step time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		mock.Add(step)
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestAnnouncer(ix *blob.Index, net Network, mock *clock.Mock) *Announcer {
	return New(Config{
		Index:     ix,
		Network:   net,
		Workers:   1,
		BatchSize: 8,
		PollEvery: time.Minute,
		Interval:  30 * time.Minute,
		Backoff:   5 * time.Minute,
		Timeout:   time.Second,
		Clock:     mock,
	})
}

// TestAnnouncerWakesForNewBlob verifies a freshly verified blob gets
// announced through the wake path, without waiting out a poll interval.
func TestAnnouncerWakesForNewBlob(t *testing.T) {
	ix := newTestIndex(t)
	mock := clock.NewMock()
	net := &fakeNetwork{stored: 3}
	a := newTestAnnouncer(ix, net, mock)
	a.Start()
	defer a.Stop()

	h := blob.Sum([]byte("fresh blob"))
	markDue(t, ix, mock, h)
	a.AnnounceBlob(h)

	waitReal(t, 3*time.Second, func() bool { return net.count() == 1 },
		"blob was never announced after wake")
	waitReal(t, 3*time.Second, func() bool {
		depth, err := a.QueueDepth()
		return err == nil && depth == 0
	}, "queue should drain after a successful announcement")
}

func TestAnnouncerReannouncesAfterInterval(t *testing.T) {
	ix := newTestIndex(t)
	mock := clock.NewMock()
	net := &fakeNetwork{stored: 1}
	a := newTestAnnouncer(ix, net, mock)
	a.Start()
	defer a.Stop()

	markDue(t, ix, mock, blob.Sum([]byte("seed")))
	a.AnnounceBlob(blob.Sum([]byte("seed")))
	waitReal(t, 3*time.Second, func() bool { return net.count() == 1 },
		"first announcement missing")

	advanceUntil(t, mock, 10*time.Minute, func() bool { return net.count() >= 2 },
		"blob was not reannounced after the interval elapsed")
}

// TestAnnouncerBacksOffOnFailure verifies a failed announcement is
// retried after the backoff, not after the full interval and not
// immediately.
func TestAnnouncerBacksOffOnFailure(t *testing.T) {
	ix := newTestIndex(t)
	mock := clock.NewMock()
	net := &fakeNetwork{err: errors.New("dht unreachable")}
	a := newTestAnnouncer(ix, net, mock)
	a.Start()
	defer a.Stop()

	h := blob.Sum([]byte("unlucky"))
	markDue(t, ix, mock, h)
	a.AnnounceBlob(h)
	waitReal(t, 3*time.Second, func() bool { return net.count() == 1 },
		"first attempt missing")

	// Without time passing there must be no retry.
	a.AnnounceBlob(h)
	time.Sleep(50 * time.Millisecond)
	if net.count() != 1 {
		t.Fatalf("retried %d times with no time elapsed", net.count()-1)
	}

	advanceUntil(t, mock, 5*time.Minute, func() bool { return net.count() >= 2 },
		"failed blob was not retried after the backoff")
}

// TestAnnouncerTreatsZeroStoredAsFailure verifies an announcement nobody
// accepted is rescheduled on the backoff, same as an error.
func TestAnnouncerTreatsZeroStoredAsFailure(t *testing.T) {
	ix := newTestIndex(t)
	mock := clock.NewMock()
	net := &fakeNetwork{stored: 0}
	a := newTestAnnouncer(ix, net, mock)
	a.Start()
	defer a.Stop()

	h := blob.Sum([]byte("lonely"))
	markDue(t, ix, mock, h)
	a.AnnounceBlob(h)
	waitReal(t, 3*time.Second, func() bool { return net.count() == 1 },
		"first attempt missing")

	advanceUntil(t, mock, 5*time.Minute, func() bool { return net.count() >= 2 },
		"unaccepted announcement was not retried")
}
