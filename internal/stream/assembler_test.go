package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ssd-technologies/umbra/internal/blob"
)

// fakeFinder returns a fixed peer list for every blob.
type fakeFinder struct {
	mu    sync.Mutex
	peers []Peer
	calls int
}

func (f *fakeFinder) FindPeers(ctx context.Context, h blob.Hash) ([]Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.peers, nil
}

func (f *fakeFinder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeFetcher serves blobs out of a source store, with per-address
// misbehavior: corrupt addresses flip a byte, stuck addresses block
// until the context dies.
type fakeFetcher struct {
	source  *blob.Store
	corrupt map[string]bool
	stuck   map[string]bool
}

func (f *fakeFetcher) FetchBlob(ctx context.Context, addr string, h blob.Hash) ([]byte, error) {
	if f.stuck[addr] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	data, err := f.source.Get(h)
	if err != nil {
		return nil, err
	}
	if f.corrupt[addr] {
		data = append([]byte(nil), data...)
		data[0] ^= 0xff
	}
	return data, nil
}

func newAssemblerEnv(t *testing.T, content []byte) (*blob.Store, blob.Hash, *fakeFetcher) {
	t.Helper()
	source := newTestStore(t)
	_, sdHash, err := Publish(source, "file.bin", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return source, sdHash, &fakeFetcher{
		source:  source,
		corrupt: map[string]bool{},
		stuck:   map[string]bool{},
	}
}

// TestAssemblerReassemblesStream downloads a three-blob stream from a
// remote peer into an empty local store and verifies the plaintext and
// the local reseed.
func TestAssemblerReassemblesStream(t *testing.T) {
	content := randomBytes(t, 2*maxChunk+999)
	_, sdHash, fetcher := newAssemblerEnv(t, content)

	local := newTestStore(t)
	a := NewAssembler(AssemblerConfig{
		Store:   local,
		Finder:  &fakeFinder{peers: []Peer{{Address: "peer-1"}}},
		Fetcher: fetcher,
	})

	h := a.Get(context.Background(), sdHash, 30*time.Second)
	got, err := io.ReadAll(h.Reader())
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	<-h.Done()

	if h.State() != StateComplete {
		t.Fatalf("state = %v, err = %v, want complete", h.State(), h.Err())
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("reassembled %d bytes, content mismatch", len(got))
	}
	completed, total := h.Progress()
	if completed != 3 || total != 3 {
		t.Fatalf("progress = %d/%d, want 3/3", completed, total)
	}

	// Fetched blobs are kept locally, stream association included.
	if !local.Has(sdHash) {
		t.Error("sd blob should be kept locally")
	}
	order, err := local.ListForStream(sdHash)
	if err != nil || len(order) != 3 {
		t.Errorf("local stream association = %v, %v, want 3 blobs", order, err)
	}
}

// TestAssemblerSurvivesCorruptPeer races a corrupting peer against an
// honest one; the corrupt delivery fails its digest check and the
// honest copy wins.
func TestAssemblerSurvivesCorruptPeer(t *testing.T) {
	content := randomBytes(t, maxChunk+50)
	_, sdHash, fetcher := newAssemblerEnv(t, content)
	fetcher.corrupt["bad-peer"] = true

	local := newTestStore(t)
	a := NewAssembler(AssemblerConfig{
		Store:   local,
		Finder:  &fakeFinder{peers: []Peer{{Address: "bad-peer"}, {Address: "good-peer"}}},
		Fetcher: fetcher,
	})

	h := a.Get(context.Background(), sdHash, 30*time.Second)
	got, err := io.ReadAll(h.Reader())
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	<-h.Done()
	if h.State() != StateComplete {
		t.Fatalf("state = %v, err = %v", h.State(), h.Err())
	}
	if !bytes.Equal(got, content) {
		t.Fatal("content mismatch")
	}
}

func TestAssemblerNoPeersFound(t *testing.T) {
	_, sdHash, fetcher := newAssemblerEnv(t, randomBytes(t, 100))

	local := newTestStore(t)
	a := NewAssembler(AssemblerConfig{
		Store:   local,
		Finder:  &fakeFinder{}, // finds nobody
		Fetcher: fetcher,
	})

	h := a.Get(context.Background(), sdHash, 5*time.Second)
	<-h.Done()
	if h.State() != StateFailed {
		t.Fatalf("state = %v, want failed", h.State())
	}
	if !errors.Is(h.Err(), ErrNoPeersFound) {
		t.Fatalf("err = %v, want ErrNoPeersFound", h.Err())
	}
}

// TestAssemblerLocalBlobsSkipNetwork downloads a stream that is already
// fully local and verifies no peer search happens.
func TestAssemblerLocalBlobsSkipNetwork(t *testing.T) {
	content := randomBytes(t, 4000)
	source, sdHash, fetcher := newAssemblerEnv(t, content)

	finder := &fakeFinder{}
	a := NewAssembler(AssemblerConfig{
		Store:   source, // same store the stream was published into
		Finder:  finder,
		Fetcher: fetcher,
	})

	h := a.Get(context.Background(), sdHash, 5*time.Second)
	got, err := io.ReadAll(h.Reader())
	if err != nil {
		t.Fatal(err)
	}
	<-h.Done()
	if h.State() != StateComplete {
		t.Fatalf("state = %v, err = %v", h.State(), h.Err())
	}
	if !bytes.Equal(got, content) {
		t.Fatal("content mismatch")
	}
	if finder.callCount() != 0 {
		t.Fatalf("finder called %d times for a fully local stream", finder.callCount())
	}
}

func TestAssemblerCancel(t *testing.T) {
	_, sdHash, fetcher := newAssemblerEnv(t, randomBytes(t, maxChunk+100))
	fetcher.stuck["slow-peer"] = true

	local := newTestStore(t)
	a := NewAssembler(AssemblerConfig{
		Store:   local,
		Finder:  &fakeFinder{peers: []Peer{{Address: "slow-peer"}}},
		Fetcher: fetcher,
	})

	h := a.Get(context.Background(), sdHash, time.Minute)
	time.Sleep(50 * time.Millisecond)
	h.Cancel()

	<-h.Done()
	if h.State() != StateCancelled {
		t.Fatalf("state = %v, want cancelled", h.State())
	}
	if !errors.Is(h.Err(), ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", h.Err())
	}
}

// TestAssemblerCancelWithUnreadReader cancels a download whose consumer
// never reads the pipe. The emitter is blocked writing the first blob;
// Cancel must still drive the session to a terminal state.
func TestAssemblerCancelWithUnreadReader(t *testing.T) {
	_, sdHash, fetcher := newAssemblerEnv(t, randomBytes(t, maxChunk+500))

	local := newTestStore(t)
	a := NewAssembler(AssemblerConfig{
		Store:   local,
		Finder:  &fakeFinder{peers: []Peer{{Address: "peer-1"}}},
		Fetcher: fetcher,
	})

	h := a.Get(context.Background(), sdHash, time.Minute)
	waitForProgress(t, h, 1)
	h.Cancel()

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Cancel did not terminate a download with an unread reader")
	}
	if h.State() != StateCancelled {
		t.Fatalf("state = %v, want cancelled", h.State())
	}
	if _, err := io.ReadAll(h.Reader()); !errors.Is(err, ErrCancelled) {
		t.Fatalf("read after cancel = %v, want ErrCancelled", err)
	}
}

func waitForProgress(t *testing.T, h *Handle, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if done, _ := h.Progress(); done >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("download never completed %d blobs", n)
}

// TestAssemblerTimeoutWithUnreadReader hits the stream deadline while
// the emitter is blocked writing to a pipe nobody reads; the deadline
// must still terminate the session.
func TestAssemblerTimeoutWithUnreadReader(t *testing.T) {
	_, sdHash, fetcher := newAssemblerEnv(t, randomBytes(t, maxChunk+500))

	local := newTestStore(t)
	a := NewAssembler(AssemblerConfig{
		Store:   local,
		Finder:  &fakeFinder{peers: []Peer{{Address: "peer-1"}}},
		Fetcher: fetcher,
	})

	h := a.Get(context.Background(), sdHash, 300*time.Millisecond)
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("deadline did not terminate a download with an unread reader")
	}
	if h.State() != StateTimedOut {
		t.Fatalf("state = %v, err = %v, want timed_out", h.State(), h.Err())
	}
	if !errors.Is(h.Err(), ErrStreamTimeout) {
		t.Fatalf("err = %v, want ErrStreamTimeout", h.Err())
	}
}

// TestAssemblerReportsCorruption verifies that when every peer delivers
// corrupt bytes the terminal error says so, not that peers timed out.
func TestAssemblerReportsCorruption(t *testing.T) {
	source, sdHash, fetcher := newAssemblerEnv(t, randomBytes(t, 2000))
	fetcher.corrupt["bad-peer"] = true

	// The sd blob is already local; only the data blob crosses the wire.
	local := newTestStore(t)
	sdBytes, err := source.Get(sdHash)
	if err != nil {
		t.Fatal(err)
	}
	if err := local.Put(sdHash, sdBytes); err != nil {
		t.Fatal(err)
	}

	a := NewAssembler(AssemblerConfig{
		Store:   local,
		Finder:  &fakeFinder{peers: []Peer{{Address: "bad-peer"}}},
		Fetcher: fetcher,
	})

	h := a.Get(context.Background(), sdHash, 10*time.Second)
	io.ReadAll(h.Reader())
	<-h.Done()

	if h.State() != StateFailed {
		t.Fatalf("state = %v, err = %v, want failed", h.State(), h.Err())
	}
	if !errors.Is(h.Err(), ErrCorruptData) {
		t.Fatalf("err = %v, want ErrCorruptData", h.Err())
	}
	if errors.Is(h.Err(), ErrPeerTimeout) {
		t.Fatalf("err = %v misreported as a peer timeout", h.Err())
	}
}

func TestAssemblerStreamTimeout(t *testing.T) {
	_, sdHash, fetcher := newAssemblerEnv(t, randomBytes(t, maxChunk+100))
	fetcher.stuck["slow-peer"] = true

	local := newTestStore(t)
	a := NewAssembler(AssemblerConfig{
		Store:   local,
		Finder:  &fakeFinder{peers: []Peer{{Address: "slow-peer"}}},
		Fetcher: fetcher,
	})

	h := a.Get(context.Background(), sdHash, 100*time.Millisecond)
	<-h.Done()
	if h.State() != StateTimedOut {
		t.Fatalf("state = %v, err = %v, want timed_out", h.State(), h.Err())
	}
	if !errors.Is(h.Err(), ErrStreamTimeout) {
		t.Fatalf("err = %v, want ErrStreamTimeout", h.Err())
	}
}
