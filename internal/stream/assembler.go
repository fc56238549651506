package stream

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/ssd-technologies/umbra/internal/blob"
	"github.com/ssd-technologies/umbra/internal/crypto"
)

// State is the lifecycle state of a stream download.
type State int

const (
	StateResolving State = iota // locating and validating the sd blob
	StateFetching               // pulling data blobs from peers
	StateComplete
	StateFailed
	StateCancelled
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateFetching:
		return "fetching"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Peer is a remote blob server candidate for a fetch.
type Peer struct {
	Address string // host:port of the peer's blob exchange listener
}

// PeerFinder locates peers announcing a blob. Backed by the DHT node.
type PeerFinder interface {
	FindPeers(ctx context.Context, h blob.Hash) ([]Peer, error)
}

// BlobFetcher retrieves one blob's ciphertext from one peer. Backed by
// the exchange client.
type BlobFetcher interface {
	FetchBlob(ctx context.Context, addr string, h blob.Hash) ([]byte, error)
}

// AssemblerConfig configures stream downloads. Zero values get defaults.
type AssemblerConfig struct {
	Store   *blob.Store
	Finder  PeerFinder
	Fetcher BlobFetcher

	// MaxConcurrentBlobs bounds parallel blob downloads within one
	// stream. Default 4.
	MaxConcurrentBlobs int

	// PeersPerBlob bounds parallel peer attempts for a single blob; the
	// first peer to deliver wins and the rest are abandoned. Default 3.
	PeersPerBlob int

	// BlobTimeout covers one blob across all its peer attempts.
	// Default 30s.
	BlobTimeout time.Duration

	// PeerSearchTimeout bounds the DHT lookup per blob. Default 30s.
	PeerSearchTimeout time.Duration

	// FailureCacheSize / FailureCacheTTL size the cache of recently
	// failed peer addresses, used to deprioritize them when ordering
	// candidates. Defaults 256 and 10m.
	FailureCacheSize int
	FailureCacheTTL  time.Duration
}

func (c *AssemblerConfig) applyDefaults() {
	if c.MaxConcurrentBlobs == 0 {
		c.MaxConcurrentBlobs = 4
	}
	if c.PeersPerBlob == 0 {
		c.PeersPerBlob = 3
	}
	if c.BlobTimeout == 0 {
		c.BlobTimeout = 30 * time.Second
	}
	if c.PeerSearchTimeout == 0 {
		c.PeerSearchTimeout = 30 * time.Second
	}
	if c.FailureCacheSize == 0 {
		c.FailureCacheSize = 256
	}
	if c.FailureCacheTTL == 0 {
		c.FailureCacheTTL = 10 * time.Minute
	}
}

// Assembler downloads streams: it resolves the sd blob, then fetches,
// verifies, and decrypts the data blobs from multiple peers in parallel,
// emitting plaintext in order through a pipe. Fetched blobs are written
// back to the local store, so a completed download reseeds the stream.
type Assembler struct {
	cfg AssemblerConfig

	// failures counts recent delivery failures per peer address; entries
	// age out so a flaky peer is not shunned forever.
	failures *expirable.LRU[string, int]
}

// NewAssembler builds an assembler over the given store, finder, and
// fetcher.
func NewAssembler(cfg AssemblerConfig) *Assembler {
	cfg.applyDefaults()
	return &Assembler{
		cfg:      cfg,
		failures: expirable.NewLRU[string, int](cfg.FailureCacheSize, nil, cfg.FailureCacheTTL),
	}
}

// Handle tracks one stream download. The caller reads plaintext from
// Reader while the download runs; Done is closed once the terminal state
// is reached.
type Handle struct {
	ID     string
	SDHash blob.Hash

	mu        sync.Mutex
	state     State
	desc      *Descriptor
	completed int
	err       error

	pr     *io.PipeReader
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Progress returns completed and total data blob counts. Total is zero
// until the descriptor has been resolved.
func (h *Handle) Progress() (completed, total int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.desc != nil {
		total = len(h.desc.DataBlobs())
	}
	return h.completed, total
}

// Descriptor returns the resolved descriptor, or nil while resolving.
func (h *Handle) Descriptor() *Descriptor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.desc
}

// Err returns the terminal error, if any. Valid after Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Reader streams the decrypted file contents in order. Reads fail with
// the terminal error if the download does not complete.
func (h *Handle) Reader() io.Reader { return h.pr }

// Done is closed when the download reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel aborts the download. Safe to call at any time and after
// completion, where it is a no-op. Closing the read side here unblocks
// an emitter stuck writing to a pipe nobody is draining.
func (h *Handle) Cancel() {
	h.cancel(ErrCancelled)
	h.pr.CloseWithError(ErrCancelled)
}

func (h *Handle) setFetching(d *Descriptor) {
	h.mu.Lock()
	h.state = StateFetching
	h.desc = d
	h.mu.Unlock()
}

func (h *Handle) blobDone() {
	h.mu.Lock()
	h.completed++
	h.mu.Unlock()
}

func (h *Handle) finish(state State, err error) {
	h.mu.Lock()
	h.state = state
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// Get starts downloading the stream named by sdHash and returns a handle
// immediately. A timeout of 0 means no overall deadline; per-blob and
// peer-search timeouts still apply.
func (a *Assembler) Get(ctx context.Context, sdHash blob.Hash, timeout time.Duration) *Handle {
	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, stop = context.WithTimeoutCause(ctx, timeout, ErrStreamTimeout)
	}

	pr, pw := io.Pipe()
	h := &Handle{
		ID:     uuid.NewString(),
		SDHash: sdHash,
		state:  StateResolving,
		pr:     pr,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer stop()
		// A dead context must also release an emitter blocked writing
		// to an undrained pipe; the deadline has no one else to do it.
		unwatch := context.AfterFunc(ctx, func() {
			h.pr.CloseWithError(resolveCause(ctx, ctx.Err()))
		})
		a.run(ctx, h, pw)
		unwatch()
	}()
	return h
}

// run drives one download to a terminal state.
func (a *Assembler) run(ctx context.Context, h *Handle, pw *io.PipeWriter) {
	err := a.assemble(ctx, h, pw)
	if err == nil {
		pw.Close()
		h.finish(StateComplete, nil)
		return
	}

	err = resolveCause(ctx, err)
	pw.CloseWithError(err)
	switch {
	case errors.Is(err, ErrCancelled):
		h.finish(StateCancelled, err)
	case errors.Is(err, ErrStreamTimeout):
		h.finish(StateTimedOut, err)
	default:
		h.finish(StateFailed, err)
	}
	log.Printf("[assembler] download %s (%s): %v", h.ID, h.SDHash.Short(), err)
}

// resolveCause maps bare context errors to the cause that produced them,
// so callers see ErrCancelled or ErrStreamTimeout rather than
// "context canceled".
func resolveCause(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if cause := context.Cause(ctx); cause != nil && cause != ctx.Err() {
			return cause
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrStreamTimeout
		}
		return ErrCancelled
	}
	return err
}

func (a *Assembler) assemble(ctx context.Context, h *Handle, pw *io.PipeWriter) error {
	sdBytes, err := a.resolveBlob(ctx, h.SDHash)
	if err != nil {
		return fmt.Errorf("resolve sd blob: %w", err)
	}
	desc, err := Decode(sdBytes)
	if err != nil {
		return err
	}
	key, err := desc.StreamKey()
	if err != nil {
		return err
	}
	h.setFetching(desc)

	blobs := desc.DataBlobs()
	plain := make([][]byte, len(blobs))
	ready := make([]chan struct{}, len(blobs))
	for i := range ready {
		ready[i] = make(chan struct{})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.MaxConcurrentBlobs)
	go func() {
		for i := range blobs {
			i := i
			g.Go(func() error {
				pt, err := a.fetchAndDecrypt(gctx, h.SDHash, blobs[i], key)
				if err != nil {
					return fmt.Errorf("blob %d: %w", blobs[i].BlobNum, err)
				}
				plain[i] = pt
				close(ready[i])
				h.blobDone()
				return nil
			})
		}
	}()

	// Emit plaintext strictly in blob order while fetches run out of
	// order behind us.
	content := sha512.New384()
	for i := range blobs {
		select {
		case <-ready[i]:
		case <-gctx.Done():
			if err := g.Wait(); err != nil {
				return err
			}
			return gctx.Err()
		}
		content.Write(plain[i])
		if _, werr := pw.Write(plain[i]); werr != nil {
			// The reader went away or the session deadline closed the
			// pipe. Stop the fetchers and report which one it was.
			h.cancel(ErrCancelled)
			g.Wait()
			if errors.Is(werr, ErrStreamTimeout) {
				return werr
			}
			return ErrCancelled
		}
		plain[i] = nil
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if desc.ContentHash != "" && hex.EncodeToString(content.Sum(nil)) != desc.ContentHash {
		return fmt.Errorf("%w: content hash mismatch", ErrCorruptData)
	}
	return nil
}

// fetchAndDecrypt obtains one data blob's ciphertext, locally or from
// the network, verifies it, and decrypts it with the stream key and the
// blob's IV.
func (a *Assembler) fetchAndDecrypt(ctx context.Context, sdHash blob.Hash, bi BlobInfo, key []byte) ([]byte, error) {
	bh, err := bi.Hash()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	iv, err := hex.DecodeString(bi.IV)
	if err != nil || len(iv) != crypto.IVSize {
		return nil, fmt.Errorf("%w: malformed iv for blob %d", ErrInvalidDescriptor, bi.BlobNum)
	}

	ciphertext, err := a.cfg.Store.Get(bh)
	if err != nil {
		ciphertext, err = a.fetchFromNetwork(ctx, bh)
		if err != nil {
			return nil, err
		}
		a.keep(bh, ciphertext, sdHash, bi.BlobNum)
	}
	if len(ciphertext) != bi.Length {
		return nil, fmt.Errorf("%w: blob %s length %d, descriptor says %d",
			ErrCorruptData, bh.Short(), len(ciphertext), bi.Length)
	}

	pt, err := crypto.DecryptBlob(key, iv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt blob %s: %v", ErrCorruptData, bh.Short(), err)
	}
	return pt, nil
}

// resolveBlob returns verified blob bytes from the local store, or from
// the network, persisting a network copy locally.
func (a *Assembler) resolveBlob(ctx context.Context, h blob.Hash) ([]byte, error) {
	if data, err := a.cfg.Store.Get(h); err == nil {
		return data, nil
	}
	data, err := a.fetchFromNetwork(ctx, h)
	if err != nil {
		return nil, err
	}
	a.keep(h, data, blob.Hash{}, 0)
	return data, nil
}

// keep writes fetched ciphertext into the local store so the node can
// serve and reannounce it. Failures are logged, not fatal: the bytes in
// hand are already verified.
func (a *Assembler) keep(h blob.Hash, data []byte, sdHash blob.Hash, position int) {
	if err := a.cfg.Store.Put(h, data); err != nil {
		log.Printf("[assembler] keep blob %s: %v", h.Short(), err)
		return
	}
	if !sdHash.IsZero() {
		if err := a.cfg.Store.SetStream(h, sdHash, position); err != nil {
			log.Printf("[assembler] associate blob %s: %v", h.Short(), err)
		}
	}
}

// fetchFromNetwork finds peers for a blob and races the best candidates
// for it; the first verified delivery wins.
func (a *Assembler) fetchFromNetwork(ctx context.Context, h blob.Hash) ([]byte, error) {
	sctx, cancel := context.WithTimeout(ctx, a.cfg.PeerSearchTimeout)
	peers, err := a.cfg.Finder.FindPeers(sctx, h)
	cancel()
	if err != nil {
		return nil, err
	}
	if len(peers) == 0 {
		return nil, fmt.Errorf("%w: blob %s", ErrNoPeersFound, h.Short())
	}

	a.orderPeers(peers)
	if len(peers) > a.cfg.PeersPerBlob {
		peers = peers[:a.cfg.PeersPerBlob]
	}

	fctx, cancel := context.WithTimeoutCause(ctx, a.cfg.BlobTimeout, ErrPeerTimeout)
	defer cancel()

	type result struct {
		addr string
		data []byte
		err  error
	}
	ch := make(chan result, len(peers))
	for _, p := range peers {
		go func(p Peer) {
			data, err := a.cfg.Fetcher.FetchBlob(fctx, p.Address, h)
			if err == nil && blob.Sum(data) != h {
				err = fmt.Errorf("%w: digest mismatch from %s", ErrCorruptData, p.Address)
			}
			ch <- result{addr: p.Address, data: data, err: err}
		}(p)
	}

	var lastErr error
	for range peers {
		select {
		case r := <-ch:
			if r.err == nil {
				return r.data, nil
			}
			a.recordPeerFailure(r.addr)
			lastErr = r.err
		case <-fctx.Done():
			return nil, resolveCause(fctx, fctx.Err())
		}
	}
	// Every candidate failed before the deadline; surface the last
	// failure's class (corruption, unavailability) rather than a timeout.
	return nil, fmt.Errorf("blob %s: all peers failed: %w", h.Short(), lastErr)
}

// orderPeers sorts candidates so addresses with fewer recent failures
// come first. The sort is stable, preserving DHT ordering among equals.
func (a *Assembler) orderPeers(peers []Peer) {
	sort.SliceStable(peers, func(i, j int) bool {
		fi, _ := a.failures.Get(peers[i].Address)
		fj, _ := a.failures.Get(peers[j].Address)
		return fi < fj
	})
}

func (a *Assembler) recordPeerFailure(addr string) {
	n, _ := a.failures.Get(addr)
	a.failures.Add(addr, n+1)
}
