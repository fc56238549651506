// Package engine wires the node together: blob store and index, DHT
// node, announcer, blob exchange server, and the stream publisher and
// assembler. The daemon and the local API talk to the Engine; nothing
// below it knows about the composition.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ssd-technologies/umbra/internal/announce"
	"github.com/ssd-technologies/umbra/internal/blob"
	"github.com/ssd-technologies/umbra/internal/crypto"
	"github.com/ssd-technologies/umbra/internal/dht"
	"github.com/ssd-technologies/umbra/internal/exchange"
	"github.com/ssd-technologies/umbra/internal/stream"
)

// ErrNotStarted is returned by operations that need the network stack
// before Start has run.
var ErrNotStarted = errors.New("engine not started")

// Config configures the engine. Zero values get defaults.
type Config struct {
	// DataDir holds the identity key, the blob index database, and the
	// blob files. Default "./data".
	DataDir string

	// DHTHost/DHTPort bind the DHT RPC listener. Port 0 picks a free
	// port.
	DHTHost string
	DHTPort int

	// BlobHost/BlobPort bind the blob exchange listener. Port 0 picks a
	// free port.
	BlobHost string
	BlobPort int

	// AdvertiseAddr is the blob exchange address announced to the DHT.
	// Defaults to the actual listen address, which is only right when
	// the node is directly reachable on it.
	AdvertiseAddr string

	// BootstrapPeers are DHT addresses dialed to join the network.
	BootstrapPeers []string

	// DownloadTimeout is the default overall deadline for Get when the
	// caller passes none. Default 10m.
	DownloadTimeout time.Duration

	// MinRate is the lowest transfer rate offer this node's blob server
	// accepts; PaymentRate is what its client offers to others.
	MinRate     float64
	PaymentRate float64

	// ReflectorPort binds an optional reflector upload listener. Zero
	// disables it; -1 picks a free port.
	ReflectorPort int
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.DownloadTimeout == 0 {
		c.DownloadTimeout = 10 * time.Minute
	}
}

// Engine owns the node's components and exposes the operations the
// daemon offers: publish a stream, get a stream, reflect a stream,
// inspect status.
type Engine struct {
	cfg Config

	index     *blob.Index
	store     *blob.Store
	node      *dht.Node
	announcer *announce.Announcer
	server    *exchange.Server
	reflector *exchange.ReflectorServer
	client    *exchange.Client
	assembler *stream.Assembler

	mu        sync.Mutex
	started   bool
	startedAt time.Time
	downloads map[string]*stream.Handle
}

// New opens the engine's storage. Call Start to bring up the network
// stack.
func New(cfg Config) (*Engine, error) {
	cfg.applyDefaults()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	index, err := blob.OpenIndex(filepath.Join(cfg.DataDir, "blobs.db"))
	if err != nil {
		return nil, err
	}
	store, err := blob.NewStore(filepath.Join(cfg.DataDir, "blobs"), index, nil)
	if err != nil {
		index.Close()
		return nil, err
	}

	return &Engine{
		cfg:       cfg,
		index:     index,
		store:     store,
		client:    exchange.NewClient(exchange.ClientConfig{PaymentRate: cfg.PaymentRate}),
		downloads: make(map[string]*stream.Handle),
	}, nil
}

// Store exposes the blob store, for the local API and tests.
func (e *Engine) Store() *blob.Store { return e.store }

// Node exposes the DHT node after Start, for the local API and tests.
func (e *Engine) Node() *dht.Node { return e.node }

// Start brings up the exchange server, the DHT node, and the announcer,
// in that order: the DHT announces the exchange server's address, and
// the announcer needs the DHT.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	pub, priv, err := crypto.LoadOrCreateIdentity(filepath.Join(e.cfg.DataDir, "identity.key"))
	if err != nil {
		return err
	}

	e.server = exchange.NewServer(exchange.ServerConfig{
		Store:   e.store,
		Host:    e.cfg.BlobHost,
		Port:    e.cfg.BlobPort,
		MinRate: e.cfg.MinRate,
	})
	if err := e.server.Start(); err != nil {
		return err
	}

	blobAddr := e.cfg.AdvertiseAddr
	if blobAddr == "" {
		blobAddr = e.server.Addr()
	}

	e.node = dht.NewNode(dht.Config{
		PrivateKey:     priv,
		PublicKey:      pub,
		Host:           e.cfg.DHTHost,
		Port:           e.cfg.DHTPort,
		BlobAddr:       blobAddr,
		BootstrapPeers: e.cfg.BootstrapPeers,
	})
	if err := e.node.Start(); err != nil {
		e.server.Close()
		return err
	}

	e.announcer = announce.New(announce.Config{
		Index:   e.index,
		Network: dhtAnnouncer{node: e.node},
	})
	e.announcer.Start()
	e.store.SetAnnounceSink(e.announcer)

	e.assembler = stream.NewAssembler(stream.AssemblerConfig{
		Store:   e.store,
		Finder:  dhtPeerFinder{node: e.node},
		Fetcher: e.client,
	})

	if e.cfg.ReflectorPort != 0 {
		port := e.cfg.ReflectorPort
		if port < 0 {
			port = 0
		}
		e.reflector = exchange.NewReflectorServer(exchange.ReflectorServerConfig{
			Store: e.store,
			Host:  e.cfg.BlobHost,
			Port:  port,
		})
		if err := e.reflector.Start(); err != nil {
			e.node.Close()
			e.server.Close()
			return err
		}
	}

	e.started = true
	e.startedAt = time.Now()
	id := e.node.ID()
	log.Printf("[engine] node %x up, dht %s, blobs %s", id[:6], e.node.Addr(), blobAddr)
	return nil
}

// Close shuts the engine down: cancel downloads, stop announcing, then
// tear down the listeners and the index.
func (e *Engine) Close() error {
	e.mu.Lock()
	started := e.started
	e.started = false
	handles := make([]*stream.Handle, 0, len(e.downloads))
	for _, h := range e.downloads {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	if !started {
		return e.index.Close()
	}

	e.announcer.Stop()
	if e.reflector != nil {
		e.reflector.Close()
	}
	var firstErr error
	if err := e.node.Close(); err != nil {
		firstErr = err
	}
	if err := e.server.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.index.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Publish chunks, encrypts, and stores the content of r as a stream
// named name, and returns its descriptor and sd hash. The blobs are
// announced to the DHT as they land.
func (e *Engine) Publish(name string, r io.Reader) (*stream.Descriptor, blob.Hash, error) {
	return stream.Publish(e.store, name, r)
}

// Get starts downloading the stream named by sdHash and returns its
// handle. A timeout of 0 uses the configured default.
func (e *Engine) Get(ctx context.Context, sdHash blob.Hash, timeout time.Duration) (*stream.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil, ErrNotStarted
	}
	if timeout == 0 {
		timeout = e.cfg.DownloadTimeout
	}
	h := e.assembler.Get(ctx, sdHash, timeout)
	e.downloads[h.ID] = h
	return h, nil
}

// Download returns a tracked download by ID.
func (e *Engine) Download(id string) (*stream.Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.downloads[id]
	return h, ok
}

// Downloads returns all tracked downloads.
func (e *Engine) Downloads() []*stream.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*stream.Handle, 0, len(e.downloads))
	for _, h := range e.downloads {
		out = append(out, h)
	}
	return out
}

// DropDownload forgets a finished download's handle. The download keeps
// running if it has not reached a terminal state; use Cancel for that.
func (e *Engine) DropDownload(id string) {
	e.mu.Lock()
	delete(e.downloads, id)
	e.mu.Unlock()
}

// Reflect pushes a locally held stream to the reflector at addr and
// returns how many blobs were transferred.
func (e *Engine) Reflect(ctx context.Context, addr string, sdHash blob.Hash) (int, error) {
	rc := exchange.NewReflectorClient(exchange.ClientConfig{PaymentRate: e.cfg.PaymentRate})
	return rc.Push(ctx, addr, e.store, sdHash)
}

// Status is a point-in-time snapshot of the node.
type Status struct {
	NodeID          string `json:"node_id"`
	DHTAddr         string `json:"dht_addr"`
	BlobAddr        string `json:"blob_addr"`
	TablePeers      int    `json:"table_peers"`
	BlobCount       int    `json:"blob_count"`
	AnnounceQueue   int    `json:"announce_queue"`
	BlobsServed     int64  `json:"blobs_served"`
	BytesServed     int64  `json:"bytes_served"`
	ActiveDownloads int    `json:"active_downloads"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
}

// Status reports the node snapshot. Errors from individual counters are
// logged, not fatal; the snapshot is best-effort.
func (e *Engine) Status() Status {
	e.mu.Lock()
	started := e.started
	startedAt := e.startedAt
	active := 0
	for _, h := range e.downloads {
		switch h.State() {
		case stream.StateResolving, stream.StateFetching:
			active++
		}
	}
	e.mu.Unlock()

	st := Status{ActiveDownloads: active}
	if n, err := e.store.Count(); err == nil {
		st.BlobCount = n
	} else {
		log.Printf("[engine] status blob count: %v", err)
	}
	if !started {
		return st
	}

	id := e.node.ID()
	st.NodeID = fmt.Sprintf("%x", id[:])
	st.DHTAddr = e.node.Addr()
	st.BlobAddr = e.server.Addr()
	st.TablePeers = e.node.Table().Size()
	st.BlobsServed, st.BytesServed = e.server.Stats()
	st.UptimeSeconds = int64(time.Since(startedAt).Seconds())
	if depth, err := e.announcer.QueueDepth(); err == nil {
		st.AnnounceQueue = depth
	}
	return st
}

// dhtPeerFinder adapts the DHT node to the assembler's finder interface.
type dhtPeerFinder struct {
	node *dht.Node
}

func (f dhtPeerFinder) FindPeers(ctx context.Context, h blob.Hash) ([]stream.Peer, error) {
	peers, err := f.node.FindPeersForBlob(ctx, dht.KeyFromBytes(h[:]))
	if err != nil {
		if errors.Is(err, dht.ErrNoPeersFound) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]stream.Peer, 0, len(peers))
	for _, p := range peers {
		if p.BlobAddr == "" {
			continue
		}
		out = append(out, stream.Peer{Address: p.BlobAddr})
	}
	return out, nil
}

// dhtAnnouncer adapts the DHT node to the announcer's network interface.
type dhtAnnouncer struct {
	node *dht.Node
}

func (a dhtAnnouncer) AnnounceBlob(ctx context.Context, h blob.Hash) (int, error) {
	return a.node.AnnounceBlob(ctx, dht.KeyFromBytes(h[:]))
}
