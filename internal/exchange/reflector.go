package exchange

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ssd-technologies/umbra/internal/blob"
	"github.com/ssd-technologies/umbra/internal/stream"
)

// ReflectorVersion is the protocol revision exchanged in the handshake.
const ReflectorVersion = 1

// Reflector wire messages. The sd blob goes first so the server can
// decide which data blobs it still needs and skip the rest.
type reflectorHandshake struct {
	Version int `json:"version"`
}

type sdOffer struct {
	SDBlobHash string `json:"sd_blob_hash"`
	SDBlobSize int    `json:"sd_blob_size"`
}

type sdReply struct {
	SendSDBlob bool `json:"send_sd_blob"`
	// NeededBlobs is populated when the server already holds the sd and
	// can enumerate the missing data blobs up front.
	NeededBlobs []string `json:"needed_blobs,omitempty"`
}

type sdReceipt struct {
	ReceivedSDBlob bool     `json:"received_sd_blob"`
	NeededBlobs    []string `json:"needed_blobs,omitempty"`
}

type blobOffer struct {
	BlobHash string `json:"blob_hash"`
	BlobSize int    `json:"blob_size"`
}

type blobReply struct {
	SendBlob bool `json:"send_blob"`
}

type blobReceipt struct {
	ReceivedBlob bool `json:"received_blob"`
}

// reflectorOffer is the union of the offers a client may send after the
// handshake; exactly one of SDBlobHash or BlobHash is set.
type reflectorOffer struct {
	SDBlobHash string `json:"sd_blob_hash,omitempty"`
	SDBlobSize int    `json:"sd_blob_size,omitempty"`
	BlobHash   string `json:"blob_hash,omitempty"`
	BlobSize   int    `json:"blob_size,omitempty"`
}

// ReflectorServerConfig configures the upload listener. Zero values get
// defaults.
type ReflectorServerConfig struct {
	Store *blob.Store
	Host  string
	Port  int

	// MaxConcurrent bounds simultaneous upload sessions. Default 8.
	MaxConcurrent int64

	// IdleTimeout closes sessions with no offer activity. Default 2m.
	IdleTimeout time.Duration

	// IOTimeout bounds reads and writes mid-transfer. Default 1m, blob
	// bodies take a while on slow uplinks.
	IOTimeout time.Duration
}

func (c *ReflectorServerConfig) applyDefaults() {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 8
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.IOTimeout == 0 {
		c.IOTimeout = time.Minute
	}
}

// ReflectorServer accepts stream uploads: the sd blob first, then
// whichever data blobs the server does not already hold. Received blobs
// go through the store, so they are verified, indexed, associated with
// their stream, and queued for announcement like any local blob.
type ReflectorServer struct {
	cfg  ReflectorServerConfig
	ln   net.Listener
	sem  *semaphore.Weighted
	done chan struct{}
	wg   sync.WaitGroup
}

// NewReflectorServer builds a reflector listener. Call Start to serve.
func NewReflectorServer(cfg ReflectorServerConfig) *ReflectorServer {
	cfg.applyDefaults()
	return &ReflectorServer{
		cfg:  cfg,
		sem:  semaphore.NewWeighted(cfg.MaxConcurrent),
		done: make(chan struct{}),
	}
}

// Start binds the listener and begins accepting upload sessions.
func (r *ReflectorServer) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen reflector: %w", err)
	}
	r.ln = ln
	r.wg.Add(1)
	go r.acceptLoop()
	log.Printf("[reflector] accepting uploads on %s", ln.Addr())
	return nil
}

// Addr returns the bound listen address.
func (r *ReflectorServer) Addr() string {
	if r.ln == nil {
		return ""
	}
	return r.ln.Addr().String()
}

// Close stops the listener and waits for in-flight sessions.
func (r *ReflectorServer) Close() error {
	close(r.done)
	var err error
	if r.ln != nil {
		err = r.ln.Close()
	}
	r.wg.Wait()
	return err
}

func (r *ReflectorServer) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			select {
			case <-r.done:
				return
			default:
			}
			log.Printf("[reflector] accept: %v", err)
			return
		}
		if !r.sem.TryAcquire(1) {
			conn.Close()
			continue
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.sem.Release(1)
			defer conn.Close()
			if err := r.serveSession(conn); err != nil && !errors.Is(err, errSessionDone) {
				log.Printf("[reflector] session from %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

var errSessionDone = errors.New("session closed")

// session tracks the stream context of one upload, so data blobs can be
// associated with their stream as they arrive.
type session struct {
	sdHash    blob.Hash
	positions map[string]int // blob hash hex -> position in stream
}

func (r *ReflectorServer) serveSession(conn net.Conn) error {
	w := newWire(conn)

	var hs reflectorHandshake
	if err := w.readJSON(&hs, r.cfg.IdleTimeout); err != nil {
		return err
	}
	if hs.Version != ReflectorVersion {
		w.writeJSON(map[string]string{"error": fmt.Sprintf("unsupported version %d", hs.Version)}, r.cfg.IOTimeout)
		return fmt.Errorf("%w: version %d", ErrProtocol, hs.Version)
	}
	if err := w.writeJSON(reflectorHandshake{Version: ReflectorVersion}, r.cfg.IOTimeout); err != nil {
		return err
	}

	sess := &session{positions: make(map[string]int)}
	for {
		var offer reflectorOffer
		err := w.readJSON(&offer, r.cfg.IdleTimeout)
		if err != nil {
			if errors.Is(err, ErrProtocol) {
				return err
			}
			return errSessionDone // clean hangup
		}
		switch {
		case offer.SDBlobHash != "":
			err = r.handleSDOffer(w, sess, sdOffer{SDBlobHash: offer.SDBlobHash, SDBlobSize: offer.SDBlobSize})
		case offer.BlobHash != "":
			err = r.handleBlobOffer(w, sess, blobOffer{BlobHash: offer.BlobHash, BlobSize: offer.BlobSize})
		default:
			err = fmt.Errorf("%w: offer names no blob", ErrProtocol)
		}
		if err != nil {
			return err
		}
	}
}

func (r *ReflectorServer) handleSDOffer(w *wire, sess *session, offer sdOffer) error {
	sdHash, err := blob.HashFromHex(offer.SDBlobHash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if offer.SDBlobSize <= 0 || offer.SDBlobSize > blob.MaxBlobSize {
		return fmt.Errorf("%w: sd blob size %d", ErrProtocol, offer.SDBlobSize)
	}

	if r.cfg.Store.Has(sdHash) {
		needed, err := r.adoptStream(sess, sdHash)
		if err != nil {
			return err
		}
		return w.writeJSON(sdReply{SendSDBlob: false, NeededBlobs: needed}, r.cfg.IOTimeout)
	}

	if err := w.writeJSON(sdReply{SendSDBlob: true}, r.cfg.IOTimeout); err != nil {
		return err
	}
	body, err := w.readBody(offer.SDBlobSize, r.cfg.IOTimeout)
	if err != nil {
		return err
	}
	if err := r.cfg.Store.Put(sdHash, body); err != nil {
		return fmt.Errorf("store sd blob: %w", err)
	}
	needed, err := r.adoptStream(sess, sdHash)
	if err != nil {
		return err
	}
	return w.writeJSON(sdReceipt{ReceivedSDBlob: true, NeededBlobs: needed}, r.cfg.IOTimeout)
}

// adoptStream decodes a held sd blob, records the session's stream
// context, associates already-held data blobs, and returns the hashes
// still missing.
func (r *ReflectorServer) adoptStream(sess *session, sdHash blob.Hash) ([]string, error) {
	sdBytes, err := r.cfg.Store.Get(sdHash)
	if err != nil {
		return nil, err
	}
	desc, err := stream.Decode(sdBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	sess.sdHash = sdHash
	var needed []string
	for i, bi := range desc.DataBlobs() {
		sess.positions[bi.BlobHash] = i
		h, err := bi.Hash()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if r.cfg.Store.Has(h) {
			if err := r.cfg.Store.SetStream(h, sdHash, i); err != nil {
				return nil, err
			}
		} else {
			needed = append(needed, bi.BlobHash)
		}
	}
	return needed, nil
}

func (r *ReflectorServer) handleBlobOffer(w *wire, sess *session, offer blobOffer) error {
	h, err := blob.HashFromHex(offer.BlobHash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if offer.BlobSize <= 0 || offer.BlobSize > blob.MaxBlobSize {
		return fmt.Errorf("%w: blob size %d", ErrProtocol, offer.BlobSize)
	}

	if r.cfg.Store.Has(h) {
		return w.writeJSON(blobReply{SendBlob: false}, r.cfg.IOTimeout)
	}
	if err := w.writeJSON(blobReply{SendBlob: true}, r.cfg.IOTimeout); err != nil {
		return err
	}
	body, err := w.readBody(offer.BlobSize, r.cfg.IOTimeout)
	if err != nil {
		return err
	}
	if err := r.cfg.Store.Put(h, body); err != nil {
		return fmt.Errorf("store blob %s: %w", h.Short(), err)
	}
	if pos, ok := sess.positions[offer.BlobHash]; ok && !sess.sdHash.IsZero() {
		if err := r.cfg.Store.SetStream(h, sess.sdHash, pos); err != nil {
			return err
		}
	}
	return w.writeJSON(blobReceipt{ReceivedBlob: true}, r.cfg.IOTimeout)
}

// ReflectorClient pushes locally held streams to a reflector server.
type ReflectorClient struct {
	cfg ClientConfig
}

// NewReflectorClient builds a reflector upload client.
func NewReflectorClient(cfg ClientConfig) *ReflectorClient {
	cfg.applyDefaults()
	return &ReflectorClient{cfg: cfg}
}

// Push uploads the stream named by sdHash from the store to the
// reflector at addr and returns how many blobs were actually
// transferred. Blobs the server already holds are skipped.
func (c *ReflectorClient) Push(ctx context.Context, addr string, store *blob.Store, sdHash blob.Hash) (int, error) {
	sdBytes, err := store.Get(sdHash)
	if err != nil {
		return 0, fmt.Errorf("sd blob %s: %w", sdHash.Short(), err)
	}

	d := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("dial reflector %s: %w", addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	w := newWire(conn)
	if err := w.writeJSON(reflectorHandshake{Version: ReflectorVersion}, c.cfg.ResponseTimeout); err != nil {
		return 0, err
	}
	var hs reflectorHandshake
	if err := w.readJSON(&hs, c.cfg.ResponseTimeout); err != nil {
		return 0, err
	}
	if hs.Version != ReflectorVersion {
		return 0, fmt.Errorf("%w: reflector speaks version %d", ErrProtocol, hs.Version)
	}

	sent := 0
	offer := sdOffer{SDBlobHash: sdHash.Hex(), SDBlobSize: len(sdBytes)}
	if err := w.writeJSON(offer, c.cfg.ResponseTimeout); err != nil {
		return 0, err
	}
	var reply sdReply
	if err := w.readJSON(&reply, c.cfg.ResponseTimeout); err != nil {
		return 0, err
	}

	needed := reply.NeededBlobs
	if reply.SendSDBlob {
		if err := w.writeBody(sdBytes, c.cfg.ResponseTimeout); err != nil {
			return sent, err
		}
		var receipt sdReceipt
		if err := w.readJSON(&receipt, c.cfg.ResponseTimeout); err != nil {
			return sent, err
		}
		if !receipt.ReceivedSDBlob {
			return sent, fmt.Errorf("%w: reflector did not confirm sd blob", ErrProtocol)
		}
		sent++
		needed = receipt.NeededBlobs
	}

	for _, hexHash := range needed {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		h, err := blob.HashFromHex(hexHash)
		if err != nil {
			return sent, fmt.Errorf("%w: reflector requested %q", ErrProtocol, hexHash)
		}
		data, err := store.Get(h)
		if err != nil {
			log.Printf("[reflector] requested blob %s not held locally, skipping", h.Short())
			continue
		}
		if err := w.writeJSON(blobOffer{BlobHash: hexHash, BlobSize: len(data)}, c.cfg.ResponseTimeout); err != nil {
			return sent, err
		}
		var br blobReply
		if err := w.readJSON(&br, c.cfg.ResponseTimeout); err != nil {
			return sent, err
		}
		if !br.SendBlob {
			continue
		}
		if err := w.writeBody(data, c.cfg.ResponseTimeout); err != nil {
			return sent, err
		}
		var receipt blobReceipt
		if err := w.readJSON(&receipt, c.cfg.ResponseTimeout); err != nil {
			return sent, err
		}
		if !receipt.ReceivedBlob {
			return sent, fmt.Errorf("%w: reflector did not confirm blob %s", ErrProtocol, h.Short())
		}
		sent++
	}
	return sent, nil
}
