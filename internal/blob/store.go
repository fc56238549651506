package blob

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Completion states for a blob tracked by the index.
const (
	StatusPending  = "pending"  // known hash, no verified bytes yet
	StatusVerified = "verified" // bytes on disk, digest checked
)

// Sentinel errors for store operations.
var (
	// ErrCorrupt is returned when the digest of submitted bytes does not
	// match the declared hash. The bytes are discarded, never stored.
	ErrCorrupt = errors.New("blob data does not match hash")

	// ErrNotFound is returned when a blob is absent or not yet verified.
	ErrNotFound = errors.New("blob not found")

	// ErrTooLarge is returned when submitted bytes exceed MaxBlobSize.
	ErrTooLarge = errors.New("blob exceeds maximum size")
)

// AnnounceSink receives the hash of every blob that becomes locally
// complete, so it can be advertised to the network. Implemented by the
// announcer; injected so the store has no upward dependency.
type AnnounceSink interface {
	AnnounceBlob(hash Hash)
}

// Store is a content-addressed blob store backed by a directory of files
// named by hash, plus a SQLite index for metadata. Writes are atomic: a
// blob is staged in a temp file and renamed into place only after its
// digest is verified, so readers never observe partial content.
type Store struct {
	dir   string
	index *Index
	sink  AnnounceSink

	// writing tracks hashes with an in-flight Put. At most one writer per
	// hash wins; concurrent Puts of the same hash return without error
	// once a verified copy exists.
	mu      sync.Mutex
	writing map[Hash]bool
}

// NewStore opens a blob store rooted at dir with the given index. The
// directory is created if missing, and the index is reconciled against
// the files actually present on disk.
func NewStore(dir string, index *Index, sink AnnounceSink) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	s := &Store{
		dir:     dir,
		index:   index,
		sink:    sink,
		writing: make(map[Hash]bool),
	}
	if err := s.reconcile(); err != nil {
		return nil, fmt.Errorf("reconcile blob index: %w", err)
	}
	return s, nil
}

// SetAnnounceSink installs the announce sink after construction. The
// announcer needs the store to exist first, so wiring is two-phase.
func (s *Store) SetAnnounceSink(sink AnnounceSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Dir returns the directory holding blob files.
func (s *Store) Dir() string { return s.dir }

// path returns the on-disk location for a blob hash.
func (s *Store) path(h Hash) string {
	return filepath.Join(s.dir, h.Hex())
}

// Put verifies and persists a blob. It computes the digest of data; on
// mismatch the data is discarded and ErrCorrupt returned. On match the
// blob is written atomically, marked verified in the index, and queued
// for announcement. Concurrent Puts for the same hash result in exactly
// one stored copy.
func (s *Store) Put(h Hash, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty blob", ErrCorrupt)
	}
	if len(data) > MaxBlobSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	if Sum(data) != h {
		return ErrCorrupt
	}

	s.mu.Lock()
	if s.writing[h] {
		// Another writer is mid-flight for this hash. The content is
		// identical by construction (it hashes to h), so this caller
		// can treat the write as done.
		s.mu.Unlock()
		return nil
	}
	s.writing[h] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.writing, h)
		s.mu.Unlock()
	}()

	if s.hasVerified(h) {
		return nil
	}

	tmp, err := os.CreateTemp(s.dir, "."+h.Short()+".tmp-*")
	if err != nil {
		return fmt.Errorf("stage blob %s: %w", h.Short(), err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write blob %s: %w", h.Short(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync blob %s: %w", h.Short(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close blob %s: %w", h.Short(), err)
	}
	if err := os.Rename(tmpName, s.path(h)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit blob %s: %w", h.Short(), err)
	}

	if err := s.index.MarkVerified(h, len(data)); err != nil {
		return fmt.Errorf("index blob %s: %w", h.Short(), err)
	}

	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink.AnnounceBlob(h)
	}
	return nil
}

// Get returns the full verified contents of a blob, or ErrNotFound if it
// is absent or incomplete.
func (s *Store) Get(h Hash) ([]byte, error) {
	if !s.hasVerified(h) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(s.path(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read blob %s: %w", h.Short(), err)
	}
	return data, nil
}

// Has reports whether a verified copy of the blob is present.
func (s *Store) Has(h Hash) bool {
	return s.hasVerified(h)
}

func (s *Store) hasVerified(h Hash) bool {
	status, err := s.index.Status(h)
	return err == nil && status == StatusVerified
}

// Delete removes a blob file and its index row. Deleting an absent blob
// is a no-op.
func (s *Store) Delete(h Hash) error {
	if err := os.Remove(s.path(h)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", h.Short(), err)
	}
	return s.index.Delete(h)
}

// List returns the hashes of verified blobs, newest first, paginated by
// offset/limit. A limit of 0 means no limit.
func (s *Store) List(offset, limit int) ([]Hash, error) {
	return s.index.ListVerified(offset, limit)
}

// ListForStream returns the data blob hashes the index associates with a
// stream (by sd hash), in blob order.
func (s *Store) ListForStream(sdHash Hash) ([]Hash, error) {
	return s.index.ListForStream(sdHash)
}

// SetStream records that blob h is part of the stream identified by
// sdHash, at the given position in blob order.
func (s *Store) SetStream(h, sdHash Hash, position int) error {
	return s.index.SetStream(h, sdHash, position)
}

// Count returns the number of verified blobs under management.
func (s *Store) Count() (int, error) {
	return s.index.CountVerified()
}

// reconcile makes the index consistent with on-disk reality after an
// unclean shutdown: index rows with no matching file are demoted, and
// files with no row are re-verified and adopted.
func (s *Store) reconcile() error {
	verified, err := s.index.ListVerified(0, 0)
	if err != nil {
		return err
	}
	for _, h := range verified {
		if _, err := os.Stat(s.path(h)); os.IsNotExist(err) {
			if err := s.index.Delete(h); err != nil {
				return err
			}
		}
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		h, err := HashFromHex(e.Name())
		if err != nil {
			continue // temp files and strays
		}
		status, err := s.index.Status(h)
		if err == nil && status == StatusVerified {
			continue
		}
		data, err := os.ReadFile(s.path(h))
		if err != nil {
			continue
		}
		if Sum(data) != h {
			// Orphan that fails its own digest; remove it.
			os.Remove(s.path(h))
			continue
		}
		if err := s.index.MarkVerified(h, len(data)); err != nil {
			return err
		}
	}
	return nil
}
