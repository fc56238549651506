package blob

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Index is the SQLite-backed metadata index for the blob store. It tracks
// each blob's length, completion state, owning stream, and announce
// schedule. The index must stay consistent with on-disk blob presence;
// Store.reconcile repairs it on startup.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (or creates) the index database at the given path.
// Pass ":memory:" for an in-memory database (useful for tests).
func OpenIndex(dbPath string) (*Index, error) {
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping index: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS blobs (
		hash_hex TEXT PRIMARY KEY,
		length INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		stream_hex TEXT NOT NULL DEFAULT '',
		position INTEGER NOT NULL DEFAULT -1,
		added_at INTEGER NOT NULL,
		next_announce_at INTEGER NOT NULL DEFAULT 0,
		announcing INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create blobs table: %w", err)
	}

	// Claims left in flight by a previous process would exclude their
	// blobs from DueForAnnounce forever; release them.
	if _, err := db.Exec(`UPDATE blobs SET announcing = 0 WHERE announcing = 1`); err != nil {
		db.Close()
		return nil, fmt.Errorf("release announce claims: %w", err)
	}

	return &Index{db: db}, nil
}

// MarkVerified records a blob as verified with the given length. The
// announce deadline is set to "due now" so the announcer picks it up on
// its next pass. Stream association, if any, is preserved.
func (ix *Index) MarkVerified(h Hash, length int) error {
	now := time.Now().UnixMilli()
	_, err := ix.db.Exec(
		`INSERT INTO blobs (hash_hex, length, status, added_at, next_announce_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(hash_hex) DO UPDATE SET
		   length = excluded.length,
		   status = excluded.status,
		   next_announce_at = excluded.next_announce_at`,
		h.Hex(), length, StatusVerified, now, now,
	)
	return err
}

// Status returns the completion state of a blob, or ErrNotFound.
func (ix *Index) Status(h Hash) (string, error) {
	var status string
	err := ix.db.QueryRow(`SELECT status FROM blobs WHERE hash_hex = ?`, h.Hex()).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

// Length returns the stored ciphertext length of a blob.
func (ix *Index) Length(h Hash) (int, error) {
	var length int
	err := ix.db.QueryRow(`SELECT length FROM blobs WHERE hash_hex = ?`, h.Hex()).Scan(&length)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return length, err
}

// Delete removes a blob's index row.
func (ix *Index) Delete(h Hash) error {
	_, err := ix.db.Exec(`DELETE FROM blobs WHERE hash_hex = ?`, h.Hex())
	return err
}

// SetStream associates a blob with the stream identified by sdHash at the
// given position in blob order.
func (ix *Index) SetStream(h, sdHash Hash, position int) error {
	_, err := ix.db.Exec(
		`UPDATE blobs SET stream_hex = ?, position = ? WHERE hash_hex = ?`,
		sdHash.Hex(), position, h.Hex(),
	)
	return err
}

// ListVerified returns verified blob hashes, newest first. limit 0 means
// unlimited.
func (ix *Index) ListVerified(offset, limit int) ([]Hash, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := ix.db.Query(
		`SELECT hash_hex FROM blobs WHERE status = ?
		 ORDER BY added_at DESC LIMIT ? OFFSET ?`,
		StatusVerified, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHashes(rows)
}

// ListForStream returns the blob hashes of a stream in ascending blob
// order.
func (ix *Index) ListForStream(sdHash Hash) ([]Hash, error) {
	rows, err := ix.db.Query(
		`SELECT hash_hex FROM blobs WHERE stream_hex = ? ORDER BY position ASC`,
		sdHash.Hex(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHashes(rows)
}

// CountVerified returns the number of verified blobs.
func (ix *Index) CountVerified() (int, error) {
	var n int
	err := ix.db.QueryRow(`SELECT COUNT(*) FROM blobs WHERE status = ?`, StatusVerified).Scan(&n)
	return n, err
}

// DueForAnnounce returns up to limit verified blobs whose announce
// deadline has passed and that are not already in flight, oldest deadline
// first. Returned entries are flagged in-flight so concurrent announcer
// workers never double-claim.
func (ix *Index) DueForAnnounce(now time.Time, limit int) ([]Hash, error) {
	tx, err := ix.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT hash_hex FROM blobs
		 WHERE status = ? AND announcing = 0 AND next_announce_at <= ?
		 ORDER BY next_announce_at ASC LIMIT ?`,
		StatusVerified, now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	hashes, err := scanHashes(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	for _, h := range hashes {
		if _, err := tx.Exec(`UPDATE blobs SET announcing = 1 WHERE hash_hex = ?`, h.Hex()); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return hashes, nil
}

// SetNextAnnounce clears a blob's in-flight flag and schedules its next
// announce deadline.
func (ix *Index) SetNextAnnounce(h Hash, at time.Time) error {
	_, err := ix.db.Exec(
		`UPDATE blobs SET announcing = 0, next_announce_at = ? WHERE hash_hex = ?`,
		at.UnixMilli(), h.Hex(),
	)
	return err
}

// AnnounceQueueDepth returns the number of verified blobs that are due
// (or in flight) for announcement.
func (ix *Index) AnnounceQueueDepth(now time.Time) (int, error) {
	var n int
	err := ix.db.QueryRow(
		`SELECT COUNT(*) FROM blobs
		 WHERE status = ? AND (announcing = 1 OR next_announce_at <= ?)`,
		StatusVerified, now.UnixMilli(),
	).Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

func scanHashes(rows *sql.Rows) ([]Hash, error) {
	var hashes []Hash
	for rows.Next() {
		var hexStr string
		if err := rows.Scan(&hexStr); err != nil {
			return nil, err
		}
		h, err := HashFromHex(hexStr)
		if err != nil {
			continue
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}
