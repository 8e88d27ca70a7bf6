package trust

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	_ "modernc.org/sqlite"
	"go.uber.org/zap"

	"github.com/meshfind/meshfind/internal/mesherr"
	"github.com/meshfind/meshfind/internal/wire"
)

// complianceWindow bounds how long an accepted takedown may remain
// unapplied.
const complianceWindow = 24 * time.Hour

// Remover applies deletions to the local index.
type Remover interface {
	DeleteByContentHash(hash [32]byte) (int, error)
	DeleteByURL(canonicalURL string) (int, error)
}

// TakedownStore persists accepted takedown and deletion records so a
// restart never reopens a deletion obligation, and keeps the block-list
// consulted by search.
type TakedownStore struct {
	db    *sql.DB
	clock clock.Clock
	log   *zap.Logger

	mu      sync.RWMutex
	blocked map[[32]byte]bool
	urls    map[string]bool
}

// OpenTakedowns loads the persisted records from dir.
func OpenTakedowns(dir string, clk clock.Clock, log *zap.Logger) (*TakedownStore, error) {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "takedowns.db"))
	if err != nil {
		return nil, fmt.Errorf("open takedown store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS takedowns (
		content_hash BLOB NOT NULL,
		target_url   TEXT NOT NULL,
		reason       TEXT NOT NULL,
		issued_at    INTEGER NOT NULL,
		accepted_at  INTEGER NOT NULL,
		applied_at   INTEGER,
		PRIMARY KEY (content_hash, target_url)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate takedown store: %w", err)
	}

	t := &TakedownStore{
		db: db, clock: clk, log: log,
		blocked: make(map[[32]byte]bool),
		urls:    make(map[string]bool),
	}
	rows, err := db.Query("SELECT content_hash, target_url FROM takedowns")
	if err != nil {
		db.Close()
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var hashB []byte
		var url string
		if rows.Scan(&hashB, &url) != nil {
			continue
		}
		if len(hashB) == 32 {
			var h [32]byte
			copy(h[:], hashB)
			if h != ([32]byte{}) {
				t.blocked[h] = true
			}
		}
		if url != "" {
			t.urls[url] = true
		}
	}
	return t, rows.Err()
}

func (t *TakedownStore) Close() error { return t.db.Close() }

// Accept records a validated takedown or deletion. The caller has
// already verified the envelope signature; unsigned requests never get
// here. The obligation is persisted before it is applied.
func (t *TakedownStore) Accept(hash [32]byte, targetURL, reason string, issuedAt uint64) error {
	now := t.clock.Now().UnixMilli()
	_, err := t.db.Exec(`
		INSERT INTO takedowns (content_hash, target_url, reason, issued_at, accepted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(content_hash, target_url) DO NOTHING`,
		hash[:], targetURL, reason, int64(issuedAt), now)
	if err != nil {
		return fmt.Errorf("persist takedown: %w", err)
	}
	t.mu.Lock()
	if hash != ([32]byte{}) {
		t.blocked[hash] = true
	}
	if targetURL != "" {
		t.urls[targetURL] = true
	}
	t.mu.Unlock()
	return nil
}

// AcceptTakedown records a takedown wire record.
func (t *TakedownStore) AcceptTakedown(rec *wire.Takedown) error {
	return t.Accept(rec.ContentHash, rec.TargetURL, rec.Reason, rec.IssuedAt)
}

// AcceptDeletion records a deletion wire record.
func (t *TakedownStore) AcceptDeletion(rec *wire.Deletion) error {
	return t.Accept(rec.ContentHash, rec.TargetURL, rec.Reason, rec.IssuedAt)
}

// Blocked reports whether a content hash is under an obligation.
func (t *TakedownStore) Blocked(hash [32]byte) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.blocked[hash]
}

// BlockedURL reports whether a URL is under an obligation.
func (t *TakedownStore) BlockedURL(url string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.urls[url]
}

// ApplyPending removes every unapplied obligation from the index and
// stamps it applied. Safe to run repeatedly; meant for startup and a
// periodic sweep well inside the compliance window.
func (t *TakedownStore) ApplyPending(idx Remover) error {
	rows, err := t.db.Query("SELECT content_hash, target_url FROM takedowns WHERE applied_at IS NULL")
	if err != nil {
		return fmt.Errorf("load pending takedowns: %w", err)
	}
	type pending struct {
		hash [32]byte
		url  string
	}
	var todo []pending
	for rows.Next() {
		var hashB []byte
		var url string
		if rows.Scan(&hashB, &url) != nil {
			continue
		}
		var p pending
		copy(p.hash[:], hashB)
		p.url = url
		todo = append(todo, p)
	}
	rows.Close()

	for _, p := range todo {
		removed := 0
		if p.hash != ([32]byte{}) {
			n, err := idx.DeleteByContentHash(p.hash)
			if err != nil {
				return mesherr.Wrap(mesherr.KindLocalCorruption, "apply takedown", err)
			}
			removed += n
		}
		if p.url != "" {
			n, err := idx.DeleteByURL(p.url)
			if err != nil {
				return mesherr.Wrap(mesherr.KindLocalCorruption, "apply takedown", err)
			}
			removed += n
		}
		if _, err := t.db.Exec(
			"UPDATE takedowns SET applied_at = ? WHERE content_hash = ? AND target_url = ?",
			t.clock.Now().UnixMilli(), p.hash[:], p.url); err != nil {
			return fmt.Errorf("stamp takedown applied: %w", err)
		}
		t.log.Info("takedown applied",
			zap.String("url", p.url), zap.Int("removed", removed))
	}
	return nil
}

// PendingCount reports obligations not yet applied.
func (t *TakedownStore) PendingCount() (int, error) {
	var n int
	err := t.db.QueryRow("SELECT COUNT(*) FROM takedowns WHERE applied_at IS NULL").Scan(&n)
	return n, err
}

// OverdueBy returns how far the oldest unapplied obligation is past the
// compliance window; zero when none are overdue.
func (t *TakedownStore) OverdueBy() time.Duration {
	var oldest sql.NullInt64
	if err := t.db.QueryRow("SELECT MIN(accepted_at) FROM takedowns WHERE applied_at IS NULL").Scan(&oldest); err != nil || !oldest.Valid {
		return 0
	}
	age := t.clock.Now().Sub(time.UnixMilli(oldest.Int64))
	if age <= complianceWindow {
		return 0
	}
	return age - complianceWindow
}
