/*
Package index is the local document store: a Bleve full-text index for
BM25 keyword search over a WAL-mode sqlite database holding document
metadata, the link graph and the simhash side table.

Concurrency follows single-writer / many-reader: mutations funnel through
one mutex while sqlite's WAL keeps readers unblocked during writes.
*/
package index

import (
	"crypto/sha256"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/simple"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/token/ngram"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/letter"
	"github.com/blevesearch/bleve/v2/index/scorch"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	_ "modernc.org/sqlite"
	"go.uber.org/zap"

	"github.com/meshfind/meshfind/internal/mesherr"
)

// Tokenizers is the closed whitelist of analyzer names accepted in
// configuration. Anything else is a startup error; the value is never
// interpolated into the index engine from user input.
var Tokenizers = map[string]bool{
	"unicode61": true,
	"porter":    true,
	"ascii":     true,
	"trigram":   true,
}

// Document is the locally indexed unit.
type Document struct {
	DocID       uint64
	CanonicalURL string
	ContentHash [32]byte // SHA-256 of normalized extracted text
	RawHash     [32]byte // SHA-256 of raw response body
	Title       string
	Text        string
	Language    string
	CrawlTime   time.Time
	SimHash     uint64
	Authority   float64
}

// ScoredDoc is one BM25 hit.
type ScoredDoc struct {
	DocID uint64
	Score float64
}

// Index combines the full-text engine and the metadata store.
type Index struct {
	mu    sync.RWMutex
	db    *sql.DB
	ft    bleve.Index
	log   *zap.Logger
	docs  int64 // cached count
}

// Open creates or opens the index under dir using the given tokenizer
// from the closed whitelist.
func Open(dir, tokenizer string, log *zap.Logger) (*Index, error) {
	if !Tokenizers[tokenizer] {
		return nil, mesherr.Newf(mesherr.KindFatal, "tokenizer %q not in whitelist", tokenizer)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "docs.db"))
	if err != nil {
		return nil, fmt.Errorf("open doc store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	ftPath := filepath.Join(dir, "fulltext.bleve")
	ft, err := bleve.Open(ftPath)
	if err != nil {
		im, merr := buildIndexMapping(tokenizer)
		if merr != nil {
			db.Close()
			return nil, merr
		}
		ft, err = bleve.NewUsing(ftPath, im, scorch.Name, scorch.Name, nil)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create fulltext index: %w", err)
		}
	}

	idx := &Index{db: db, ft: ft, log: log}
	if err := idx.db.QueryRow("SELECT COUNT(*) FROM documents WHERE quarantined = 0").Scan(&idx.docs); err != nil {
		idx.docs = 0
	}
	return idx, nil
}

// Close flushes both stores.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	ferr := i.ft.Close()
	derr := i.db.Close()
	if ferr != nil {
		return ferr
	}
	return derr
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			doc_id        INTEGER PRIMARY KEY,
			canonical_url TEXT NOT NULL UNIQUE,
			content_hash  BLOB NOT NULL,
			raw_hash      BLOB NOT NULL,
			title         TEXT NOT NULL,
			body          TEXT NOT NULL,
			language      TEXT NOT NULL DEFAULT '',
			crawl_time    INTEGER NOT NULL,
			simhash       INTEGER NOT NULL DEFAULT 0,
			authority     REAL NOT NULL DEFAULT 0,
			quarantined   INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_content_hash ON documents(content_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_crawl_time ON documents(crawl_time DESC)`,
		`CREATE TABLE IF NOT EXISTS links (
			src TEXT NOT NULL,
			dst TEXT NOT NULL,
			PRIMARY KEY (src, dst)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_links_dst ON links(dst)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("migrate doc store: %w", err)
		}
	}
	return nil
}

func buildIndexMapping(tokenizer string) (mapping.IndexMapping, error) {
	im := bleve.NewIndexMapping()

	analyzer := ""
	switch tokenizer {
	case "unicode61":
		analyzer = standard.Name
	case "porter":
		analyzer = en.AnalyzerName
	case "ascii":
		analyzer = simple.Name
	case "trigram":
		if err := im.AddCustomTokenFilter("trigram_3", map[string]interface{}{
			"type": ngram.Name, "min": 3.0, "max": 3.0,
		}); err != nil {
			return nil, fmt.Errorf("trigram filter: %w", err)
		}
		if err := im.AddCustomAnalyzer("trigram", map[string]interface{}{
			"type":          custom.Name,
			"tokenizer":     letter.Name,
			"token_filters": []string{lowercase.Name, "trigram_3"},
		}); err != nil {
			return nil, fmt.Errorf("trigram analyzer: %w", err)
		}
		analyzer = "trigram"
	}

	docMapping := bleve.NewDocumentMapping()

	titleField := bleve.NewTextFieldMapping()
	titleField.Analyzer = analyzer
	docMapping.AddFieldMappingsAt("title", titleField)

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = analyzer
	docMapping.AddFieldMappingsAt("text", textField)

	urlField := bleve.NewTextFieldMapping()
	urlField.Index = false
	urlField.IncludeInAll = false
	docMapping.AddFieldMappingsAt("url", urlField)

	im.AddDocumentMapping("_default", docMapping)
	im.DefaultAnalyzer = analyzer
	return im, nil
}

type ftDoc struct {
	Title string `json:"title"`
	Text  string `json:"text"`
	URL   string `json:"url"`
}

// Upsert writes the document. Re-upserting the same (doc_id,
// content_hash) pair is a no-op, so two identical upserts equal one.
func (i *Index) Upsert(doc *Document) error {
	if doc.ContentHash == ([32]byte{}) || doc.RawHash == ([32]byte{}) {
		return mesherr.New(mesherr.KindInputRejected, "document missing hashes")
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	var existing []byte
	err := i.db.QueryRow("SELECT content_hash FROM documents WHERE doc_id = ?", int64(doc.DocID)).Scan(&existing)
	switch {
	case err == nil:
		if len(existing) == 32 && [32]byte(existing) == doc.ContentHash {
			return nil // idempotent
		}
	case err != sql.ErrNoRows:
		return fmt.Errorf("lookup document: %w", err)
	}

	_, err = i.db.Exec(`
		INSERT INTO documents (doc_id, canonical_url, content_hash, raw_hash, title, body, language, crawl_time, simhash, authority, quarantined)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(doc_id) DO UPDATE SET
			canonical_url=excluded.canonical_url, content_hash=excluded.content_hash,
			raw_hash=excluded.raw_hash, title=excluded.title, body=excluded.body,
			language=excluded.language, crawl_time=excluded.crawl_time,
			simhash=excluded.simhash, authority=excluded.authority, quarantined=0`,
		int64(doc.DocID), doc.CanonicalURL, doc.ContentHash[:], doc.RawHash[:],
		doc.Title, doc.Text, doc.Language, doc.CrawlTime.UnixMilli(),
		int64(doc.SimHash), doc.Authority)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}

	if err := i.ft.Index(strconv.FormatUint(doc.DocID, 10), ftDoc{
		Title: doc.Title, Text: doc.Text, URL: doc.CanonicalURL,
	}); err != nil {
		return fmt.Errorf("index document text: %w", err)
	}
	if existing == nil {
		i.docs++
	}
	return nil
}

// GetDoc loads a document and re-verifies its content hash. A mismatch
// quarantines the row and reports local corruption; the rest of the
// index keeps serving.
func (i *Index) GetDoc(docID uint64) (*Document, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.getDocLocked(docID)
}

func (i *Index) getDocLocked(docID uint64) (*Document, error) {
	row := i.db.QueryRow(`
		SELECT doc_id, canonical_url, content_hash, raw_hash, title, body, language, crawl_time, simhash, authority, quarantined
		FROM documents WHERE doc_id = ?`, int64(docID))

	var d Document
	var ch, rh []byte
	var crawlMs, simhash int64
	var quarantined int
	var id int64
	if err := row.Scan(&id, &d.CanonicalURL, &ch, &rh, &d.Title, &d.Text,
		&d.Language, &crawlMs, &simhash, &d.Authority, &quarantined); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("document %d not found", docID)
		}
		return nil, fmt.Errorf("load document: %w", err)
	}
	d.DocID = uint64(id)
	copy(d.ContentHash[:], ch)
	copy(d.RawHash[:], rh)
	d.CrawlTime = time.UnixMilli(crawlMs)
	d.SimHash = uint64(simhash)

	if quarantined != 0 {
		return nil, mesherr.Newf(mesherr.KindLocalCorruption, "document %d quarantined", docID)
	}
	if sha256.Sum256([]byte(d.Text)) != d.ContentHash {
		_, _ = i.db.Exec("UPDATE documents SET quarantined = 1 WHERE doc_id = ?", int64(docID))
		i.log.Warn("document failed checksum, quarantined", zap.Uint64("doc_id", docID))
		return nil, mesherr.Newf(mesherr.KindLocalCorruption, "document %d checksum mismatch", docID)
	}
	return &d, nil
}

// GetByURL returns the document for a canonical URL, if indexed.
func (i *Index) GetByURL(canonicalURL string) (*Document, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	var id int64
	err := i.db.QueryRow("SELECT doc_id FROM documents WHERE canonical_url = ? AND quarantined = 0", canonicalURL).Scan(&id)
	if err != nil {
		return nil, false
	}
	d, err := i.getDocLocked(uint64(id))
	if err != nil {
		return nil, false
	}
	return d, true
}

// HasContentHash reports whether any live document carries the hash.
func (i *Index) HasContentHash(hash [32]byte) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	var n int
	_ = i.db.QueryRow("SELECT COUNT(*) FROM documents WHERE content_hash = ? AND quarantined = 0", hash[:]).Scan(&n)
	return n > 0
}

// NearDupCandidate returns the earliest-crawled document whose simhash is
// within the Hamming threshold of fp. The scan is bounded by the local
// corpus size, which one node keeps in the low millions at most.
func (i *Index) NearDupCandidate(fp uint64, within func(a, b uint64) bool) (*Document, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	rows, err := i.db.Query("SELECT doc_id, simhash FROM documents WHERE quarantined = 0 ORDER BY crawl_time ASC")
	if err != nil {
		return nil, false
	}
	defer rows.Close()
	for rows.Next() {
		var id, sh int64
		if rows.Scan(&id, &sh) != nil {
			continue
		}
		if within(fp, uint64(sh)) {
			if d, err := i.getDocLocked(uint64(id)); err == nil {
				return d, true
			}
		}
	}
	return nil, false
}

// SearchKeywords runs a BM25 disjunction over the query terms.
func (i *Index) SearchKeywords(terms []string, limit int) ([]ScoredDoc, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if limit <= 0 {
		limit = 10
	}
	if len(terms) == 0 {
		return nil, nil
	}

	queries := make([]query.Query, 0, len(terms))
	for _, t := range terms {
		queries = append(queries, bleve.NewMatchQuery(t))
	}
	q := bleve.NewDisjunctionQuery(queries...)
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)

	res, err := i.ft.Search(req)
	if err != nil {
		return nil, fmt.Errorf("fulltext search: %w", err)
	}
	out := make([]ScoredDoc, 0, len(res.Hits))
	for _, hit := range res.Hits {
		id, err := strconv.ParseUint(hit.ID, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, ScoredDoc{DocID: id, Score: hit.Score})
	}
	return out, nil
}

// IterRecent streams doc IDs crawled at or after since, newest first.
func (i *Index) IterRecent(since time.Time, fn func(docID uint64) bool) error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	rows, err := i.db.Query(
		"SELECT doc_id FROM documents WHERE crawl_time >= ? AND quarantined = 0 ORDER BY crawl_time DESC",
		since.UnixMilli())
	if err != nil {
		return fmt.Errorf("iter recent: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return err
		}
		if !fn(uint64(id)) {
			return nil
		}
	}
	return rows.Err()
}

// DeleteByContentHash removes documents carrying the hash (takedown
// application). Returns the number of documents removed.
func (i *Index) DeleteByContentHash(hash [32]byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.deleteWhere("content_hash = ?", hash[:])
}

// DeleteByURL removes the document at the canonical URL.
func (i *Index) DeleteByURL(canonicalURL string) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.deleteWhere("canonical_url = ?", canonicalURL)
}

func (i *Index) deleteWhere(cond string, arg interface{}) (int, error) {
	rows, err := i.db.Query("SELECT doc_id FROM documents WHERE "+cond, arg)
	if err != nil {
		return 0, fmt.Errorf("find documents: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if rows.Scan(&id) == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()

	for _, id := range ids {
		if _, err := i.db.Exec("DELETE FROM documents WHERE doc_id = ?", id); err != nil {
			return 0, fmt.Errorf("delete document: %w", err)
		}
		_ = i.ft.Delete(strconv.FormatInt(id, 10))
		i.docs--
	}
	return len(ids), nil
}

// Count returns the number of live documents.
func (i *Index) Count() int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.docs
}

// --- link graph ----------------------------------------------------------

// AddLinks records out-links from src. Duplicate edges are ignored.
func (i *Index) AddLinks(src string, dsts []string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, dst := range dsts {
		if dst == src {
			continue
		}
		if _, err := i.db.Exec(
			"INSERT OR IGNORE INTO links (src, dst) VALUES (?, ?)", src, dst); err != nil {
			return fmt.Errorf("add link: %w", err)
		}
	}
	return nil
}

// Edge is one directed link in the crawled graph.
type Edge struct{ Src, Dst string }

// Links returns a snapshot of the link graph.
func (i *Index) Links() ([]Edge, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	rows, err := i.db.Query("SELECT src, dst FROM links")
	if err != nil {
		return nil, fmt.Errorf("load links: %w", err)
	}
	defer rows.Close()
	var out []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.Src, &e.Dst); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetAuthority stores a computed authority score for the URL's document.
func (i *Index) SetAuthority(canonicalURL string, score float64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, err := i.db.Exec("UPDATE documents SET authority = ? WHERE canonical_url = ?", score, canonicalURL)
	return err
}
