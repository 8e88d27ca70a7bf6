package index

import (
	"crypto/sha256"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testDoc(id uint64, url, title, text string) *Document {
	return &Document{
		DocID:        id,
		CanonicalURL: url,
		ContentHash:  sha256.Sum256([]byte(text)),
		RawHash:      sha256.Sum256([]byte("raw:" + text)),
		Title:        title,
		Text:         text,
		Language:     "en",
		CrawlTime:    time.Now(),
	}
}

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(t.TempDir(), "unicode61", zap.NewNop())
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestTokenizerWhitelist(t *testing.T) {
	if _, err := Open(t.TempDir(), "unicode61; DROP TABLE documents", zap.NewNop()); err == nil {
		t.Fatal("expected rejection of tokenizer outside whitelist")
	}
	for _, tok := range []string{"unicode61", "porter", "ascii", "trigram"} {
		idx, err := Open(t.TempDir(), tok, zap.NewNop())
		if err != nil {
			t.Errorf("tokenizer %s should open: %v", tok, err)
			continue
		}
		idx.Close()
	}
}

func TestUpsertIdempotent(t *testing.T) {
	idx := openTestIndex(t)
	doc := testDoc(1, "https://example.org/a", "Go concurrency", "channels and goroutines in go")

	if err := idx.Upsert(doc); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := idx.Upsert(doc); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if got := idx.Count(); got != 1 {
		t.Errorf("expected 1 document after double upsert, got %d", got)
	}

	hits, err := idx.SearchKeywords([]string{"goroutines"}, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].DocID != 1 {
		t.Errorf("expected single hit for doc 1, got %+v", hits)
	}
}

func TestUpsertReplacesContent(t *testing.T) {
	idx := openTestIndex(t)
	if err := idx.Upsert(testDoc(7, "https://example.org/page", "Old", "ancient stale words")); err != nil {
		t.Fatal(err)
	}
	if err := idx.Upsert(testDoc(7, "https://example.org/page", "New", "fresh replacement words")); err != nil {
		t.Fatal(err)
	}
	if got := idx.Count(); got != 1 {
		t.Fatalf("expected 1 document, got %d", got)
	}
	hits, err := idx.SearchKeywords([]string{"ancient"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("old content should no longer match: %+v", hits)
	}
	hits, err = idx.SearchKeywords([]string{"fresh"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Errorf("new content should match, got %+v", hits)
	}
}

func TestSearchRanksRelevance(t *testing.T) {
	idx := openTestIndex(t)
	docs := []*Document{
		testDoc(1, "https://a.example/1", "Rust memory safety", "rust borrow checker ownership"),
		testDoc(2, "https://a.example/2", "Go scheduler", "goroutine scheduler preemption goroutine goroutine"),
		testDoc(3, "https://a.example/3", "Cooking", "pasta recipes with garlic"),
	}
	for _, d := range docs {
		if err := idx.Upsert(d); err != nil {
			t.Fatal(err)
		}
	}
	hits, err := idx.SearchKeywords([]string{"goroutine", "scheduler"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) == 0 || hits[0].DocID != 2 {
		t.Fatalf("expected doc 2 first, got %+v", hits)
	}
	for _, h := range hits {
		if h.DocID == 3 {
			t.Error("unrelated document matched")
		}
	}
}

func TestGetDocChecksumQuarantine(t *testing.T) {
	idx := openTestIndex(t)
	doc := testDoc(5, "https://example.org/q", "Title", "body text")
	if err := idx.Upsert(doc); err != nil {
		t.Fatal(err)
	}

	// Corrupt the stored body behind the index's back.
	if _, err := idx.db.Exec("UPDATE documents SET body = ? WHERE doc_id = 5", "tampered"); err != nil {
		t.Fatal(err)
	}
	if _, err := idx.GetDoc(5); err == nil {
		t.Fatal("expected checksum failure")
	}
	// The quarantined row stays unreadable but does not break other docs.
	if _, err := idx.GetDoc(5); err == nil {
		t.Fatal("quarantined document should remain unreadable")
	}
	good := testDoc(6, "https://example.org/ok", "Fine", "intact body")
	if err := idx.Upsert(good); err != nil {
		t.Fatal(err)
	}
	if _, err := idx.GetDoc(6); err != nil {
		t.Errorf("healthy document affected by quarantine: %v", err)
	}
}

func TestDeleteByContentHash(t *testing.T) {
	idx := openTestIndex(t)
	doc := testDoc(9, "https://example.org/rm", "Removable", "content slated for takedown")
	if err := idx.Upsert(doc); err != nil {
		t.Fatal(err)
	}
	n, err := idx.DeleteByContentHash(doc.ContentHash)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deletion, got %d", n)
	}
	if idx.Count() != 0 {
		t.Errorf("count should drop to 0, got %d", idx.Count())
	}
	hits, err := idx.SearchKeywords([]string{"takedown"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("deleted document still searchable: %+v", hits)
	}
}

func TestIterRecent(t *testing.T) {
	idx := openTestIndex(t)
	old := testDoc(1, "https://example.org/old", "Old", "old words")
	old.CrawlTime = time.Now().Add(-48 * time.Hour)
	recent := testDoc(2, "https://example.org/new", "New", "new words")
	for _, d := range []*Document{old, recent} {
		if err := idx.Upsert(d); err != nil {
			t.Fatal(err)
		}
	}
	var got []uint64
	err := idx.IterRecent(time.Now().Add(-time.Hour), func(id uint64) bool {
		got = append(got, id)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("expected only the recent doc, got %v", got)
	}
}

func TestLinkGraph(t *testing.T) {
	idx := openTestIndex(t)
	src := "https://example.org/hub"
	if err := idx.AddLinks(src, []string{"https://example.org/a", "https://example.org/b", src}); err != nil {
		t.Fatal(err)
	}
	// Duplicate edges collapse.
	if err := idx.AddLinks(src, []string{"https://example.org/a"}); err != nil {
		t.Fatal(err)
	}
	edges, err := idx.Links()
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 2 {
		t.Errorf("expected 2 edges (self-link and duplicate dropped), got %d", len(edges))
	}
}

func TestNearDupCandidate(t *testing.T) {
	idx := openTestIndex(t)
	doc := testDoc(3, "https://example.org/orig", "Original", "shared body")
	doc.SimHash = 0xF0F0
	if err := idx.Upsert(doc); err != nil {
		t.Fatal(err)
	}
	within := func(a, b uint64) bool { return a == b }
	if _, ok := idx.NearDupCandidate(0xF0F0, within); !ok {
		t.Error("expected near-dup candidate match")
	}
	if _, ok := idx.NearDupCandidate(0x1111, within); ok {
		t.Error("unexpected candidate for distant fingerprint")
	}
}
