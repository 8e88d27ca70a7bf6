package node

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/meshfind/meshfind/internal/config"
	"github.com/meshfind/meshfind/internal/crawler"
	"github.com/meshfind/meshfind/internal/dht"
	"github.com/meshfind/meshfind/internal/identity"
	"github.com/meshfind/meshfind/internal/index"
	"github.com/meshfind/meshfind/internal/wire"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.BindAddr = "127.0.0.1:0"
	cfg.PowDifficulty = 4
	n, err := New(cfg, nil, Options{AllowPrivateHosts: true})
	if err != nil {
		t.Fatalf("assemble node: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func TestStatusSnapshot(t *testing.T) {
	n := newTestNode(t)
	st := n.MCPBackend().Status()
	if st.IndexDocs != 0 {
		t.Errorf("index docs = %d", st.IndexDocs)
	}
	if st.AccountState != "NORMAL" {
		t.Errorf("account state = %s", st.AccountState)
	}
	if st.DegradeLevel != 0 {
		t.Errorf("degrade level = %d", st.DegradeLevel)
	}
	if st.CreditBalance != 0 {
		t.Errorf("balance = %v", st.CreditBalance)
	}
}

func TestFetchPageServesCachedDocument(t *testing.T) {
	n := newTestNode(t)
	text := "stored page body about distributed systems"
	doc := &index.Document{
		DocID:        crawler.DocIDFor("https://example.org/page"),
		CanonicalURL: "https://example.org/page",
		ContentHash:  sha256.Sum256([]byte(text)),
		RawHash:      sha256.Sum256([]byte("raw:" + text)),
		Title:        "Stored",
		Text:         text,
		CrawlTime:    time.Now().UTC(),
	}
	if err := n.idx.Upsert(doc); err != nil {
		t.Fatal(err)
	}

	page, err := n.MCPBackend().FetchPage(context.Background(), "https://example.org/page")
	if err != nil {
		t.Fatal(err)
	}
	if !page.IsCached {
		t.Error("cached document served as live fetch")
	}
	if page.Text != text || page.SourceURL != "https://example.org/page" {
		t.Errorf("page = %+v", page)
	}
}

func TestEnqueueSkipsIndexedWithoutForce(t *testing.T) {
	n := newTestNode(t)
	url := "https://example.org/known"
	doc := &index.Document{
		DocID:        crawler.DocIDFor(url),
		CanonicalURL: url,
		ContentHash:  sha256.Sum256([]byte("body")),
		RawHash:      sha256.Sum256([]byte("raw:body")),
		Text:         "body",
		CrawlTime:    time.Now().UTC(),
	}
	if err := n.idx.Upsert(doc); err != nil {
		t.Fatal(err)
	}

	canon, err := n.MCPBackend().EnqueueCrawl(url, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if canon != url {
		t.Errorf("canon = %s", canon)
	}
	if _, queued := n.crawler.StateOf(url); queued {
		t.Error("indexed url queued without force")
	}

	if _, err := n.MCPBackend().EnqueueCrawl(url, 0, true); err != nil {
		t.Fatalf("forced enqueue: %v", err)
	}
	if _, queued := n.crawler.StateOf(url); !queued {
		t.Error("forced enqueue did not queue")
	}
}

func TestEnqueueRecordsDepth(t *testing.T) {
	n := newTestNode(t)
	canon, err := n.MCPBackend().EnqueueCrawl("https://example.org/deep", 2, false)
	if err != nil {
		t.Fatal(err)
	}
	n.mu.Lock()
	depth := n.crawlDepth[canon]
	n.mu.Unlock()
	if depth != 2 {
		t.Errorf("depth = %d", depth)
	}
}

func TestAttestCache(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cache := newAttestCache(func() time.Time { return now })

	self := identity.Fingerprint{1}
	other := identity.Fingerprint{2}
	att := &wire.ContentAttestation{
		CanonicalURL: "https://example.org/a",
		ContentHash:  sha256.Sum256([]byte("a")),
		CrawlTime:    uint64(now.UnixMilli()),
	}
	cache.add(att, other)

	if !cache.KnownContentHash(att.ContentHash) {
		t.Error("fresh attestation unknown")
	}
	if peer, ok := cache.holder(att.ContentHash); !ok || peer != other {
		t.Errorf("holder = %v %v", peer, ok)
	}

	target, ok := cache.randomTarget(self)
	if !ok || target.Peer != other || target.URL != "https://example.org/a" {
		t.Errorf("target = %+v %v", target, ok)
	}
	// Own attestations are never audit targets.
	if _, ok := cache.randomTarget(other); ok {
		t.Error("self attestation offered as audit target")
	}

	now = now.Add(attestCacheTTL + time.Minute)
	if cache.KnownContentHash(att.ContentHash) {
		t.Error("expired attestation still known")
	}
	cache.sweep()
	if len(cache.byHash) != 0 {
		t.Errorf("sweep left %d entries", len(cache.byHash))
	}
}

func TestCreditCrawlFeedsLedgerAndTrust(t *testing.T) {
	n := newTestNode(t)
	before := n.ledger.Balance()
	selfScore := n.trust.Score(n.id.Fingerprint)

	n.creditCrawl("https://example.org/earned")

	if got := n.ledger.Balance(); got <= before {
		t.Errorf("balance = %v after crawl credit, want > %v", got, before)
	}
	if got := n.trust.Score(n.id.Fingerprint); got <= selfScore {
		t.Errorf("self score = %v after contribution, want > %v", got, selfScore)
	}
}

func TestSecureIntnBounds(t *testing.T) {
	for _, n := range []int{1, 2, 7} {
		for i := 0; i < 200; i++ {
			if got := secureIntn(n); got < 0 || got >= n {
				t.Fatalf("secureIntn(%d) = %d out of range", n, got)
			}
		}
	}
}

func TestAuditorsForIncludesSelf(t *testing.T) {
	n := newTestNode(t)
	var key [32]byte
	me := n.dht.Me()
	copy(key[:], me.ID[:])

	found := false
	for _, fp := range (auditMesh{n}).AuditorsFor(key, 3) {
		if fp == n.id.Fingerprint {
			found = true
		}
	}
	if !found {
		t.Error("own node missing from election set")
	}
}

func TestAnswerKeywordLookup(t *testing.T) {
	n := newTestNode(t)
	ptr := &wire.KeywordPointer{
		DocID:       7,
		Relevance:   0.8,
		ContentHash: sha256.Sum256([]byte("text")),
		PublishedAt: uint64(time.Now().UnixMilli()),
		URL:         "https://example.org/kw",
		Title:       "Keyword",
		Snippet:     "snippet",
	}
	env, err := n.dht.Seal(ptr)
	if err != nil {
		t.Fatal(err)
	}
	key := dht.KeyForKeyword("keyword")
	if err := n.dht.Store().Put(key, env, ptr); err != nil {
		t.Fatal(err)
	}

	got := n.answerKeywordLookup([]dht.ID{key}, 10)
	if len(got) != 1 {
		t.Fatalf("records = %d, want 1", len(got))
	}
	decoded, err := wire.DecodeEnvelope(got[0])
	if err != nil {
		t.Fatal(err)
	}
	rec, err := wire.DecodePayload(decoded.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if rec.(*wire.KeywordPointer).URL != ptr.URL {
		t.Errorf("pointer url = %s", rec.(*wire.KeywordPointer).URL)
	}
}

func TestIngestMeshRecordsPicksUpTakedown(t *testing.T) {
	n := newTestNode(t)
	td := &wire.Takedown{
		TargetURL:   "https://example.org/gone",
		ContentHash: sha256.Sum256([]byte("gone")),
		Reason:      "copyright",
		IssuedAt:    uint64(time.Now().UnixMilli()),
	}
	env, err := n.dht.Seal(td)
	if err != nil {
		t.Fatal(err)
	}
	key := dht.KeyForURL(td.TargetURL)
	if err := n.dht.Store().Put(key, env, td); err != nil {
		t.Fatal(err)
	}

	n.ingestMeshRecords()
	if !n.takedowns.Blocked(td.ContentHash) {
		t.Error("takedown hash not blocked after ingest")
	}
	if !n.takedowns.BlockedURL(td.TargetURL) {
		t.Error("takedown url not blocked after ingest")
	}
}
