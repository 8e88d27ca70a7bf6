package crawler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/meshfind/meshfind/internal/index"
	"github.com/meshfind/meshfind/internal/wire"
)

type fakeMesh struct {
	mu        sync.Mutex
	owns      bool
	lockOK    bool
	hasAttest bool

	attestations []*wire.ContentAttestation
	pointers     map[string][]*wire.KeywordPointer
	releases     int
}

func newFakeMesh() *fakeMesh {
	return &fakeMesh{owns: true, lockOK: true, pointers: make(map[string][]*wire.KeywordPointer)}
}

func (m *fakeMesh) OwnsURL(string) bool { return m.owns }

func (m *fakeMesh) AcquireCrawlLock(context.Context, string) (bool, error) {
	return m.lockOK, nil
}

func (m *fakeMesh) ReleaseCrawlLock(context.Context, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	return nil
}

func (m *fakeMesh) HasContentAttestation(context.Context, [32]byte) (bool, error) {
	return m.hasAttest, nil
}

func (m *fakeMesh) PublishAttestation(_ context.Context, att *wire.ContentAttestation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attestations = append(m.attestations, att)
	return nil
}

func (m *fakeMesh) PublishPointer(_ context.Context, keyword string, ptr *wire.KeywordPointer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pointers[keyword] = append(m.pointers[keyword], ptr)
	return nil
}

const testPage = `<!DOCTYPE html>
<html lang="en"><head>
<title>Distributed Hash Tables Explained</title>
<script>console.log("never indexed")</script>
</head><body>
<p>Kademlia routes lookups by xor distance between node identifiers.
Buckets hold the longest known contacts and refresh periodically.
Replication keeps records alive when peers churn in and out.</p>
<a href="/deeper">deeper</a>
<a href="https://other.example/offsite">offsite</a>
</body></html>`

func testServer(t *testing.T, robots string, pages map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			if robots == "" {
				http.NotFound(w, r)
				return
			}
			w.Write([]byte(robots))
			return
		}
		if body, ok := pages[r.URL.Path]; ok {
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte(body))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testCrawler(t *testing.T, mesh Mesh) *Crawler {
	t.Helper()
	return testCrawlerOpts(t, mesh, Options{Workers: 1, AllowPrivateHosts: true})
}

func testCrawlerOpts(t *testing.T, mesh Mesh, opts Options) *Crawler {
	t.Helper()
	idx, err := index.Open(t.TempDir(), "unicode61", zap.NewNop())
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return New(mesh, idx, zap.NewNop(), opts)
}

func TestBlockedIP(t *testing.T) {
	cases := []struct {
		ip      string
		blocked bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.16.0.9", true},
		{"192.168.1.1", true},
		{"169.254.0.5", true},
		{"::1", true},
		{"fe80::1", true},
		{"fd00::1", true}, // unique-local
		{"0.0.0.0", true},
		{"224.0.0.1", true},
		{"93.184.216.34", false},
		{"2606:2800:220:1::1", false},
	}
	for _, tc := range cases {
		if got := blockedIP(net.ParseIP(tc.ip)); got != tc.blocked {
			t.Errorf("blockedIP(%s) = %v, want %v", tc.ip, got, tc.blocked)
		}
	}
}

func TestFetchRejectsWithoutIO(t *testing.T) {
	f := NewFetcher()
	ctx := context.Background()
	for _, raw := range []string{
		"file:///etc/passwd",
		"ftp://example.org/x",
		"http://127.0.0.1/admin",
		"http://192.168.0.1/router",
		"http://[::1]/internal",
	} {
		if _, err := f.Fetch(ctx, raw); !errors.Is(err, ErrSSRFBlocked) {
			t.Errorf("Fetch(%s) error = %v, want address guard rejection", raw, err)
		}
	}
}

func TestExtract(t *testing.T) {
	ext, err := Extract([]byte(testPage), "https://docs.example.org/dht")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if ext.Title != "Distributed Hash Tables Explained" {
		t.Errorf("title = %q", ext.Title)
	}
	if ext.Language != "en" {
		t.Errorf("language = %q, want en", ext.Language)
	}
	for _, bad := range []string{"console.log", "never indexed"} {
		if strings.Contains(ext.Text, bad) {
			t.Errorf("script content leaked into text: %q", bad)
		}
	}
	if !strings.Contains(ext.Text, "Kademlia routes lookups") {
		t.Errorf("main text missing: %q", ext.Text)
	}
	if len(ext.Links) != 2 {
		t.Fatalf("links = %v, want 2", ext.Links)
	}
	if ext.Links[0] != "https://docs.example.org/deeper" {
		t.Errorf("relative link not resolved: %s", ext.Links[0])
	}
}

func TestExtractKeywords(t *testing.T) {
	kws := ExtractKeywords("Kademlia Routing",
		"kademlia kademlia buckets replication and the of with", nil, 5)
	if len(kws) == 0 {
		t.Fatal("no keywords extracted")
	}
	if kws[0].Term != "kademlia" {
		t.Errorf("top keyword = %q, want kademlia", kws[0].Term)
	}
	if kws[0].Weight != 1.0 {
		t.Errorf("top weight = %v, want 1.0 after normalization", kws[0].Weight)
	}
	for _, kw := range kws {
		if stopwords[kw.Term] {
			t.Errorf("stopword %q survived", kw.Term)
		}
		if kw.Weight < 0 || kw.Weight > 1 {
			t.Errorf("weight out of range: %+v", kw)
		}
	}
}

func TestRobotsDenyOnAbsent(t *testing.T) {
	srv := testServer(t, "", map[string]string{"/page": testPage})
	rc := NewRobotsCache(NewUnguardedFetcher(), nil)
	allowed, _, err := rc.Allowed(context.Background(), srv.URL+"/page")
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Error("missing robots.txt must deny")
	}
}

func TestRobotsAllowAndDelay(t *testing.T) {
	robots := "User-agent: *\nDisallow: /private\nCrawl-delay: 2\n"
	srv := testServer(t, robots, nil)
	rc := NewRobotsCache(NewUnguardedFetcher(), nil)

	allowed, delay, err := rc.Allowed(context.Background(), srv.URL+"/public")
	if err != nil {
		t.Fatal(err)
	}
	if !allowed {
		t.Error("public path should be allowed")
	}
	if delay.Seconds() != 2 {
		t.Errorf("crawl delay = %v, want 2s", delay)
	}
	allowed, _, _ = rc.Allowed(context.Background(), srv.URL+"/private/x")
	if allowed {
		t.Error("disallowed path should deny")
	}
}

func TestCrawlOneIndexes(t *testing.T) {
	srv := testServer(t, "User-agent: *\nAllow: /\n", map[string]string{"/page": testPage})
	mesh := newFakeMesh()
	c := testCrawler(t, mesh)

	canon, err := c.Enqueue(srv.URL + "/page")
	if err != nil {
		t.Fatal(err)
	}
	if got := c.CrawlOne(context.Background(), canon); got != StateIndexed {
		t.Fatalf("state = %s, want INDEXED", got)
	}
	if mesh.releases != 1 {
		t.Errorf("lock released %d times, want 1", mesh.releases)
	}
	if len(mesh.attestations) != 1 {
		t.Fatalf("attestations = %d, want 1", len(mesh.attestations))
	}
	if len(mesh.pointers["kademlia"]) == 0 {
		t.Errorf("expected a pointer for 'kademlia', got keys %v", keysOf(mesh.pointers))
	}

	doc, ok := c.idx.GetByURL(canon)
	if !ok {
		t.Fatal("document not in local index")
	}
	if doc.DocID != DocIDFor(canon) {
		t.Errorf("doc id mismatch")
	}
	hits, err := c.idx.SearchKeywords([]string{"replication"}, 5)
	if err != nil || len(hits) != 1 {
		t.Errorf("local search after crawl: hits=%v err=%v", hits, err)
	}
}

func keysOf(m map[string][]*wire.KeywordPointer) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestCrawlAbortsWhenLockHeld(t *testing.T) {
	srv := testServer(t, "User-agent: *\nAllow: /\n", map[string]string{"/page": testPage})
	mesh := newFakeMesh()
	mesh.lockOK = false
	c := testCrawler(t, mesh)

	canon, _ := c.Enqueue(srv.URL + "/page")
	if got := c.CrawlOne(context.Background(), canon); got == StateIndexed {
		t.Fatal("crawl should abort when the lock is held elsewhere")
	}
	if len(mesh.attestations) != 0 {
		t.Error("nothing should be published without the lock")
	}
}

func TestCrawlSkipsRemoteDuplicate(t *testing.T) {
	srv := testServer(t, "User-agent: *\nAllow: /\n", map[string]string{"/page": testPage})
	mesh := newFakeMesh()
	mesh.hasAttest = true
	c := testCrawler(t, mesh)

	canon, _ := c.Enqueue(srv.URL + "/page")
	if got := c.CrawlOne(context.Background(), canon); got != StateRejected {
		t.Fatalf("state = %s, want REJECTED for attested duplicate", got)
	}
	if c.idx.Count() != 0 {
		t.Error("duplicate must not be indexed")
	}
}

func TestCrawlRejectsOnGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.Write([]byte("User-agent: *\nAllow: /\n"))
			return
		}
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()
	mesh := newFakeMesh()
	c := testCrawler(t, mesh)

	canon, _ := c.Enqueue(srv.URL + "/page")
	if got := c.CrawlOne(context.Background(), canon); got != StateRejected {
		t.Fatalf("state = %s, want REJECTED on 410", got)
	}
}

type fakePolicy struct {
	newCrawls bool
	indexing  bool
}

func (p *fakePolicy) AllowNewCrawls() bool { return p.newCrawls }
func (p *fakePolicy) AllowIndexing() bool  { return p.indexing }

func TestCrawlStopsIndexingUnderPressure(t *testing.T) {
	srv := testServer(t, "User-agent: *\nAllow: /\n", map[string]string{"/page": testPage})
	mesh := newFakeMesh()
	c := testCrawlerOpts(t, mesh, Options{
		Workers: 1, AllowPrivateHosts: true,
		Policy: &fakePolicy{newCrawls: true, indexing: false},
	})

	canon, _ := c.Enqueue(srv.URL + "/page")
	if got := c.CrawlOne(context.Background(), canon); got != StateFailed {
		t.Fatalf("state = %s, want FAILED while indexing is paused", got)
	}
	if c.idx.Count() != 0 {
		t.Error("document indexed despite paused indexing")
	}
}

func TestRecrawlPausedUnderPressure(t *testing.T) {
	policy := &fakePolicy{newCrawls: false, indexing: true}
	c := testCrawlerOpts(t, newFakeMesh(), Options{
		Workers: 1, AllowPrivateHosts: true, Policy: policy,
	})

	url := "https://docs.example.org/dht"
	c.mu.Lock()
	c.states[url] = &urlState{
		state: StateIndexed, interval: time.Hour,
		nextCrawl: c.clock.Now().Add(-time.Minute),
	}
	c.mu.Unlock()

	c.enqueueDue()
	if len(c.queue) != 0 {
		t.Fatal("recrawl scheduled while new crawls are paused")
	}

	policy.newCrawls = true
	c.enqueueDue()
	if len(c.queue) != 1 {
		t.Fatalf("queued %d recrawls after resume, want 1", len(c.queue))
	}
}

type recordingDownload struct {
	mu    sync.Mutex
	bytes int
}

func (l *recordingDownload) AcquireDownload(_ context.Context, n int) error {
	l.mu.Lock()
	l.bytes += n
	l.mu.Unlock()
	return nil
}

func TestCrawlChargesDownloadBudget(t *testing.T) {
	srv := testServer(t, "User-agent: *\nAllow: /\n", map[string]string{"/page": testPage})
	mesh := newFakeMesh()
	dl := &recordingDownload{}
	c := testCrawlerOpts(t, mesh, Options{
		Workers: 1, AllowPrivateHosts: true, Download: dl,
	})

	canon, _ := c.Enqueue(srv.URL + "/page")
	if got := c.CrawlOne(context.Background(), canon); got != StateIndexed {
		t.Fatalf("state = %s, want INDEXED", got)
	}
	dl.mu.Lock()
	charged := dl.bytes
	dl.mu.Unlock()
	if charged < len(testPage) {
		t.Errorf("charged %d bytes, want at least the page body %d", charged, len(testPage))
	}
}

func TestCrawlReportsIndexedPages(t *testing.T) {
	srv := testServer(t, "User-agent: *\nAllow: /\n", map[string]string{"/page": testPage})
	mesh := newFakeMesh()
	var indexed []string
	c := testCrawlerOpts(t, mesh, Options{
		Workers: 1, AllowPrivateHosts: true,
		OnIndexed: func(u string) { indexed = append(indexed, u) },
	})

	canon, _ := c.Enqueue(srv.URL + "/page")
	if got := c.CrawlOne(context.Background(), canon); got != StateIndexed {
		t.Fatalf("state = %s, want INDEXED", got)
	}
	if len(indexed) != 1 || indexed[0] != canon {
		t.Errorf("indexed callbacks = %v, want [%s]", indexed, canon)
	}

	// Aborted crawls never fire the callback.
	mesh.lockOK = false
	c.CrawlOne(context.Background(), srv.URL+"/other")
	if len(indexed) != 1 {
		t.Errorf("callback fired for a non-indexed outcome: %v", indexed)
	}
}

func TestRecrawlIdempotent(t *testing.T) {
	srv := testServer(t, "User-agent: *\nAllow: /\n", map[string]string{"/page": testPage})
	mesh := newFakeMesh()
	c := testCrawler(t, mesh)

	canon, _ := c.Enqueue(srv.URL + "/page")
	if got := c.CrawlOne(context.Background(), canon); got != StateIndexed {
		t.Fatalf("first crawl: %s", got)
	}
	if got := c.CrawlOne(context.Background(), canon); got != StateIndexed {
		t.Fatalf("second crawl: %s", got)
	}
	if c.idx.Count() != 1 {
		t.Errorf("recrawl duplicated the document: count=%d", c.idx.Count())
	}

	// Unchanged content stretches the recrawl interval.
	c.mu.Lock()
	st := c.states[canon]
	c.mu.Unlock()
	if st.interval <= baseRecrawl {
		t.Errorf("interval should grow on unchanged content, got %v", st.interval)
	}
}
