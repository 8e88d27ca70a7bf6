package crawler

import (
	"context"
	"crypto/sha256"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/meshfind/meshfind/internal/dedup"
	"github.com/meshfind/meshfind/internal/index"
	"github.com/meshfind/meshfind/internal/mesherr"
	"github.com/meshfind/meshfind/internal/metrics"
	"github.com/meshfind/meshfind/internal/wire"
)

// URL lifecycle states.
type State int

const (
	StateUnassigned State = iota
	StateOwned
	StateLocked
	StateFetching
	StateParsing
	StateDedup
	StateIndexed
	StateRejected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnassigned:
		return "UNASSIGNED"
	case StateOwned:
		return "OWNED"
	case StateLocked:
		return "LOCKED"
	case StateFetching:
		return "FETCHING"
	case StateParsing:
		return "PARSING"
	case StateDedup:
		return "DEDUP"
	case StateIndexed:
		return "INDEXED"
	case StateRejected:
		return "REJECTED"
	default:
		return "FAILED"
	}
}

// Recrawl cadence bounds. The interval adapts to the observed change
// ratio between crawls.
const (
	minRecrawl  = time.Hour
	maxRecrawl  = 30 * 24 * time.Hour
	baseRecrawl = 24 * time.Hour

	maxRetries   = 2
	firstBackoff = time.Second

	snippetLen = 240
)

// Mesh is the DHT surface the crawler needs. Records handed over are
// sealed and replicated by the node layer.
type Mesh interface {
	OwnsURL(url string) bool
	AcquireCrawlLock(ctx context.Context, url string) (bool, error)
	ReleaseCrawlLock(ctx context.Context, url string) error
	HasContentAttestation(ctx context.Context, contentHash [32]byte) (bool, error)
	PublishAttestation(ctx context.Context, att *wire.ContentAttestation) error
	PublishPointer(ctx context.Context, keyword string, ptr *wire.KeywordPointer) error
}

// Policy lets the resource governor throttle the crawler: no new work is
// scheduled past the warning level, and index writes stop before the
// machine is starved.
type Policy interface {
	AllowNewCrawls() bool
	AllowIndexing() bool
}

type urlState struct {
	state       State
	lastHash    [32]byte
	interval    time.Duration
	nextCrawl   time.Time
	robotsDeny  bool
}

// Crawler drives the per-URL pipeline with a bounded worker pool.
type Crawler struct {
	fetcher *Fetcher
	robots  *RobotsCache
	polite  *Politeness
	mesh    Mesh
	idx     *index.Index
	clock   clock.Clock
	log     *zap.Logger
	met     *metrics.Metrics

	workers   int
	queue     chan string
	policy    Policy
	onIndexed func(canonicalURL string)

	mu     sync.Mutex
	states map[string]*urlState
}

// Options tune the crawler; zero values pick defaults.
type Options struct {
	Workers int
	Clock   clock.Clock
	Metrics *metrics.Metrics

	// Policy throttles scheduling and indexing under load; nil allows
	// everything.
	Policy Policy

	// Download charges fetched bytes against the node's bandwidth
	// budget; nil disables accounting.
	Download DownloadLimiter

	// OnIndexed fires after a page reaches the index.
	OnIndexed func(canonicalURL string)

	// AllowPrivateHosts disarms the address guard. Test and
	// single-machine development use only.
	AllowPrivateHosts bool
}

func New(mesh Mesh, idx *index.Index, log *zap.Logger, opts Options) *Crawler {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	fetcher := NewFetcher()
	if opts.AllowPrivateHosts {
		fetcher = NewUnguardedFetcher()
	}
	fetcher.SetLimiter(opts.Download)
	return &Crawler{
		fetcher:   fetcher,
		robots:    NewRobotsCache(fetcher, opts.Clock),
		polite:    NewPoliteness(),
		mesh:      mesh,
		idx:       idx,
		clock:     opts.Clock,
		log:       log,
		met:       opts.Metrics,
		workers:   opts.Workers,
		queue:     make(chan string, 1024),
		policy:    opts.Policy,
		onIndexed: opts.OnIndexed,
		states:    make(map[string]*urlState),
	}
}

func (c *Crawler) allowNewCrawls() bool {
	return c.policy == nil || c.policy.AllowNewCrawls()
}

func (c *Crawler) allowIndexing() bool {
	return c.policy == nil || c.policy.AllowIndexing()
}

// Enqueue canonicalizes and queues a URL. Returns the canonical form.
func (c *Crawler) Enqueue(rawURL string) (string, error) {
	canon, err := dedup.CanonicalURL(rawURL)
	if err != nil {
		return "", err
	}
	select {
	case c.queue <- canon:
	default:
		return "", mesherr.New(mesherr.KindResourceExhausted, "crawl queue full")
	}
	c.mu.Lock()
	if _, ok := c.states[canon]; !ok {
		c.states[canon] = &urlState{interval: baseRecrawl}
	}
	c.mu.Unlock()
	return canon, nil
}

// Run consumes the queue until ctx is done, plus a rescheduler that
// re-enqueues URLs whose adaptive recrawl interval elapsed.
func (c *Crawler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case u := <-c.queue:
					c.CrawlOne(ctx, u)
				}
			}
		}()
	}

	ticker := c.clock.Ticker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			c.enqueueDue()
		}
	}
}

func (c *Crawler) enqueueDue() {
	if !c.allowNewCrawls() {
		return
	}
	now := c.clock.Now()
	c.mu.Lock()
	var due []string
	for u, st := range c.states {
		if st.state == StateIndexed && !st.nextCrawl.IsZero() && now.After(st.nextCrawl) && !st.robotsDeny {
			due = append(due, u)
			st.nextCrawl = now.Add(st.interval) // avoid re-queueing every tick
		}
	}
	c.mu.Unlock()
	for _, u := range due {
		select {
		case c.queue <- u:
		default:
			return
		}
	}
}

func (c *Crawler) setState(url string, s State) *urlState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[url]
	if !ok {
		st = &urlState{interval: baseRecrawl}
		c.states[url] = st
	}
	st.state = s
	return st
}

// StateOf reports the pipeline state of a canonical URL.
func (c *Crawler) StateOf(url string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[url]
	if !ok {
		return StateUnassigned, false
	}
	return st.state, true
}

// DocIDFor derives the stable document ID of a canonical URL.
func DocIDFor(canonicalURL string) uint64 {
	return xxhash.Sum64String(canonicalURL)
}

// CrawlOne runs the full pipeline for one canonical URL. The returned
// state is terminal for this attempt.
func (c *Crawler) CrawlOne(ctx context.Context, canon string) State {
	if c.met != nil {
		c.met.CrawlsStarted.Inc()
	}
	log := c.log.With(zap.String("url", canon))

	st := c.setState(canon, StateOwned)
	if st.robotsDeny {
		return StateRejected
	}

	allowed, delay, err := c.robots.Allowed(ctx, canon)
	if err != nil || !allowed {
		c.mu.Lock()
		st.robotsDeny = true
		c.mu.Unlock()
		log.Debug("robots denied")
		return c.finish(canon, StateRejected)
	}

	ok, err := c.mesh.AcquireCrawlLock(ctx, canon)
	if err != nil || !ok {
		log.Debug("crawl lock held elsewhere")
		return c.finish(canon, StateUnassigned)
	}
	c.setState(canon, StateLocked)
	defer func() {
		if err := c.mesh.ReleaseCrawlLock(context.WithoutCancel(ctx), canon); err != nil {
			log.Warn("lock release failed", zap.Error(err))
		}
	}()

	if err := c.polite.Wait(ctx, canon, delay); err != nil {
		return c.finish(canon, StateFailed)
	}

	c.setState(canon, StateFetching)
	res, err := c.fetchWithRetry(ctx, canon)
	if err != nil {
		if errors.Is(err, ErrSSRFBlocked) {
			log.Warn("fetch blocked by address guard")
			return c.finish(canon, StateRejected)
		}
		if c.met != nil {
			c.met.CrawlsFailed.Inc()
		}
		log.Info("fetch failed", zap.Error(err))
		return c.finish(canon, StateFailed)
	}
	switch {
	case res.StatusCode == 403 || res.StatusCode == 410:
		return c.finish(canon, StateRejected)
	case res.StatusCode != 200:
		return c.finish(canon, StateFailed)
	}

	c.setState(canon, StateParsing)
	rawHash := sha256.Sum256(res.Body)
	ext, err := Extract(res.Body, res.FinalURL)
	if err != nil || strings.TrimSpace(ext.Text) == "" {
		if c.met != nil {
			c.met.CrawlsRejected.Inc()
		}
		log.Debug("extraction empty")
		return c.finish(canon, StateRejected)
	}
	if declared := ext.Canonical; declared != "" {
		canon = dedup.PreferCanonicalLink(canon, declared)
	}

	c.setState(canon, StateDedup)
	contentHash := sha256.Sum256([]byte(ext.Text))

	changed := true
	c.mu.Lock()
	if st.lastHash == contentHash {
		changed = false
	}
	c.mu.Unlock()

	// Exact dedup against the mesh: someone already attests this text.
	if c.idx != nil && !c.idx.HasContentHash(contentHash) {
		if dup, err := c.mesh.HasContentAttestation(ctx, contentHash); err == nil && dup {
			if c.met != nil {
				c.met.CrawlsDeduped.Inc()
			}
			log.Debug("exact duplicate already attested on mesh")
			c.observeChange(canon, st, contentHash, changed)
			return c.finish(canon, StateRejected)
		}
	}

	// Near dedup: group under the earliest-crawled similar document and
	// keep the page locally without re-publishing keywords.
	fp := dedup.SimHash(ext.Text)
	suppressPointers := false
	if c.idx != nil {
		if prior, ok := c.idx.NearDupCandidate(fp, dedup.NearDuplicate); ok && prior.ContentHash != contentHash {
			suppressPointers = true
			log.Debug("near duplicate grouped", zap.Uint64("group_doc", prior.DocID))
			if c.met != nil {
				c.met.CrawlsDeduped.Inc()
			}
		}
	}

	now := c.clock.Now()
	docID := DocIDFor(canon)
	doc := &index.Document{
		DocID:        docID,
		CanonicalURL: canon,
		ContentHash:  contentHash,
		RawHash:      rawHash,
		Title:        ext.Title,
		Text:         ext.Text,
		Language:     ext.Language,
		CrawlTime:    now,
		SimHash:      fp,
	}
	if !c.allowIndexing() {
		log.Warn("indexing paused under resource pressure")
		return c.finish(canon, StateFailed)
	}
	if c.idx != nil {
		if err := c.idx.Upsert(doc); err != nil {
			log.Error("index write failed", zap.Error(err))
			return c.finish(canon, StateFailed)
		}
		if err := c.idx.AddLinks(canon, ext.Links); err != nil {
			log.Warn("link graph write failed", zap.Error(err))
		}
	}

	att := &wire.ContentAttestation{
		CanonicalURL: canon,
		RawHash:      rawHash,
		ContentHash:  contentHash,
		CrawlTime:    uint64(now.UnixMilli()),
	}
	if err := c.mesh.PublishAttestation(ctx, att); err != nil {
		log.Warn("attestation publish failed", zap.Error(err))
	}

	if !suppressPointers && c.mesh.OwnsURL(canon) {
		c.publishPointers(ctx, doc, ext)
	}

	c.observeChange(canon, st, contentHash, changed)
	if c.met != nil {
		c.met.CrawlsIndexed.Inc()
		if c.idx != nil {
			c.met.IndexDocs.Set(float64(c.idx.Count()))
		}
	}
	log.Info("indexed", zap.Uint64("doc_id", docID), zap.Int("links", len(ext.Links)))
	if c.onIndexed != nil {
		c.onIndexed(canon)
	}
	return c.finish(canon, StateIndexed)
}

func (c *Crawler) publishPointers(ctx context.Context, doc *index.Document, ext *Extraction) {
	kws := ExtractKeywords(doc.Title, doc.Text, c.corpusDF(), TopKeywords)
	snippet := doc.Text
	if len(snippet) > snippetLen {
		snippet = snippet[:snippetLen]
	}
	for _, kw := range kws {
		ptr := &wire.KeywordPointer{
			DocID:       doc.DocID,
			Relevance:   kw.Weight,
			ContentHash: doc.ContentHash,
			PublishedAt: uint64(doc.CrawlTime.UnixMilli()),
			URL:         doc.CanonicalURL,
			Title:       doc.Title,
			Snippet:     snippet,
		}
		if err := c.mesh.PublishPointer(ctx, kw.Term, ptr); err != nil {
			c.log.Debug("pointer publish failed",
				zap.String("keyword", kw.Term), zap.Error(err))
		}
	}
}

// corpusDF returns nil: keyword weighting runs on term frequency alone.
// A single node's corpus is too small and too topically skewed to give
// stable document frequencies, and ExtractKeywords treats a nil provider
// as tf-only.
func (c *Crawler) corpusDF() DocFreq {
	return nil
}

// observeChange adapts the recrawl interval: unchanged content doubles
// it, changed content halves it, clamped to [1 h, 30 d].
func (c *Crawler) observeChange(url string, st *urlState, hash [32]byte, changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st.lastHash != ([32]byte{}) {
		if changed {
			st.interval /= 2
		} else {
			st.interval *= 2
		}
	}
	if st.interval < minRecrawl {
		st.interval = minRecrawl
	}
	if st.interval > maxRecrawl {
		st.interval = maxRecrawl
	}
	st.lastHash = hash
	st.nextCrawl = c.clock.Now().Add(st.interval)
}

func (c *Crawler) finish(url string, s State) State {
	c.setState(url, s)
	return s
}

// fetchWithRetry retries transient failures with 1 s then 2 s backoff.
// Guard rejections are returned immediately.
func (c *Crawler) fetchWithRetry(ctx context.Context, url string) (*FetchResult, error) {
	backoff := firstBackoff
	for attempt := 0; ; attempt++ {
		res, err := c.fetcher.Fetch(ctx, url)
		if err == nil {
			if res.StatusCode < 500 || attempt >= maxRetries {
				return res, nil
			}
		} else if errors.Is(err, ErrSSRFBlocked) || !mesherr.Retryable(err) || attempt >= maxRetries {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clock.After(backoff):
		}
		backoff *= 2
	}
}
