/*
Package search runs distributed queries: local BM25 probe in parallel
with a trust-weighted remote fan-out, result verification, blended
re-ranking and query caching.

Raw query text never crosses the network and never reaches the logs;
both carry only the query fingerprint.
*/
package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meshfind/meshfind/internal/crawler"
	"github.com/meshfind/meshfind/internal/identity"
	"github.com/meshfind/meshfind/internal/index"
	"github.com/meshfind/meshfind/internal/ledger"
	"github.com/meshfind/meshfind/internal/mesherr"
	"github.com/meshfind/meshfind/internal/metrics"
	"github.com/meshfind/meshfind/internal/rank"
	"github.com/meshfind/meshfind/internal/trust"
	"github.com/meshfind/meshfind/internal/wire"
)

const (
	// cache geometry
	cacheSize = 4096
	cacheTTL  = 60 * time.Second

	maxQueryTerms = 16
	maxLimit      = 50
	snippetLen    = 240

	defaultFanout  = 3
	queryDeadline  = 5 * time.Second
	lookupDeadline = 2 * time.Second

	// local probe over-fetch factor before re-ranking
	probeFactor = 4

	// weight penalty for results whose content hash has no known
	// attestation
	unknownAttestationPenalty = 0.5
)

// Responder is one remote peer eligible for fan-out.
type Responder struct {
	Peer    identity.Fingerprint
	Address string
	Latency time.Duration
}

// Mesh is the network surface the orchestrator fans out over.
type Mesh interface {
	// Responders lists known live peers, unordered.
	Responders() []Responder
	// KeywordLookup queries one responder with keyword hashes only.
	KeywordLookup(ctx context.Context, r Responder, keys [][32]byte, limit int) ([]RemotePointer, error)
}

// RemotePointer is a verified pointer with its publisher.
type RemotePointer struct {
	Pointer   *wire.KeywordPointer
	Publisher identity.Fingerprint
}

// TrustView is the slice of the trust kernel the orchestrator consults.
type TrustView interface {
	TierOf(identity.Fingerprint) trust.Tier
	Isolated(identity.Fingerprint) bool
}

// AttestationView answers whether a content hash has a known recent
// attestation.
type AttestationView interface {
	KnownContentHash(hash [32]byte) bool
}

// Blocklist filters takedown obligations out of results.
type Blocklist interface {
	Blocked(hash [32]byte) bool
	BlockedURL(url string) bool
}

// FanoutPolicy lets the governor cap or disable remote fan-out.
type FanoutPolicy interface {
	AllowFanout() bool
	FanOut() int
}

// Result is a completed query.
type Result struct {
	Hits        []rank.Ranked
	Partial     bool // some fan-out targets failed or timed out
	Cached      bool
	Fingerprint string // hex qfp
}

// Orchestrator coordinates one node's query path.
type Orchestrator struct {
	idx     *index.Index
	mesh    Mesh
	trust   TrustView
	attest  AttestationView
	blocked Blocklist
	ledger  *ledger.Ledger
	policy  FanoutPolicy
	clock   clock.Clock
	log     *zap.Logger
	met     *metrics.Metrics

	cache *lru.LRU[string, []rank.Ranked]
	vec   index.Vectorizer
}

func New(idx *index.Index, mesh Mesh, tv TrustView, attest AttestationView,
	blocked Blocklist, led *ledger.Ledger, policy FanoutPolicy,
	clk clock.Clock, log *zap.Logger, met *metrics.Metrics) *Orchestrator {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		idx: idx, mesh: mesh, trust: tv, attest: attest, blocked: blocked,
		ledger: led, policy: policy, clock: clk, log: log, met: met,
		cache: lru.NewLRU[string, []rank.Ranked](cacheSize, nil, cacheTTL),
	}
}

// SetVectorizer enables the optional embedding recall pass. Nil keeps
// keyword-only retrieval.
func (o *Orchestrator) SetVectorizer(v index.Vectorizer) { o.vec = v }

// Normalize canonicalizes query text for fingerprinting.
func Normalize(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// Fingerprint returns the hex qfp of a normalized query.
func Fingerprint(normalized string) string {
	h := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(h[:])
}

// Terms extracts at most 16 searchable terms from a normalized query.
func Terms(normalized string) []string {
	terms := crawler.Tokenize(normalized)
	if len(terms) > maxQueryTerms {
		terms = terms[:maxQueryTerms]
	}
	return terms
}

// Search executes a query. localOnly skips the fan-out; the governor
// can force the same degradation. Partial results are flagged, never
// dropped.
func (o *Orchestrator) Search(ctx context.Context, query string, limit int, localOnly bool) (*Result, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	normalized := Normalize(query)
	if normalized == "" {
		return nil, mesherr.New(mesherr.KindInputRejected, "empty query")
	}
	qfp := Fingerprint(normalized)
	log := o.log.With(zap.String("qfp", qfp[:16]))
	if o.met != nil {
		o.met.SearchesTotal.Inc()
	}
	started := o.clock.Now()

	if hits, ok := o.cache.Get(qfp); ok {
		if o.met != nil {
			o.met.SearchCacheHits.Inc()
		}
		return &Result{Hits: capHits(hits, limit), Cached: true, Fingerprint: qfp}, nil
	}

	terms := Terms(normalized)
	if len(terms) == 0 {
		return nil, mesherr.New(mesherr.KindInputRejected, "query has no searchable terms")
	}

	ctx, cancel := context.WithTimeout(ctx, queryDeadline)
	defer cancel()

	fanout := !localOnly && o.policy != nil && o.policy.AllowFanout()

	var (
		local    []rank.Candidate
		remote   []rank.Candidate
		localErr error
		partial  bool
		wg       sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		local, localErr = o.localProbe(terms, limit*probeFactor)
	}()
	if fanout {
		remote, partial = o.fanout(ctx, terms, limit)
	}
	wg.Wait()
	if localErr != nil {
		log.Warn("local probe failed", zap.Error(localErr))
		partial = true
	}

	merged := mergeCandidates(local, remote)
	merged = o.filterBlocked(merged)
	ranked := rank.Score(merged, o.clock.Now())
	ranked = o.fuseVector(ctx, normalized, ranked, limit)
	hits := capHits(ranked, limit)

	if o.ledger != nil {
		if _, err := o.ledger.ChargeQuery(); err != nil {
			log.Warn("ledger charge failed", zap.Error(err))
		}
	}
	o.cache.Add(qfp, ranked)
	if o.met != nil {
		o.met.SearchLatency.Observe(o.clock.Now().Sub(started).Seconds())
	}
	log.Info("query complete",
		zap.Int("terms", len(terms)),
		zap.Int("hits", len(hits)),
		zap.Bool("fanout", fanout),
		zap.Bool("partial", partial))
	return &Result{Hits: hits, Partial: partial, Fingerprint: qfp}, nil
}

// fuseVector reranks with the embedding capability when one is present.
// Failures only cost recall, never the query.
func (o *Orchestrator) fuseVector(ctx context.Context, normalized string, ranked []rank.Ranked, limit int) []rank.Ranked {
	if o.vec == nil || len(ranked) == 0 {
		return ranked
	}
	emb, err := o.vec.Embed(ctx, normalized)
	if err != nil {
		return ranked
	}
	ids, err := o.vec.ANNSearch(ctx, emb, limit)
	if err != nil {
		return ranked
	}
	return rank.FuseRRF(ranked, ids)
}

func capHits(hits []rank.Ranked, limit int) []rank.Ranked {
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]rank.Ranked, len(hits))
	copy(out, hits)
	return out
}

func (o *Orchestrator) localProbe(terms []string, limit int) ([]rank.Candidate, error) {
	if o.idx == nil {
		return nil, nil
	}
	scored, err := o.idx.SearchKeywords(terms, limit)
	if err != nil {
		return nil, err
	}
	out := make([]rank.Candidate, 0, len(scored))
	for _, s := range scored {
		doc, err := o.idx.GetDoc(s.DocID)
		if err != nil {
			continue // quarantined rows drop out of results
		}
		if o.blocked != nil && o.blocked.Blocked(doc.ContentHash) {
			continue
		}
		out = append(out, rank.Candidate{
			DocID:     doc.DocID,
			URL:       doc.CanonicalURL,
			Title:     doc.Title,
			Snippet:   snippetFor(doc.Text, terms),
			BM25:      s.Score,
			Trust:     1.0, // own observations
			Authority: doc.Authority,
			CrawlTime: doc.CrawlTime,
			Local:     true,
		})
	}
	return out, nil
}

// snippetFor excerpts the text around the first query term occurrence,
// falling back to the document head when nothing matches.
func snippetFor(text string, terms []string) string {
	lower := strings.ToLower(text)
	at := -1
	for _, term := range terms {
		if i := strings.Index(lower, term); i >= 0 && (at < 0 || i < at) {
			at = i
		}
	}
	start := 0
	if at > snippetLen/3 {
		// Back up to a word boundary before the match.
		start = at - snippetLen/3
		if sp := strings.IndexByte(text[start:at], ' '); sp >= 0 {
			start += sp + 1
		}
	}
	end := start + snippetLen
	if end >= len(text) {
		return text[start:]
	}
	if sp := strings.LastIndexByte(text[start:end], ' '); sp > 0 {
		end = start + sp
	}
	return text[start:end]
}

// selectResponders orders peers by latency-weighted trust and returns
// the top f. Isolated and sub-Normal peers never participate.
func (o *Orchestrator) selectResponders(f int) []Responder {
	peers := o.mesh.Responders()
	type weighted struct {
		r Responder
		w float64
	}
	var ws []weighted
	for _, r := range peers {
		if o.trust.Isolated(r.Peer) {
			continue
		}
		tier := o.trust.TierOf(r.Peer)
		if tier < trust.TierNormal {
			continue
		}
		lat := r.Latency.Seconds()
		if lat <= 0 {
			lat = lookupDeadline.Seconds()
		}
		ws = append(ws, weighted{r: r, w: tier.Value() / lat})
	}
	sort.Slice(ws, func(a, b int) bool { return ws[a].w > ws[b].w })
	if len(ws) > f {
		ws = ws[:f]
	}
	out := make([]Responder, len(ws))
	for i, w := range ws {
		out[i] = w.r
	}
	return out
}

func (o *Orchestrator) fanout(ctx context.Context, terms []string, limit int) ([]rank.Candidate, bool) {
	f := defaultFanout
	if o.policy != nil {
		if pf := o.policy.FanOut(); pf > 0 {
			f = pf
		}
	}
	responders := o.selectResponders(f)
	if len(responders) == 0 {
		return nil, false
	}

	keys := make([][32]byte, len(terms))
	for i, t := range terms {
		keys[i] = sha256.Sum256([]byte(t))
	}

	var mu sync.Mutex
	var pointers []RemotePointer
	partial := false

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range responders {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, lookupDeadline)
			defer cancel()
			ptrs, err := o.mesh.KeywordLookup(cctx, r, keys, limit*probeFactor)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				partial = true
				return nil // partial results beat failed queries
			}
			pointers = append(pointers, ptrs...)
			if o.met != nil {
				o.met.FanoutRPCs.Inc()
			}
			return nil
		})
	}
	g.Wait()

	return o.verifyRemote(pointers), partial
}

// verifyRemote applies the trust and attestation checks to fan-out
// results and converts survivors to ranking candidates.
func (o *Orchestrator) verifyRemote(pointers []RemotePointer) []rank.Candidate {
	out := make([]rank.Candidate, 0, len(pointers))
	for _, rp := range pointers {
		p := rp.Pointer
		if p == nil || o.trust.Isolated(rp.Publisher) {
			continue
		}
		if o.blocked != nil && o.blocked.Blocked(p.ContentHash) {
			continue
		}
		tier := o.trust.TierOf(rp.Publisher)
		if tier < trust.TierNormal {
			continue
		}
		tw := tier.Value()
		if o.attest != nil && !o.attest.KnownContentHash(p.ContentHash) {
			tw *= unknownAttestationPenalty
		}
		out = append(out, rank.Candidate{
			DocID:     p.DocID,
			URL:       p.URL,
			Title:     p.Title,
			Snippet:   p.Snippet,
			BM25:      p.Relevance,
			Trust:     tw,
			CrawlTime: time.UnixMilli(int64(p.PublishedAt)),
		})
	}
	return out
}

// mergeCandidates deduplicates by URL, preferring local observations.
func mergeCandidates(local, remote []rank.Candidate) []rank.Candidate {
	seen := make(map[string]bool, len(local))
	out := make([]rank.Candidate, 0, len(local)+len(remote))
	for _, c := range local {
		seen[c.URL] = true
		out = append(out, c)
	}
	for _, c := range remote {
		if seen[c.URL] {
			continue
		}
		seen[c.URL] = true
		out = append(out, c)
	}
	return out
}

func (o *Orchestrator) filterBlocked(cands []rank.Candidate) []rank.Candidate {
	if o.blocked == nil {
		return cands
	}
	out := cands[:0]
	for _, c := range cands {
		if o.blocked.BlockedURL(c.URL) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// CacheLen reports the number of live cache entries.
func (o *Orchestrator) CacheLen() int { return o.cache.Len() }
