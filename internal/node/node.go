/*
Package node assembles one meshfind peer: identity, overlay, index,
crawler, trust kernel, credit ledger, resource governor and the search
orchestrator, wired together and driven by a single Run loop.
*/
package node

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/meshfind/meshfind/internal/config"
	"github.com/meshfind/meshfind/internal/crawler"
	"github.com/meshfind/meshfind/internal/dht"
	"github.com/meshfind/meshfind/internal/governor"
	"github.com/meshfind/meshfind/internal/guard"
	"github.com/meshfind/meshfind/internal/identity"
	"github.com/meshfind/meshfind/internal/index"
	"github.com/meshfind/meshfind/internal/ledger"
	"github.com/meshfind/meshfind/internal/metrics"
	"github.com/meshfind/meshfind/internal/rank"
	"github.com/meshfind/meshfind/internal/search"
	"github.com/meshfind/meshfind/internal/trust"
	"github.com/meshfind/meshfind/internal/wire"
)

const (
	maintenanceInterval = time.Minute
	hourlyInterval      = time.Hour
)

// Node is one running meshfind peer.
type Node struct {
	cfg   *config.Config
	id    *identity.Identity
	log   *zap.Logger
	met   *metrics.Metrics
	clock clock.Clock

	peers     *dht.PeerStore
	dht       *dht.Node
	idx       *index.Index
	trust     *trust.Kernel
	takedowns *trust.TakedownStore
	auditor   *trust.Auditor
	ledger    *ledger.Ledger
	gov       *governor.Governor
	guard     *guard.Guard
	crawler   *crawler.Crawler
	search    *search.Orchestrator
	attest    *attestCache
	fetcher   *crawler.Fetcher

	mu         sync.Mutex
	crawlDepth map[string]int // canonical url -> remaining link-follow depth
}

// Options tune the assembly beyond the config file; zero values mean
// production defaults.
type Options struct {
	Clock             clock.Clock
	Metrics           *metrics.Metrics
	AllowPrivateHosts bool // dev/test meshes on loopback only
}

// New assembles a node from its data directory. Every store lives under
// cfg.DataDir; nothing is written elsewhere.
func New(cfg *config.Config, log *zap.Logger, opts Options) (*Node, error) {
	if log == nil {
		log = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	met := opts.Metrics

	id, err := identity.LoadOrGenerate(cfg.DataDir, cfg.PowDifficulty)
	if err != nil {
		return nil, err
	}

	kernel, err := trust.Open(cfg.DataDir, clk, log)
	if err != nil {
		return nil, err
	}
	peers, err := dht.OpenPeerStore(filepath.Join(cfg.DataDir, "peers.db"))
	if err != nil {
		kernel.Close()
		return nil, err
	}
	dnode, err := dht.NewNode(id, cfg.BindAddr, peers, clk, cfg.PowDifficulty, kernel.Isolated, log)
	if err != nil {
		peers.Close()
		kernel.Close()
		return nil, err
	}

	idx, err := index.Open(cfg.DataDir, cfg.Tokenizer, log)
	if err != nil {
		dnode.Close()
		peers.Close()
		kernel.Close()
		return nil, err
	}
	takedowns, err := trust.OpenTakedowns(cfg.DataDir, clk, log)
	if err != nil {
		idx.Close()
		dnode.Close()
		peers.Close()
		kernel.Close()
		return nil, err
	}
	led, err := ledger.Open(cfg.DataDir, id, clk, log)
	if err != nil {
		takedowns.Close()
		idx.Close()
		dnode.Close()
		peers.Close()
		kernel.Close()
		return nil, err
	}
	led.SetOffPeakWindow(cfg.OffPeak.StartHour, cfg.OffPeak.EndHour, nil)

	caps := governor.CapsFor(governor.Profile(cfg.Profile))
	gov := governor.New(governor.Profile(cfg.Profile),
		governor.NewSystemSampler(cfg.DataDir), clk, log, met)

	limits := guard.Limits{
		QueriesPerMinute:   cfg.Limits.QueriesPerMinute,
		MaxConcurrent:      cfg.Limits.MaxConcurrent,
		UploadBitsPerSec:   cfg.Limits.UploadBitsPerSec,
		DownloadBitsPerSec: cfg.Limits.DownloadBitsPerSec,
	}
	if limits.UploadBitsPerSec <= 0 {
		limits.UploadBitsPerSec = caps.UploadBitsPerSec
	}
	if limits.DownloadBitsPerSec <= 0 {
		limits.DownloadBitsPerSec = caps.DownloadBitsPerSec
	}

	n := &Node{
		cfg:        cfg,
		id:         id,
		log:        log,
		met:        met,
		clock:      clk,
		peers:      peers,
		dht:        dnode,
		idx:        idx,
		trust:      kernel,
		takedowns:  takedowns,
		ledger:     led,
		gov:        gov,
		guard:      guard.New(limits, clk),
		attest:     newAttestCache(clk.Now),
		crawlDepth: make(map[string]int),
	}
	n.fetcher = crawler.NewFetcher()
	if opts.AllowPrivateHosts {
		n.fetcher = crawler.NewUnguardedFetcher()
	}
	n.fetcher.SetLimiter(n.guard)
	dnode.SetUploadLimiter(n.guard)

	workers := cfg.CrawlWorkers
	if workers <= 0 {
		workers = caps.ConcurrentCrawls
	}
	n.crawler = crawler.New(crawlMesh{n}, idx, log, crawler.Options{
		Workers:           workers,
		Clock:             clk,
		Metrics:           met,
		Policy:            gov,
		Download:          n.guard,
		OnIndexed:         n.creditCrawl,
		AllowPrivateHosts: opts.AllowPrivateHosts,
	})

	n.search = search.New(idx, searchMesh{n}, kernel, n.attest, takedowns, led,
		fanoutPolicy{gov: gov, caps: caps}, clk, log, met)

	n.auditor = trust.NewAuditor(kernel, auditMesh{n}, hashObserver{n.fetcher},
		targetSource{n}, id.Fingerprint, log)

	dnode.SetKeywordHandler(n.answerKeywordLookup)
	return n, nil
}

// answerKeywordLookup serves remote keyword lookups from the local
// record store.
func (n *Node) answerKeywordLookup(keys []dht.ID, limit int) [][]byte {
	var out [][]byte
	for _, k := range keys {
		for _, sr := range n.dht.Store().Get(k) {
			if _, ok := sr.Record.(*wire.KeywordPointer); !ok {
				continue
			}
			if raw, err := sr.Envelope.Encode(); err == nil {
				out = append(out, raw)
			}
			if limit > 0 && len(out) >= limit {
				return out
			}
		}
	}
	return out
}

// Bootstrap joins the overlay using the configured seed endpoints plus
// whatever the peer store remembers.
func (n *Node) Bootstrap(ctx context.Context) error {
	seeds := make([]dht.Contact, 0, len(n.cfg.Bootstrap))
	for _, addr := range n.cfg.Bootstrap {
		seeds = append(seeds, dht.Contact{Address: addr})
	}
	return n.dht.Bootstrap(ctx, seeds)
}

// Run drives the node until ctx is cancelled: overlay maintenance,
// governor sampling, crawl workers, audits and the bookkeeping loops.
func (n *Node) Run(ctx context.Context) error {
	for _, seed := range n.cfg.Seeds {
		if _, err := n.crawler.Enqueue(seed); err != nil {
			n.log.Warn("seed rejected", zap.String("url", seed), zap.Error(err))
		}
	}

	var wg sync.WaitGroup
	start := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	start(n.dht.Run)
	start(n.gov.Run)
	start(n.crawler.Run)
	start(n.auditor.Run)
	start(n.maintenanceLoop)
	start(n.hourlyLoop)

	<-ctx.Done()
	wg.Wait()
	return n.Close()
}

// Close releases every store. Safe after Run returns.
func (n *Node) Close() error {
	n.dht.Close()
	n.idx.Close()
	n.takedowns.Close()
	n.ledger.Close()
	n.trust.Close()
	return n.peers.Close()
}

// maintenanceLoop runs the minute-grained bookkeeping.
func (n *Node) maintenanceLoop(ctx context.Context) {
	ticker := n.clock.Ticker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.maintenanceTick()
		}
	}
}

func (n *Node) maintenanceTick() {
	n.dht.SetAccepting(n.gov.AcceptConnections())
	n.guard.Sweep()
	n.attest.sweep()
	n.ingestMeshRecords()
	n.followCrawledLinks()
	if err := n.takedowns.ApplyPending(n.idx); err != nil {
		n.log.Warn("takedown application failed", zap.Error(err))
	}
	if n.met != nil {
		n.met.PeersKnown.Set(float64(n.dht.RoutingTable().Size()))
		n.met.IndexDocs.Set(float64(n.idx.Count()))
		n.met.CreditBalance.Set(n.ledger.Balance())
	}
}

// hourlyLoop accrues participation credits, refreshes authority scores
// and republishes the ledger root.
func (n *Node) hourlyLoop(ctx context.Context) {
	ticker := n.clock.Ticker(hourlyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.hourlyTick(ctx)
		}
	}
}

func (n *Node) hourlyTick(ctx context.Context) {
	if _, err := n.ledger.Credit(ledger.ActionUptime, 1); err != nil {
		n.log.Warn("uptime credit failed", zap.Error(err))
	}
	if n.idx.Count() > 0 {
		if _, err := n.ledger.Credit(ledger.ActionHosting, 1); err != nil {
			n.log.Warn("hosting credit failed", zap.Error(err))
		}
	}
	n.trust.ObserveUptime(n.id.Fingerprint, true)
	for _, c := range n.dht.RoutingTable().FindClosest(n.dht.Me().ID, dht.BucketSize) {
		n.trust.ObserveUptime(c.Fingerprint, true)
	}
	n.recomputeAuthority()
	n.publishLedgerRoot(ctx)
}

// ingestMeshRecords scans the local record store for attestations and
// removal obligations replicated to this node.
func (n *Node) ingestMeshRecords() {
	for _, key := range n.dht.Store().Keys() {
		for _, sr := range n.dht.Store().Get(key) {
			switch rec := sr.Record.(type) {
			case *wire.ContentAttestation:
				n.attest.add(rec, sr.Peer())
			case *wire.Takedown:
				if err := n.takedowns.AcceptTakedown(rec); err != nil {
					n.log.Warn("takedown accept failed", zap.Error(err))
				}
			case *wire.Deletion:
				if err := n.takedowns.AcceptDeletion(rec); err != nil {
					n.log.Warn("deletion accept failed", zap.Error(err))
				}
			}
		}
	}
}

// creditCrawl records one indexed page in the credit ledger and as a
// contribution toward our own trust score.
func (n *Node) creditCrawl(canonicalURL string) {
	if _, err := n.ledger.Credit(ledger.ActionCrawl, 1); err != nil {
		n.log.Warn("crawl credit failed", zap.String("url", canonicalURL), zap.Error(err))
	}
	n.trust.ObserveContribution(n.id.Fingerprint, 1)
}

// followCrawledLinks expands agent-requested crawls to their requested
// depth once the parent page has been indexed.
func (n *Node) followCrawledLinks() {
	if !n.gov.AllowNewCrawls() {
		return
	}
	n.mu.Lock()
	pending := make(map[string]int, len(n.crawlDepth))
	for u, d := range n.crawlDepth {
		pending[u] = d
	}
	n.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	edges, err := n.idx.Links()
	if err != nil {
		return
	}
	for parent, depth := range pending {
		if st, ok := n.crawler.StateOf(parent); !ok || st != crawler.StateIndexed {
			continue
		}
		for _, e := range edges {
			if e.Src != parent {
				continue
			}
			canon, err := n.crawler.Enqueue(e.Dst)
			if err != nil {
				continue
			}
			if depth > 1 {
				n.mu.Lock()
				if _, exists := n.crawlDepth[canon]; !exists {
					n.crawlDepth[canon] = depth - 1
				}
				n.mu.Unlock()
			}
		}
		n.mu.Lock()
		delete(n.crawlDepth, parent)
		n.mu.Unlock()
	}
}

// recomputeAuthority reruns PageRank over the stored link graph and
// writes the scores back to the index.
func (n *Node) recomputeAuthority() {
	edges, err := n.idx.Links()
	if err != nil || len(edges) == 0 {
		return
	}
	redges := make([]rank.Edge, len(edges))
	for i, e := range edges {
		redges[i] = rank.Edge{Src: e.Src, Dst: e.Dst}
	}
	scores := rank.PageRank(redges)
	for url, score := range scores {
		if _, ok := n.idx.GetByURL(url); ok {
			if err := n.idx.SetAuthority(url, score); err != nil {
				n.log.Warn("authority write failed", zap.String("url", url), zap.Error(err))
			}
		}
	}
}

func (n *Node) publishLedgerRoot(ctx context.Context) {
	root, err := n.ledger.RootRecord()
	if err != nil {
		n.log.Warn("ledger root failed", zap.Error(err))
		return
	}
	key := dht.KeyForBytes(append([]byte("ledger::"), n.id.Fingerprint[:]...))
	if err := n.dht.PublishRecord(ctx, key, root); err != nil {
		n.log.Debug("ledger root publish failed", zap.Error(err))
	}
}

// Identity returns the node's identity.
func (n *Node) Identity() *identity.Identity { return n.id }

// Orchestrator exposes the query path (CLI and MCP front ends).
func (n *Node) Orchestrator() *search.Orchestrator { return n.search }

// Crawler exposes the crawl pipeline.
func (n *Node) Crawler() *crawler.Crawler { return n.crawler }

// Governor exposes the resource governor.
func (n *Node) Governor() *governor.Governor { return n.gov }
