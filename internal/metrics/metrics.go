// Package metrics registers the node's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the node updates. A single instance is
// created at startup and threaded through the components that need it.
type Metrics struct {
	Registry *prometheus.Registry

	CrawlsStarted   prometheus.Counter
	CrawlsIndexed   prometheus.Counter
	CrawlsRejected  prometheus.Counter
	CrawlsFailed    prometheus.Counter
	CrawlsDeduped   prometheus.Counter
	SearchesTotal   prometheus.Counter
	SearchCacheHits prometheus.Counter
	FanoutRPCs      prometheus.Counter
	DHTStoresOK     prometheus.Counter
	DHTStoresDenied prometheus.Counter
	AuditsRun       prometheus.Counter
	PeersKnown      prometheus.Gauge
	IndexDocs       prometheus.Gauge
	CreditBalance   prometheus.Gauge
	DegradeLevel    prometheus.Gauge
	SearchLatency   prometheus.Histogram
}

// New builds and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		CrawlsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshfind_crawls_started_total", Help: "URLs entering the crawl state machine."}),
		CrawlsIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshfind_crawls_indexed_total", Help: "Crawls that produced an indexed document."}),
		CrawlsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshfind_crawls_rejected_total", Help: "Crawls rejected by policy (robots, SSRF, empty extract)."}),
		CrawlsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshfind_crawls_failed_total", Help: "Crawls that failed after retries."}),
		CrawlsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshfind_crawls_deduped_total", Help: "Crawls short-circuited by the dedup pipeline."}),
		SearchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshfind_searches_total", Help: "Search requests accepted by the orchestrator."}),
		SearchCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshfind_search_cache_hits_total", Help: "Query cache hits."}),
		FanoutRPCs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshfind_fanout_rpcs_total", Help: "Keyword lookup RPCs sent to remote responders."}),
		DHTStoresOK: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshfind_dht_stores_accepted_total", Help: "STORE operations accepted by the validator."}),
		DHTStoresDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshfind_dht_stores_denied_total", Help: "STORE operations rejected by the validator."}),
		AuditsRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshfind_audits_run_total", Help: "Audit re-crawls performed by this node."}),
		PeersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshfind_peers_known", Help: "Contacts currently in the routing table."}),
		IndexDocs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshfind_index_documents", Help: "Documents in the local index."}),
		CreditBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshfind_credit_balance", Help: "Current credit ledger balance."}),
		DegradeLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshfind_degrade_level", Help: "Resource governor degradation level (0-4)."}),
		SearchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshfind_search_latency_seconds",
			Help:    "End-to-end search latency.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12)}),
	}

	reg.MustRegister(
		m.CrawlsStarted, m.CrawlsIndexed, m.CrawlsRejected, m.CrawlsFailed,
		m.CrawlsDeduped, m.SearchesTotal, m.SearchCacheHits, m.FanoutRPCs,
		m.DHTStoresOK, m.DHTStoresDenied, m.AuditsRun, m.PeersKnown,
		m.IndexDocs, m.CreditBalance, m.DegradeLevel, m.SearchLatency,
	)
	return m
}
