package node

import (
	"context"
	"fmt"

	"github.com/meshfind/meshfind/internal/crawler"
	"github.com/meshfind/meshfind/internal/dedup"
	"github.com/meshfind/meshfind/internal/mcp"
	"github.com/meshfind/meshfind/internal/mesherr"
	"github.com/meshfind/meshfind/internal/search"
)

// Backend adapts the node to the MCP tool surface.
type Backend struct{ n *Node }

// MCPBackend returns the tool backend for this node.
func (n *Node) MCPBackend() *Backend { return &Backend{n} }

// Search runs a query through admission control and the orchestrator.
func (b *Backend) Search(ctx context.Context, query string, limit int, localOnly bool) (*search.Result, error) {
	release, err := b.n.guard.Admit("mcp")
	if err != nil {
		return nil, err
	}
	defer release()
	return b.n.search.Search(ctx, query, limit, localOnly)
}

// FetchPage serves extracted page text, preferring the local index over
// a live fetch.
func (b *Backend) FetchPage(ctx context.Context, rawURL string) (*mcp.Page, error) {
	canon, err := dedup.CanonicalURL(rawURL)
	if err != nil {
		return nil, err
	}
	if doc, ok := b.n.idx.GetByURL(canon); ok {
		return &mcp.Page{
			Text:      doc.Text,
			IsCached:  true,
			CrawlTime: doc.CrawlTime,
			SourceURL: doc.CanonicalURL,
		}, nil
	}

	res, err := b.n.fetcher.Fetch(ctx, canon)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != 200 {
		return nil, fmt.Errorf("fetch status %d", res.StatusCode)
	}
	ext, err := crawler.Extract(res.Body, res.FinalURL)
	if err != nil {
		return nil, err
	}
	return &mcp.Page{
		Text:      ext.Text,
		IsCached:  false,
		CrawlTime: b.n.clock.Now(),
		SourceURL: res.FinalURL,
	}, nil
}

// EnqueueCrawl queues a URL. Without force, URLs already in the index
// are left to the recrawl scheduler.
func (b *Backend) EnqueueCrawl(rawURL string, depth int, force bool) (string, error) {
	if !b.n.gov.AllowNewCrawls() {
		return "", mesherr.New(mesherr.KindResourceExhausted, "node under resource pressure")
	}
	canon, err := dedup.CanonicalURL(rawURL)
	if err != nil {
		return "", err
	}
	if !force {
		if _, ok := b.n.idx.GetByURL(canon); ok {
			return canon, nil
		}
	}
	canon, err = b.n.crawler.Enqueue(canon)
	if err != nil {
		return "", err
	}
	if depth > 0 {
		b.n.mu.Lock()
		b.n.crawlDepth[canon] = depth
		b.n.mu.Unlock()
	}
	return canon, nil
}

// Status reports the node snapshot the status tool exposes.
func (b *Backend) Status() mcp.Status {
	return mcp.Status{
		IndexDocs:     b.n.idx.Count(),
		Peers:         b.n.dht.RoutingTable().Size(),
		CreditBalance: b.n.ledger.Balance(),
		Tier:          b.n.trust.TierOf(b.n.id.Fingerprint).String(),
		AccountState:  b.n.ledger.AccountState().String(),
		DegradeLevel:  int(b.n.gov.Level()),
	}
}
