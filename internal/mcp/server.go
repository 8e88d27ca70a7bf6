/*
Package mcp implements the MCP server that exposes the node to agents.

The server uses stdio transport and exposes 5 tools:
  - search: distributed ranked search
  - search_local: same contract, local index only
  - fetch_page: cached or live page text
  - crawl_url: enqueue a crawl, throttled per caller and per domain
  - status: node health, credits and degradation level
*/
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/meshfind/meshfind/internal/rank"
	"github.com/meshfind/meshfind/internal/search"
)

const (
	maxSearchLimit   = 50
	maxPageBytes     = 100 << 10
	maxCrawlDepth    = 3
	crawlsPerHour    = 60
	pendingPerDomain = 10
)

// Status is the node snapshot the status tool reports.
type Status struct {
	IndexDocs     int64   `json:"index_docs"`
	Peers         int     `json:"peers"`
	CreditBalance float64 `json:"credit_balance"`
	Tier          string  `json:"tier"`
	AccountState  string  `json:"account_state"`
	DegradeLevel  int     `json:"degrade_level"`
}

// Page is the fetch_page result.
type Page struct {
	Text      string    `json:"text"`
	IsCached  bool      `json:"is_cached"`
	CrawlTime time.Time `json:"crawl_time"`
	SourceURL string    `json:"source_url"`
}

// Backend is the node surface the tools call into.
type Backend interface {
	Search(ctx context.Context, query string, limit int, localOnly bool) (*search.Result, error)
	FetchPage(ctx context.Context, rawURL string) (*Page, error)
	EnqueueCrawl(rawURL string, depth int, force bool) (string, error)
	Status() Status
}

// Server represents the meshfind MCP server.
type Server struct {
	backend Backend
	clock   clock.Clock
	log     *zap.Logger
	out     io.Writer

	mu            sync.Mutex
	crawlWindow   time.Time
	crawlCount    int
	domainPending map[string]int
}

// NewServer creates a new MCP server over the node backend.
func NewServer(backend Backend, clk clock.Clock, log *zap.Logger) *Server {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		backend:       backend,
		clock:         clk,
		log:           log,
		out:           os.Stdout,
		domainPending: make(map[string]int),
	}
}

// Run starts the MCP server using stdio transport.
// This blocks until stdin is closed.
func (s *Server) Run() error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	for scanner.Scan() {
		response, err := s.handleRequest(scanner.Bytes())
		if err != nil {
			s.sendError(err)
			continue
		}
		if response != nil {
			s.sendResponse(response)
		}
	}
	return scanner.Err()
}

// MCPRequest represents an incoming MCP JSON-RPC request.
type MCPRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// MCPResponse represents an outgoing MCP JSON-RPC response.
type MCPResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *MCPError   `json:"error,omitempty"`
}

// MCPError represents an MCP error.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// handleRequest processes an incoming MCP request.
func (s *Server) handleRequest(data []byte) (*MCPResponse, error) {
	var req MCPRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON-RPC request: %w", err)
	}

	switch req.Method {
	case "initialize":
		return s.handleInitialize(&req)
	case "tools/list":
		return s.handleToolsList(&req)
	case "tools/call":
		return s.handleToolsCall(&req)
	default:
		return &MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &MCPError{Code: -32601, Message: "Method not found"},
		}, nil
	}
}

// handleInitialize handles the MCP initialize request.
func (s *Server) handleInitialize(req *MCPRequest) (*MCPResponse, error) {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
			"serverInfo": map[string]interface{}{
				"name":    "meshfind",
				"version": "0.1.0",
			},
		},
	}, nil
}

// handleToolsList returns the tool definitions.
func (s *Server) handleToolsList(req *MCPRequest) (*MCPResponse, error) {
	searchSchema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search query text",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": fmt.Sprintf("Maximum results, up to %d", maxSearchLimit),
			},
		},
		"required": []string{"query"},
	}

	tools := []map[string]interface{}{
		{
			"name": "search",
			"description": `Search the peer-to-peer web index.

Returns ranked results merged from the local index and trusted remote
peers. Results carry url, title, snippet and a blended score.`,
			"inputSchema": searchSchema,
		},
		{
			"name": "search_local",
			"description": `Search only this node's local index.

Same contract as search, but no network traffic is generated.`,
			"inputSchema": searchSchema,
		},
		{
			"name": "fetch_page",
			"description": `Fetch the extracted text of a page.

Serves from the local index when the page is already crawled, otherwise
fetches live. Text is capped at 100 KiB.`,
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"url": map[string]interface{}{
						"type":        "string",
						"description": "Page URL (http or https)",
					},
				},
				"required": []string{"url"},
			},
		},
		{
			"name": "crawl_url",
			"description": `Queue a URL for crawling and indexing.

Throttled to 60 requests per hour with at most 10 pending per domain.`,
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"url": map[string]interface{}{
						"type":        "string",
						"description": "URL to crawl",
					},
					"depth": map[string]interface{}{
						"type":        "integer",
						"description": "Link-follow depth, 0 to 3",
					},
					"force": map[string]interface{}{
						"type":        "boolean",
						"description": "Recrawl even if already indexed",
					},
				},
				"required": []string{"url"},
			},
		},
		{
			"name": "status",
			"description": `Report node status.

Returns index size, peer count, credit balance, trust tier, account
state (NORMAL/GRACE/DEBT) and the current degradation level.`,
			"inputSchema": map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
	}

	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"tools": tools,
		},
	}, nil
}

// handleToolsCall handles tool execution requests.
func (s *Server) handleToolsCall(req *MCPRequest) (*MCPResponse, error) {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	ctx := context.Background()
	var result string
	var err error

	switch params.Name {
	case "search":
		result, err = s.execSearch(ctx, params.Arguments, false)
	case "search_local":
		result, err = s.execSearch(ctx, params.Arguments, true)
	case "fetch_page":
		rawURL, _ := params.Arguments["url"].(string)
		result, err = s.execFetchPage(ctx, rawURL)
	case "crawl_url":
		result, err = s.execCrawlURL(params.Arguments)
	case "status":
		result, err = s.execStatus()
	default:
		return &MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &MCPError{Code: -32602, Message: fmt.Sprintf("Unknown tool: %s", params.Name)},
		}, nil
	}

	if err != nil {
		return &MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &MCPError{Code: -32000, Message: err.Error()},
		}, nil
	}

	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"content": []map[string]interface{}{
				{
					"type": "text",
					"text": result,
				},
			},
		},
	}, nil
}

type searchHit struct {
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

func (s *Server) execSearch(ctx context.Context, args map[string]interface{}, localOnly bool) (string, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return "", fmt.Errorf("query is required")
	}
	limit := 10
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	res, err := s.backend.Search(ctx, query, limit, localOnly)
	if err != nil {
		return "", err
	}
	hits := make([]searchHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, hitFromRanked(h))
	}
	out, err := json.MarshalIndent(map[string]interface{}{
		"results": hits,
		"partial": res.Partial,
		"cached":  res.Cached,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func hitFromRanked(h rank.Ranked) searchHit {
	return searchHit{URL: h.URL, Title: h.Title, Snippet: h.Snippet, Score: h.Score}
}

func (s *Server) execFetchPage(ctx context.Context, rawURL string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("url is required")
	}
	page, err := s.backend.FetchPage(ctx, rawURL)
	if err != nil {
		return "", err
	}
	if len(page.Text) > maxPageBytes {
		page.Text = page.Text[:maxPageBytes]
	}
	out, err := json.MarshalIndent(page, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (s *Server) execCrawlURL(args map[string]interface{}) (string, error) {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return "", fmt.Errorf("url is required")
	}
	depth := 0
	if d, ok := args["depth"].(float64); ok {
		depth = int(d)
	}
	if depth < 0 || depth > maxCrawlDepth {
		return "", fmt.Errorf("depth must be between 0 and %d", maxCrawlDepth)
	}
	force, _ := args["force"].(bool)

	if err := s.admitCrawl(rawURL); err != nil {
		return "", err
	}
	canon, err := s.backend.EnqueueCrawl(rawURL, depth, force)
	if err != nil {
		s.releaseCrawl(rawURL)
		return "", err
	}
	return fmt.Sprintf("queued %s (depth %d)", canon, depth), nil
}

// admitCrawl enforces the hourly caller quota and the per-domain
// pending cap.
func (s *Server) admitCrawl(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid url")
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.crawlWindow) >= time.Hour {
		s.crawlWindow = now
		s.crawlCount = 0
		s.domainPending = make(map[string]int)
	}
	if s.crawlCount >= crawlsPerHour {
		return fmt.Errorf("crawl quota exhausted, retry later")
	}
	if s.domainPending[u.Host] >= pendingPerDomain {
		return fmt.Errorf("too many pending crawls for %s", u.Host)
	}
	s.crawlCount++
	s.domainPending[u.Host]++
	return nil
}

func (s *Server) releaseCrawl(rawURL string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.domainPending[u.Host] > 0 {
		s.domainPending[u.Host]--
	}
	if s.crawlCount > 0 {
		s.crawlCount--
	}
}

func (s *Server) execStatus() (string, error) {
	out, err := json.MarshalIndent(s.backend.Status(), "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// sendResponse writes a JSON-RPC response to stdout.
func (s *Server) sendResponse(resp *MCPResponse) {
	data, _ := json.Marshal(resp)
	fmt.Fprintln(s.out, string(data))
}

// sendError writes an error response to stdout.
func (s *Server) sendError(err error) {
	s.sendResponse(&MCPResponse{
		JSONRPC: "2.0",
		ID:      nil,
		Error:   &MCPError{Code: -32700, Message: err.Error()},
	})
}
