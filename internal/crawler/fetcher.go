// Package crawler fetches, extracts, deduplicates and indexes pages,
// coordinating URL ownership through DHT crawl locks.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/meshfind/meshfind/internal/mesherr"
)

// MaxBodyBytes caps a fetched response body. The stream is cut off
// cleanly at the cap rather than erroring.
const MaxBodyBytes = 5 << 20

const (
	fetchTimeout = 30 * time.Second
	userAgent    = "meshfind/1.0 (+https://github.com/meshfind/meshfind)"
	maxRedirects = 5
)

// ErrSSRFBlocked marks fetches rejected by the address guard. These are
// never retried.
var ErrSSRFBlocked = mesherr.New(mesherr.KindInputRejected, "target address blocked")

// blockedIP rejects loopback, RFC1918, link-local, IPv6 ULA, multicast
// and unspecified addresses. Applied at dial time so DNS answers are
// covered, not just URL literals.
func blockedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsMulticast() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate() {
		return true
	}
	// IPv6 unique-local fc00::/7 is not covered by IsPrivate on all
	// forms; check the prefix explicitly.
	if v6 := ip.To16(); v6 != nil && ip.To4() == nil && (v6[0]&0xfe) == 0xfc {
		return true
	}
	return false
}

func checkURLScheme(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q: %w", u.Scheme, ErrSSRFBlocked)
	}
	return nil
}

// DownloadLimiter charges fetched bytes against the node's bandwidth
// budget, blocking until the tokens are available.
type DownloadLimiter interface {
	AcquireDownload(ctx context.Context, n int) error
}

// Fetcher performs guarded HTTP GETs with the body cap. allowPrivate
// disarms the address guard for development and tests only.
type Fetcher struct {
	client       *http.Client
	allowPrivate bool
	limiter      DownloadLimiter
}

// SetLimiter installs the bandwidth accounting hook; nil disables it.
func (f *Fetcher) SetLimiter(l DownloadLimiter) { f.limiter = l }

// dialContext resolves the host and dials only addresses that pass the
// guard. Every redirect hop goes through here again.
func (f *Fetcher) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	d := &net.Dialer{Timeout: 10 * time.Second}
	for _, ip := range ips {
		if !f.allowPrivate && blockedIP(ip) {
			continue
		}
		conn, err := d.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("dial %s: %w", host, ErrSSRFBlocked)
}

// FetchResult is the raw outcome of one GET.
type FetchResult struct {
	FinalURL    string
	StatusCode  int
	Body        []byte
	ContentType string
	Truncated   bool
}

func NewFetcher() *Fetcher { return newFetcher(false) }

// NewUnguardedFetcher skips the private-address guard. Development and
// test use only.
func NewUnguardedFetcher() *Fetcher { return newFetcher(true) }

func newFetcher(allowPrivate bool) *Fetcher {
	f := &Fetcher{allowPrivate: allowPrivate}
	transport := &http.Transport{
		DialContext:           f.dialContext,
		MaxIdleConns:          32,
		IdleConnTimeout:       60 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
	}
	f.client = &http.Client{
		Transport: transport,
		Timeout:   fetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return checkURLScheme(req.URL)
		},
	}
	return f
}

// Fetch GETs rawURL. Transient failures come back as KindTransientIO so
// the caller's retry policy can distinguish them from hard rejections.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, mesherr.Wrap(mesherr.KindInputRejected, "parse url", err)
	}
	if err := checkURLScheme(u); err != nil {
		return nil, err
	}
	if ip := net.ParseIP(u.Hostname()); ip != nil && !f.allowPrivate && blockedIP(ip) {
		return nil, fmt.Errorf("literal address %s: %w", u.Hostname(), ErrSSRFBlocked)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, mesherr.Wrap(mesherr.KindInputRejected, "build request", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, ErrSSRFBlocked) {
			return nil, ErrSSRFBlocked
		}
		return nil, mesherr.Wrap(mesherr.KindTransientIO, "http get", err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, MaxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, mesherr.Wrap(mesherr.KindTransientIO, "read body", err)
	}
	truncated := false
	if len(body) > MaxBodyBytes {
		body = body[:MaxBodyBytes]
		truncated = true
	}
	if f.limiter != nil {
		if err := f.limiter.AcquireDownload(ctx, len(body)); err != nil {
			return nil, mesherr.Wrap(mesherr.KindTransientIO, "bandwidth budget", err)
		}
	}
	return &FetchResult{
		FinalURL:    resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Truncated:   truncated,
	}, nil
}
