package crawler

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/temoto/robotstxt"
)

const (
	robotsCacheTTL = 24 * time.Hour
	maxCrawlDelay  = 60 * time.Second
)

type robotsEntry struct {
	group     *robotstxt.Group
	denyAll   bool
	fetchedAt time.Time
}

// RobotsCache caches per-origin robots.txt decisions. Absent or
// unparseable robots files deny the whole origin until the cache entry
// expires.
type RobotsCache struct {
	fetcher *Fetcher
	clock   clock.Clock

	mu      sync.Mutex
	entries map[string]*robotsEntry
}

func NewRobotsCache(fetcher *Fetcher, clk clock.Clock) *RobotsCache {
	if clk == nil {
		clk = clock.New()
	}
	return &RobotsCache{fetcher: fetcher, clock: clk, entries: make(map[string]*robotsEntry)}
}

func originOf(u *url.URL) string { return u.Scheme + "://" + u.Host }

// Allowed reports whether the URL may be crawled and the crawl delay the
// origin requests (zero when unspecified, capped at 60 s).
func (r *RobotsCache) Allowed(ctx context.Context, rawURL string) (bool, time.Duration, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, 0, fmt.Errorf("parse url: %w", err)
	}
	entry := r.entryFor(ctx, u)
	if entry.denyAll {
		return false, 0, nil
	}
	delay := entry.group.CrawlDelay
	if delay > maxCrawlDelay {
		delay = maxCrawlDelay
	}
	return entry.group.Test(u.Path), delay, nil
}

func (r *RobotsCache) entryFor(ctx context.Context, u *url.URL) *robotsEntry {
	origin := originOf(u)
	now := r.clock.Now()

	r.mu.Lock()
	if e, ok := r.entries[origin]; ok && now.Sub(e.fetchedAt) < robotsCacheTTL {
		r.mu.Unlock()
		return e
	}
	r.mu.Unlock()

	e := r.fetch(ctx, origin)
	e.fetchedAt = now
	r.mu.Lock()
	r.entries[origin] = e
	r.mu.Unlock()
	return e
}

func (r *RobotsCache) fetch(ctx context.Context, origin string) *robotsEntry {
	res, err := r.fetcher.Fetch(ctx, origin+"/robots.txt")
	if err != nil {
		return &robotsEntry{denyAll: true}
	}
	if res.StatusCode != 200 {
		return &robotsEntry{denyAll: true}
	}
	robots, err := robotstxt.FromBytes(res.Body)
	if err != nil {
		return &robotsEntry{denyAll: true}
	}
	group := robots.FindGroup(userAgent)
	if group == nil {
		return &robotsEntry{denyAll: true}
	}
	return &robotsEntry{group: group}
}

// Invalidate drops the cached entry for the URL's origin so the next
// check refetches robots.txt.
func (r *RobotsCache) Invalidate(rawURL string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	r.mu.Lock()
	delete(r.entries, originOf(u))
	r.mu.Unlock()
}
