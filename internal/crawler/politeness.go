package crawler

import (
	"context"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// defaultPerOriginRate is one request per second unless robots.txt asks
// for a longer crawl delay.
const defaultPerOriginRate = time.Second

// Politeness holds one token bucket per origin.
type Politeness struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewPoliteness() *Politeness {
	return &Politeness{buckets: make(map[string]*rate.Limiter)}
}

// Wait blocks until the origin's bucket grants a request or the context
// expires. crawlDelay overrides the default spacing when longer.
func (p *Politeness) Wait(ctx context.Context, rawURL string, crawlDelay time.Duration) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	interval := defaultPerOriginRate
	if crawlDelay > interval {
		interval = crawlDelay
	}

	p.mu.Lock()
	lim, ok := p.buckets[originOf(u)]
	if !ok {
		lim = rate.NewLimiter(rate.Every(interval), 1)
		p.buckets[originOf(u)] = lim
	} else {
		lim.SetLimit(rate.Every(interval))
	}
	p.mu.Unlock()

	return lim.Wait(ctx)
}
