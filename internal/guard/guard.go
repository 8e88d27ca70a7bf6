/*
Package guard admits or rejects work at the node's boundaries: per-caller
query quotas, a global concurrency semaphore, and upload/download
bandwidth buckets. Quota violations reject politely as BUSY; bandwidth
acquisition blocks cooperatively instead.
*/
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/meshfind/meshfind/internal/mesherr"
)

// ErrBusy is the polite rejection surfaced when a quota is exhausted.
var ErrBusy = mesherr.New(mesherr.KindResourceExhausted, "busy")

// Limits configure one guard instance.
type Limits struct {
	QueriesPerMinute   int
	MaxConcurrent      int64
	UploadBitsPerSec   int64
	DownloadBitsPerSec int64
}

// DefaultLimits mirror the authoritative admission defaults.
func DefaultLimits() Limits {
	return Limits{
		QueriesPerMinute:   60,
		MaxConcurrent:      16,
		UploadBitsPerSec:   5 << 20,
		DownloadBitsPerSec: 10 << 20,
	}
}

type window struct {
	start time.Time
	count int
}

// Guard is the admission controller.
type Guard struct {
	limits Limits
	clock  clock.Clock

	sem      *semaphore.Weighted
	upload   *rate.Limiter
	download *rate.Limiter

	mu      sync.Mutex
	callers map[string]*window
}

func New(limits Limits, clk clock.Clock) *Guard {
	if clk == nil {
		clk = clock.New()
	}
	if limits.QueriesPerMinute <= 0 {
		limits.QueriesPerMinute = DefaultLimits().QueriesPerMinute
	}
	if limits.MaxConcurrent <= 0 {
		limits.MaxConcurrent = DefaultLimits().MaxConcurrent
	}
	if limits.UploadBitsPerSec <= 0 {
		limits.UploadBitsPerSec = DefaultLimits().UploadBitsPerSec
	}
	if limits.DownloadBitsPerSec <= 0 {
		limits.DownloadBitsPerSec = DefaultLimits().DownloadBitsPerSec
	}
	return &Guard{
		limits:   limits,
		clock:    clk,
		sem:      semaphore.NewWeighted(limits.MaxConcurrent),
		upload:   rate.NewLimiter(rate.Limit(limits.UploadBitsPerSec/8), int(limits.UploadBitsPerSec/8)),
		download: rate.NewLimiter(rate.Limit(limits.DownloadBitsPerSec/8), int(limits.DownloadBitsPerSec/8)),
		callers:  make(map[string]*window),
	}
}

// Admit charges one query against the caller's per-minute quota and
// takes a concurrency slot. The returned release func must be called
// when the work finishes. Rejections are ErrBusy.
func (g *Guard) Admit(caller string) (func(), error) {
	now := g.clock.Now()
	g.mu.Lock()
	w, ok := g.callers[caller]
	if !ok || now.Sub(w.start) >= time.Minute {
		w = &window{start: now}
		g.callers[caller] = w
	}
	if w.count >= g.limits.QueriesPerMinute {
		g.mu.Unlock()
		return nil, ErrBusy
	}
	w.count++
	g.mu.Unlock()

	if !g.sem.TryAcquire(1) {
		return nil, ErrBusy
	}
	return func() { g.sem.Release(1) }, nil
}

// AcquireUpload blocks until the upload bucket grants n bytes.
func (g *Guard) AcquireUpload(ctx context.Context, n int) error {
	return g.waitBytes(ctx, g.upload, n)
}

// AcquireDownload blocks until the download bucket grants n bytes.
func (g *Guard) AcquireDownload(ctx context.Context, n int) error {
	return g.waitBytes(ctx, g.download, n)
}

func (g *Guard) waitBytes(ctx context.Context, lim *rate.Limiter, n int) error {
	if n <= 0 {
		return nil
	}
	if n > lim.Burst() {
		n = lim.Burst() // oversize grants clamp to one full bucket
	}
	return lim.WaitN(ctx, n)
}

// Sweep drops caller windows older than a minute. Called from the
// node's maintenance loop.
func (g *Guard) Sweep() {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for caller, w := range g.callers {
		if now.Sub(w.start) >= time.Minute {
			delete(g.callers, caller)
		}
	}
}
