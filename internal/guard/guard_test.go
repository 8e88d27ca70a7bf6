package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/meshfind/meshfind/internal/mesherr"
)

func TestQPMQuota(t *testing.T) {
	clk := clock.NewMock()
	g := New(Limits{QueriesPerMinute: 3, MaxConcurrent: 10}, clk)

	for i := 0; i < 3; i++ {
		release, err := g.Admit("alice")
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		release()
	}
	_, err := g.Admit("alice")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("4th query error = %v, want busy", err)
	}
	if !mesherr.Is(err, mesherr.KindResourceExhausted) {
		t.Error("busy must carry the resource-exhausted kind")
	}

	// Another caller has an independent quota.
	if _, err := g.Admit("bob"); err != nil {
		t.Errorf("independent caller rejected: %v", err)
	}

	// The window rolls over.
	clk.Add(61 * time.Second)
	if _, err := g.Admit("alice"); err != nil {
		t.Errorf("new window rejected: %v", err)
	}
}

func TestConcurrencySlots(t *testing.T) {
	g := New(Limits{QueriesPerMinute: 100, MaxConcurrent: 2}, clock.NewMock())

	r1, err := g.Admit("a")
	if err != nil {
		t.Fatal(err)
	}
	r2, err := g.Admit("b")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.Admit("c"); !errors.Is(err, ErrBusy) {
		t.Fatalf("over-concurrency error = %v, want busy", err)
	}
	r1()
	if _, err := g.Admit("c"); err != nil {
		t.Errorf("slot not released: %v", err)
	}
	r2()
}

func TestBandwidthClampsOversize(t *testing.T) {
	g := New(Limits{UploadBitsPerSec: 8 << 20}, clock.NewMock()) // 1 MiB/s bucket
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// A grant larger than the bucket clamps instead of erroring.
	if err := g.AcquireUpload(ctx, 10<<20); err != nil {
		t.Fatalf("oversize acquisition: %v", err)
	}
	if err := g.AcquireDownload(ctx, 0); err != nil {
		t.Errorf("zero-byte acquisition: %v", err)
	}
}

func TestSweep(t *testing.T) {
	clk := clock.NewMock()
	g := New(Limits{QueriesPerMinute: 1, MaxConcurrent: 10}, clk)
	release, _ := g.Admit("alice")
	release()
	clk.Add(2 * time.Minute)
	g.Sweep()
	g.mu.Lock()
	n := len(g.callers)
	g.mu.Unlock()
	if n != 0 {
		t.Errorf("stale windows survived sweep: %d", n)
	}
}
