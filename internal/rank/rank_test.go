package rank

import (
	"math"
	"testing"
	"time"
)

func TestFreshnessDecay(t *testing.T) {
	now := time.Now()
	if f := Freshness(now, now); math.Abs(f-1.0) > 1e-9 {
		t.Errorf("zero-age freshness = %v, want 1", f)
	}
	thirty := Freshness(now.Add(-30*24*time.Hour), now)
	if math.Abs(thirty-math.Exp(-1)) > 1e-6 {
		t.Errorf("30-day freshness = %v, want e^-1", thirty)
	}
	// Future timestamps clamp to age zero instead of boosting.
	if f := Freshness(now.Add(time.Hour), now); f != 1.0 {
		t.Errorf("future crawl time freshness = %v, want 1", f)
	}
}

func TestScoreBlend(t *testing.T) {
	now := time.Now()
	cands := []Candidate{
		{DocID: 1, BM25: 10, Trust: 0.4, Authority: 0.1, CrawlTime: now},
		{DocID: 2, BM25: 2, Trust: 1.0, Authority: 1.0, CrawlTime: now},
	}
	ranked := Score(cands, now)
	// Doc 1: bm25_norm=1 -> 0.55 + 0.20 + 0.06 + 0.01 = 0.82
	// Doc 2: bm25_norm=0 -> 0.00 + 0.20 + 0.15 + 0.10 = 0.45
	if ranked[0].DocID != 1 {
		t.Fatalf("expected doc 1 first, got %d", ranked[0].DocID)
	}
	if math.Abs(ranked[0].Score-0.82) > 1e-9 {
		t.Errorf("doc 1 score = %v, want 0.82", ranked[0].Score)
	}
	if math.Abs(ranked[1].Score-0.45) > 1e-9 {
		t.Errorf("doc 2 score = %v, want 0.45", ranked[1].Score)
	}
}

func TestScoreTieBreaks(t *testing.T) {
	now := time.Now()
	older := now.Add(-time.Hour)
	cands := []Candidate{
		{DocID: 9, BM25: 1, CrawlTime: older},
		{DocID: 2, BM25: 1, CrawlTime: now},
		{DocID: 5, BM25: 1, CrawlTime: now},
	}
	ranked := Score(cands, now)
	if ranked[0].DocID != 2 || ranked[1].DocID != 5 || ranked[2].DocID != 9 {
		t.Errorf("tie break order wrong: %d, %d, %d",
			ranked[0].DocID, ranked[1].DocID, ranked[2].DocID)
	}
}

func TestScoreSingleCandidate(t *testing.T) {
	now := time.Now()
	ranked := Score([]Candidate{{DocID: 1, BM25: 3.3, Trust: 0.5, CrawlTime: now}}, now)
	if len(ranked) != 1 {
		t.Fatalf("expected 1 result, got %d", len(ranked))
	}
	// Degenerate min-max span: bm25_norm defaults to 1.
	want := 0.55 + 0.20 + 0.15*0.5
	if math.Abs(ranked[0].Score-want) > 1e-9 {
		t.Errorf("score = %v, want %v", ranked[0].Score, want)
	}
}

func TestPageRankHub(t *testing.T) {
	// a and b both link to hub; hub links back to a.
	edges := []Edge{
		{Src: "a", Dst: "hub"},
		{Src: "b", Dst: "hub"},
		{Src: "hub", Dst: "a"},
	}
	pr := PageRank(edges)
	if pr["hub"] != 1.0 {
		t.Errorf("hub should carry max authority, got %v", pr["hub"])
	}
	if pr["a"] <= pr["b"] {
		t.Errorf("a (endorsed by hub) should outrank b: a=%v b=%v", pr["a"], pr["b"])
	}
	for u, r := range pr {
		if r < 0 || r > 1 {
			t.Errorf("rank of %s out of range: %v", u, r)
		}
	}
}

func TestPageRankEmpty(t *testing.T) {
	if pr := PageRank(nil); pr != nil {
		t.Errorf("empty graph should yield nil, got %v", pr)
	}
}

func TestFuseRRF(t *testing.T) {
	kw := []Ranked{
		{Candidate: Candidate{DocID: 1}, Score: 0.9},
		{Candidate: Candidate{DocID: 2}, Score: 0.8},
		{Candidate: Candidate{DocID: 3}, Score: 0.7},
	}
	// Vector ranking strongly prefers doc 3.
	fused := FuseRRF(kw, []uint64{3, 1})
	if len(fused) != 3 {
		t.Fatalf("expected 3 fused results, got %d", len(fused))
	}
	pos := map[uint64]int{}
	for i, r := range fused {
		pos[r.DocID] = i
	}
	if pos[3] >= pos[2] {
		t.Errorf("vector boost should lift doc 3 above doc 2: %v", pos)
	}

	// Empty vector list leaves keyword order alone.
	same := FuseRRF(kw, nil)
	for i := range kw {
		if same[i].DocID != kw[i].DocID {
			t.Errorf("order changed without vector input at %d", i)
		}
	}

	// Vector-only IDs with no metadata are dropped.
	fused = FuseRRF(kw, []uint64{99})
	for _, r := range fused {
		if r.DocID == 99 {
			t.Error("unknown doc leaked into fused results")
		}
	}
}
