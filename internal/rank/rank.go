// Package rank scores search candidates with a linear blend of BM25,
// freshness, publisher trust and link authority, and computes the
// authority signal itself with PageRank over the crawled link graph.
package rank

import (
	"math"
	"sort"
	"time"
)

// Blend weights. They sum to 1 so the final score stays in [0,1] when
// each component does.
const (
	WeightBM25      = 0.55
	WeightFreshness = 0.20
	WeightTrust     = 0.15
	WeightAuthority = 0.10
)

// FreshnessHalfScale is the e-folding time of the freshness decay.
const FreshnessHalfScale = 30.0 // days

// Candidate is one result entering the ranker. BM25 is the raw engine
// score; Trust and Authority are already in [0,1].
type Candidate struct {
	DocID     uint64
	URL       string
	Title     string
	Snippet   string
	BM25      float64
	Trust     float64
	Authority float64
	CrawlTime time.Time
	Local     bool
}

// Ranked is a candidate with its final blended score.
type Ranked struct {
	Candidate
	Score float64
}

// Freshness maps document age to a decayed weight in (0,1].
func Freshness(crawlTime, now time.Time) float64 {
	age := now.Sub(crawlTime)
	if age < 0 {
		age = 0
	}
	days := age.Hours() / 24
	return math.Exp(-days / FreshnessHalfScale)
}

// Score ranks candidates. BM25 is min-max normalized within the
// candidate set, then blended with the other signals. Ties break on
// newer crawl time, then lower doc ID, so ordering is deterministic.
func Score(cands []Candidate, now time.Time) []Ranked {
	if len(cands) == 0 {
		return nil
	}
	minB, maxB := cands[0].BM25, cands[0].BM25
	for _, c := range cands[1:] {
		if c.BM25 < minB {
			minB = c.BM25
		}
		if c.BM25 > maxB {
			maxB = c.BM25
		}
	}
	span := maxB - minB

	out := make([]Ranked, 0, len(cands))
	for _, c := range cands {
		norm := 1.0
		if span > 0 {
			norm = (c.BM25 - minB) / span
		}
		s := WeightBM25*norm +
			WeightFreshness*Freshness(c.CrawlTime, now) +
			WeightTrust*clamp01(c.Trust) +
			WeightAuthority*clamp01(c.Authority)
		out = append(out, Ranked{Candidate: c, Score: s})
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Score != out[b].Score {
			return out[a].Score > out[b].Score
		}
		if !out[a].CrawlTime.Equal(out[b].CrawlTime) {
			return out[a].CrawlTime.After(out[b].CrawlTime)
		}
		return out[a].DocID < out[b].DocID
	})
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
