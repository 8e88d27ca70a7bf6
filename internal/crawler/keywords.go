package crawler

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// TopKeywords is the pointer publication cap per document.
const TopKeywords = 32

const minKeywordLen = 3

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "has": true,
	"have": true, "was": true, "with": true, "this": true, "that": true,
	"from": true, "they": true, "will": true, "would": true, "there": true,
	"their": true, "what": true, "about": true, "which": true, "when": true,
	"your": true, "than": true, "then": true, "them": true, "these": true,
	"its": true, "into": true, "only": true, "other": true, "some": true,
	"such": true, "also": true, "more": true, "most": true, "over": true,
	"been": true, "were": true, "each": true, "while": true, "where": true,
}

// DocFreq supplies corpus-level document frequencies for the idf term.
// A nil provider degrades to tf-only weighting.
type DocFreq interface {
	// DocCount is the corpus size; Freq is how many documents contain
	// the term.
	DocCount() int64
	Freq(term string) int64
}

// Keyword is one extracted term with its weight.
type Keyword struct {
	Term   string
	Weight float64
}

// ExtractKeywords returns the top-k tf-idf weighted terms of the text.
func ExtractKeywords(title, text string, df DocFreq, k int) []Keyword {
	if k <= 0 {
		k = TopKeywords
	}
	tf := make(map[string]int)
	total := 0
	count := func(s string, weight int) {
		for _, w := range Tokenize(s) {
			tf[w] += weight
			total += weight
		}
	}
	count(text, 1)
	count(title, 2) // titles concentrate topical signal
	if total == 0 {
		return nil
	}

	kws := make([]Keyword, 0, len(tf))
	for term, n := range tf {
		w := float64(n) / float64(total)
		if df != nil {
			if dc := df.DocCount(); dc > 0 {
				w *= math.Log(1 + float64(dc)/float64(1+df.Freq(term)))
			}
		}
		kws = append(kws, Keyword{Term: term, Weight: w})
	}
	sort.Slice(kws, func(a, b int) bool {
		if kws[a].Weight != kws[b].Weight {
			return kws[a].Weight > kws[b].Weight
		}
		return kws[a].Term < kws[b].Term
	})
	if len(kws) > k {
		kws = kws[:k]
	}

	// Normalize weights to [0,1] for pointer relevance.
	if len(kws) > 0 && kws[0].Weight > 0 {
		max := kws[0].Weight
		for i := range kws {
			kws[i].Weight /= max
		}
	}
	return kws
}

// Tokenize lowercases, splits on non-alphanumerics and drops stopwords
// and short fragments. Shared by keyword extraction and query parsing.
func Tokenize(s string) []string {
	var out []string
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len(w) < minKeywordLen || stopwords[w] {
			continue
		}
		out = append(out, w)
	}
	return out
}
