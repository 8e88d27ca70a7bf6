package dedup

import (
	"math/bits"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const (
	// HammingThreshold is the near-duplicate cutoff: two documents are
	// near-duplicates when their fingerprints differ in at most this
	// many bits.
	HammingThreshold = 3

	// shingleWidth is the word n-gram size fed into the fingerprint.
	shingleWidth = 3
)

// SimHash computes a 64-bit locality-sensitive fingerprint of text using
// Charikar's scheme: hash every word shingle, accumulate a per-bit vote
// vector, then collapse by majority vote.
func SimHash(text string) uint64 {
	shingles := shingle(text, shingleWidth)
	if len(shingles) == 0 {
		return 0
	}

	var votes [64]int
	for _, s := range shingles {
		h := xxhash.Sum64String(s)
		for bit := 0; bit < 64; bit++ {
			if h&(1<<uint(bit)) != 0 {
				votes[bit]++
			} else {
				votes[bit]--
			}
		}
	}

	var fp uint64
	for bit := 0; bit < 64; bit++ {
		if votes[bit] > 0 {
			fp |= 1 << uint(bit)
		}
	}
	return fp
}

// HammingDistance counts differing bits between two fingerprints.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// NearDuplicate reports whether two fingerprints are within the threshold.
func NearDuplicate(a, b uint64) bool {
	return HammingDistance(a, b) <= HammingThreshold
}

// shingle lowercases, tokenizes on non-alphanumerics and produces
// overlapping width-word shingles. Texts shorter than width yield a single
// shingle of all words.
func shingle(text string, width int) []string {
	words := tokenizeWords(text)
	if len(words) == 0 {
		return nil
	}
	if len(words) < width {
		return []string{strings.Join(words, " ")}
	}
	out := make([]string, 0, len(words)-width+1)
	for i := 0; i+width <= len(words); i++ {
		out = append(out, strings.Join(words[i:i+width], " "))
	}
	return out
}

func tokenizeWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
