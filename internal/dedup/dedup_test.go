package dedup

import (
	"strings"
	"testing"
)

func TestCanonicalURL(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase host", "https://Docs.Example.ORG/Intro", "https://docs.example.org/Intro"},
		{"default port https", "https://docs.example.org:443/intro", "https://docs.example.org/intro"},
		{"default port http", "http://docs.example.org:80/intro", "http://docs.example.org/intro"},
		{"custom port kept", "https://docs.example.org:8443/intro", "https://docs.example.org:8443/intro"},
		{"fragment dropped", "https://docs.example.org/intro#section-2", "https://docs.example.org/intro"},
		{"tracking params dropped", "https://docs.example.org/intro?utm_source=x&utm_medium=y", "https://docs.example.org/intro"},
		{"gclid dropped keep rest", "https://docs.example.org/intro?b=2&gclid=abc&a=1", "https://docs.example.org/intro?a=1&b=2"},
		{"params sorted", "https://docs.example.org/intro?z=1&a=2", "https://docs.example.org/intro?a=2&z=1"},
		{"dot segments", "https://docs.example.org/a/b/../c/./d", "https://docs.example.org/a/c/d"},
		{"empty path", "https://docs.example.org", "https://docs.example.org/"},
	}

	for _, tc := range cases {
		got, err := CanonicalURL(tc.in)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestCanonicalURLIdempotent(t *testing.T) {
	inputs := []string{
		"https://Docs.Example.ORG:443/a/../b?utm_source=x&z=1&a=2#frag",
		"http://example.com/path/./to/page?fbclid=123",
	}
	for _, in := range inputs {
		once, err := CanonicalURL(in)
		if err != nil {
			t.Fatalf("first pass %q: %v", in, err)
		}
		twice, err := CanonicalURL(once)
		if err != nil {
			t.Fatalf("second pass %q: %v", once, err)
		}
		if once != twice {
			t.Errorf("not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestCanonicalURLRejects(t *testing.T) {
	for _, in := range []string{"file:///etc/passwd", "ftp://example.com/x", "not a url", ""} {
		if _, err := CanonicalURL(in); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}
}

func TestPreferCanonicalLink(t *testing.T) {
	fetched := "https://docs.example.org/intro?ref=1"

	// Same-origin declaration wins.
	got := PreferCanonicalLink(fetched, "https://docs.example.org/intro")
	if got != "https://docs.example.org/intro" {
		t.Errorf("same-origin: got %q", got)
	}

	// Cross-origin declaration is ignored.
	got = PreferCanonicalLink(fetched, "https://evil.example.com/intro")
	if got != fetched {
		t.Errorf("cross-origin: got %q", got)
	}

	// Relative declaration resolves against the fetched URL.
	got = PreferCanonicalLink(fetched, "/intro")
	if got != "https://docs.example.org/intro" {
		t.Errorf("relative: got %q", got)
	}
}

func TestSimHashNearDuplicates(t *testing.T) {
	base := "The quick brown fox jumps over the lazy dog and runs far away into the green forest tonight"
	nearDup := "The quick brown fox jumps over the lazy dog and runs far away into the green forest today"
	different := "Completely unrelated text about database storage engines and write ahead logging internals"

	fpBase := SimHash(base)
	fpNear := SimHash(nearDup)
	fpDiff := SimHash(different)

	if fpBase == 0 {
		t.Fatal("fingerprint should not be zero for non-empty text")
	}
	if SimHash(base) != fpBase {
		t.Fatal("fingerprint not deterministic")
	}
	if d := HammingDistance(fpBase, fpNear); d > 12 {
		t.Errorf("near-duplicate distance too large: %d", d)
	}
	if d := HammingDistance(fpBase, fpDiff); d < 10 {
		t.Errorf("distinct texts too close: %d", d)
	}
	if !NearDuplicate(fpBase, fpBase) {
		t.Error("identical fingerprints must be near-duplicates")
	}
}

func TestSimHashEmpty(t *testing.T) {
	if SimHash("") != 0 {
		t.Error("empty text should yield zero fingerprint")
	}
	if SimHash("   \n\t  ") != 0 {
		t.Error("whitespace-only text should yield zero fingerprint")
	}
}

func TestShingleShortText(t *testing.T) {
	got := shingle("hello world", 3)
	if len(got) != 1 || got[0] != "hello world" {
		t.Errorf("short text shingle: %v", got)
	}
	long := shingle(strings.Repeat("word ", 5), 3)
	if len(long) != 3 {
		t.Errorf("expected 3 shingles, got %d", len(long))
	}
}
