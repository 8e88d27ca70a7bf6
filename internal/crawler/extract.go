package crawler

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// Extraction is the parsed view of a fetched page.
type Extraction struct {
	Title     string
	Text      string
	Canonical string // declared <link rel="canonical">, may be empty
	Links     []string
	Language  string
}

// skipElements never contribute visible text.
var skipElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"nav": true, "header": true, "footer": true, "aside": true,
	"iframe": true, "svg": true, "form": true,
}

// Extract parses an HTML body and pulls out title, main text, declared
// canonical URL and out-links resolved against baseURL.
func Extract(body []byte, baseURL string) (*Extraction, error) {
	root, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	base, _ := url.Parse(baseURL)

	ext := &Extraction{}
	var text strings.Builder
	seen := make(map[string]bool)

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			name := strings.ToLower(n.Data)
			if skipElements[name] {
				return
			}
			switch name {
			case "title":
				if n.FirstChild != nil && ext.Title == "" {
					ext.Title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			case "link":
				if attr(n, "rel") == "canonical" {
					ext.Canonical = attr(n, "href")
				}
			case "html":
				if lang := attr(n, "lang"); lang != "" {
					ext.Language = primaryLang(lang)
				}
			case "a":
				if href := attr(n, "href"); href != "" && base != nil {
					if ref, err := base.Parse(href); err == nil &&
						(ref.Scheme == "http" || ref.Scheme == "https") {
						ref.Fragment = ""
						s := ref.String()
						if !seen[s] {
							seen[s] = true
							ext.Links = append(ext.Links, s)
						}
					}
				}
			case "p", "div", "section", "article", "li", "br",
				"h1", "h2", "h3", "h4", "h5", "h6", "td", "tr":
				text.WriteByte('\n')
			}
		case html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				text.WriteString(t)
				text.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	ext.Text = normalizeWhitespace(text.String())
	if ext.Language == "" {
		ext.Language = DetectLanguage(ext.Text)
	}
	return ext, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func primaryLang(lang string) string {
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return strings.ToLower(lang)
}

func normalizeWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// Stopword fingerprints for cheap language detection when the page does
// not declare a lang attribute.
var langMarkers = map[string][]string{
	"en": {"the", "and", "for", "with", "that", "this", "from"},
	"de": {"und", "der", "die", "das", "nicht", "mit", "ein"},
	"fr": {"les", "des", "est", "dans", "pour", "une", "que"},
	"es": {"los", "las", "por", "con", "una", "para", "del"},
}

// DetectLanguage guesses the language from stopword frequency. Returns
// an ISO 639-1 code or empty when no marker set clears the noise floor.
func DetectLanguage(text string) string {
	words := strings.Fields(strings.ToLower(text))
	if len(words) < 20 {
		return ""
	}
	counts := make(map[string]int)
	for _, w := range words {
		counts[w]++
	}
	best, bestHits := "", 0
	for lang, markers := range langMarkers {
		hits := 0
		for _, m := range markers {
			hits += counts[m]
		}
		if hits > bestHits {
			best, bestHits = lang, hits
		}
	}
	if bestHits*100 < len(words) { // under 1% marker density
		return ""
	}
	return best
}
