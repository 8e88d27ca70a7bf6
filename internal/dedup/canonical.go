/*
Package dedup implements the three-stage deduplication pipeline: URL
canonicalization, exact content-hash matching and SimHash near-duplicate
grouping.
*/
package dedup

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
)

// Tracking query parameters dropped during canonicalization.
var trackingParams = map[string]bool{
	"gclid":   true,
	"fbclid":  true,
	"msclkid": true,
}

func isTrackingParam(key string) bool {
	return trackingParams[key] || strings.HasPrefix(key, "utm_")
}

// CanonicalURL normalizes raw into its canonical form:
// lowercase scheme and host, default ports stripped, fragment removed,
// query parameters sorted with tracking parameters dropped, and path
// dot-segments collapsed. Canonicalization is idempotent.
func CanonicalURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.User = nil

	// Strip default ports.
	if host, port, ok := strings.Cut(u.Host, ":"); ok {
		if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
			u.Host = host
		}
	}

	// Collapse dot-segments; keep a trailing slash distinction only at root.
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		cleaned = "/"
	}
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	u.RawPath = ""
	u.Path = cleaned

	// Sort query parameters, dropping tracking noise.
	if u.RawQuery != "" {
		q := u.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			if isTrackingParam(k) {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			vals := q[k]
			sort.Strings(vals)
			for _, v := range vals {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				if v != "" {
					b.WriteByte('=')
					b.WriteString(url.QueryEscape(v))
				}
			}
		}
		u.RawQuery = b.String()
	}

	return u.String(), nil
}

// PreferCanonicalLink applies a page-declared <link rel="canonical"> target
// when it is same-origin with the fetched URL. Cross-origin declarations
// are ignored to keep canonical hijacking off the table.
func PreferCanonicalLink(fetched, declared string) string {
	if declared == "" {
		return fetched
	}
	fu, err1 := url.Parse(fetched)
	du, err2 := url.Parse(declared)
	if err1 != nil || err2 != nil {
		return fetched
	}
	if du.Host == "" {
		// Relative canonical link: resolve against the fetched URL.
		du = fu.ResolveReference(du)
	}
	if !strings.EqualFold(du.Host, fu.Host) {
		return fetched
	}
	canon, err := CanonicalURL(du.String())
	if err != nil {
		return fetched
	}
	return canon
}
