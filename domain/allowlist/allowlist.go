// Package allowlist decides whether a target upstream URL may be proxied,
// and strips hop-by-hop headers from proxied requests/responses. Patterns
// are compiled once at construction time, mirroring the route matcher this
// package is modeled on: glob strings become anchored, case-insensitive
// regular expressions rather than being re-walked on every request.
package allowlist

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
)

// List is a compiled allowlist of URL glob patterns.
type List struct {
	patterns []*regexp.Regexp
}

// Compile builds a List from raw glob patterns. An empty or nil patterns
// slice compiles to a List that denies everything, per spec section 4.B.
func Compile(patterns []string) (*List, error) {
	l := &List{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		re, err := compilePattern(p)
		if err != nil {
			return nil, fmt.Errorf("compile allowlist pattern %q: %w", p, err)
		}
		l.patterns = append(l.patterns, re)
	}
	return l, nil
}

// compilePattern turns a glob (`*` matches one path segment, `**` matches
// across segments, `?` matches one character) into an anchored,
// case-insensitive regex.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)^")

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '*' && i+1 < len(runes) && runes[i+1] == '*':
			b.WriteString(".*")
			i++
		case c == '*':
			b.WriteString("[^/]*")
		case c == '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")

	return regexp.Compile(b.String())
}

// Allowed reports whether rawURL, once normalized, matches the allowlist.
// Only http/https schemes are ever admitted.
func (l *List) Allowed(rawURL string) (bool, error) {
	normalized, err := Normalize(rawURL)
	if err != nil {
		return false, err
	}
	for _, re := range l.patterns {
		if re.MatchString(normalized) {
			return true, nil
		}
	}
	return false, nil
}

// Normalize lowercases scheme and host, strips a default port, and trims
// all trailing slashes, so that allowlist matching is insensitive to those
// superficial variations. It returns an error for any scheme other than
// http/https.
func Normalize(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	hostport := host
	if port != "" {
		hostport = host + ":" + port
	}

	path := u.EscapedPath()
	if path != "/" {
		path = strings.TrimRight(path, "/")
	}
	if path == "" {
		path = "/"
	}

	normalized := scheme + "://" + hostport + path
	if u.RawQuery != "" {
		normalized += "?" + u.RawQuery
	}
	return normalized, nil
}

// Dynamic wraps a List behind an atomic pointer so the allowlist can be
// hot-reloaded (spec section 9 / config.Holder.OnChange) without pausing
// requests that are concurrently calling Allowed.
type Dynamic struct {
	current atomic.Pointer[List]
}

// NewDynamic wraps an initial List.
func NewDynamic(l *List) *Dynamic {
	d := &Dynamic{}
	d.current.Store(l)
	return d
}

// Allowed delegates to the currently active List.
func (d *Dynamic) Allowed(rawURL string) (bool, error) {
	return d.current.Load().Allowed(rawURL)
}

// Store atomically swaps in a newly compiled List, e.g. after a config
// reload.
func (d *Dynamic) Store(l *List) {
	d.current.Store(l)
}

// hopByHopHeaders are stripped from both the outbound upstream request and
// the headers recorded in the S frame, per spec section 4.B.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Host":                {},
	"Accept-Encoding":     {},
	"Content-Length":      {},
}

// FilterOutboundHeaders builds the header set to send upstream: it copies
// every header from inbound except hop-by-hop ones, and translates
// Upstream-Authorization into Authorization.
func FilterOutboundHeaders(inbound http.Header) http.Header {
	out := make(http.Header, len(inbound))
	for name, values := range inbound {
		canon := http.CanonicalHeaderKey(name)
		if _, drop := hopByHopHeaders[canon]; drop {
			continue
		}
		if strings.EqualFold(canon, "Upstream-Authorization") {
			continue
		}
		for _, v := range values {
			out.Add(canon, v)
		}
	}
	if auth := inbound.Get("Upstream-Authorization"); auth != "" {
		out.Set("Authorization", auth)
	}
	return out
}

// StripHopByHop removes hop-by-hop headers from h in place, used before
// recording upstream response headers into the S frame.
func StripHopByHop(h http.Header) {
	for name := range hopByHopHeaders {
		h.Del(name)
	}
}
