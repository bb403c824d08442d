package match

import (
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/dgnsrekt/gmhost/internal/metadata"
)

// defaultPorts are stripped from URLs and patterns before comparison.
var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
	"ftp":   "21",
}

// pattern is a compiled include/exclude/match entry.
type pattern interface {
	match(t *target) bool
}

// target is a normalised page URL, prepared once per Matches call.
type target struct {
	u   *url.URL
	str string
}

// Matcher compiles and caches patterns. The zero value is not usable; use New.
type Matcher struct {
	mu    sync.RWMutex
	cache map[string]pattern
}

// New returns an empty Matcher.
func New() *Matcher {
	return &Matcher{cache: make(map[string]pattern)}
}

var defaultMatcher = New()

// Matches reports whether a script applies to rawURL using a shared cache.
func Matches(rawURL string, md *metadata.Metadata) bool {
	return defaultMatcher.Matches(rawURL, md)
}

// Matches reports whether at least one include (or @match) pattern matches
// rawURL and no exclude pattern does. A script without include patterns
// never matches.
func (m *Matcher) Matches(rawURL string, md *metadata.Metadata) bool {
	if md == nil || len(md.Includes)+len(md.Matches) == 0 {
		return false
	}
	forms, ok := normalizeTarget(rawURL)
	if !ok {
		return false
	}
	for _, p := range md.Excludes {
		if matchAny(m.compile(p, kindInclude), forms) {
			return false
		}
	}
	for _, p := range md.Includes {
		if matchAny(m.compile(p, kindInclude), forms) {
			return true
		}
	}
	for _, p := range md.Matches {
		if matchAny(m.compile(p, kindMatch), forms) {
			return true
		}
	}
	return false
}

func matchAny(p pattern, forms []*target) bool {
	for _, t := range forms {
		if p.match(t) {
			return true
		}
	}
	return false
}

type kind int

const (
	kindInclude kind = iota
	kindMatch
)

func (m *Matcher) compile(raw string, k kind) pattern {
	cacheKey := raw
	if k == kindMatch {
		cacheKey = "@match " + raw
	}

	m.mu.RLock()
	p, ok := m.cache[cacheKey]
	m.mu.RUnlock()
	if ok {
		return p
	}

	var err error
	switch {
	case isRegexPattern(raw):
		p, err = compileRegex(raw)
	case k == kindMatch:
		p, err = compileMatchPattern(raw)
	default:
		p, err = compileGlob(raw)
	}
	if err != nil {
		slog.Warn("invalid userscript pattern, treating as non-matching", "pattern", raw, "error", err)
		p = never{}
	}

	m.mu.Lock()
	m.cache[cacheKey] = p
	m.mu.Unlock()
	return p
}

type never struct{}

func (never) match(*target) bool { return false }

// normalizeTarget lower-cases scheme and host, strips default ports and the
// fragment, gives an empty path a trailing slash and drops the trailing
// slash of any other path. Path and query keep their case.
//
// A URL whose path ended in a slash yields a second form that keeps it, so
// "/docs/*" still matches "/docs/".
func normalizeTarget(rawURL string) ([]*target, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" {
		return nil, false
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = normalizeHost(u.Scheme, u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.Host != "" && u.Path == "" && u.Opaque == "" {
		u.Path = "/"
	}
	forms := []*target{{u: u, str: u.String()}}
	if len(u.Path) > 1 && strings.HasSuffix(u.Path, "/") {
		trimmed := *u
		trimmed.Path = trimTrailingSlash(u.Path)
		trimmed.RawPath = trimTrailingSlash(u.RawPath)
		forms = append([]*target{{u: &trimmed, str: trimmed.String()}}, forms...)
	}
	return forms, true
}

// trimTrailingSlash drops trailing slashes from a non-root path. A query or
// fragment after the path is kept.
func trimTrailingSlash(path string) string {
	rest := ""
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path, rest = path[:i], path[i:]
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	return path + rest
}

func normalizeHost(scheme, host string) string {
	host = strings.ToLower(host)
	if port, ok := defaultPorts[scheme]; ok {
		host = strings.TrimSuffix(host, ":"+port)
	}
	return host
}

// pathAndQuery is what @match path patterns are compared against.
func (t *target) pathAndQuery() string {
	p := t.u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if t.u.RawQuery != "" {
		p += "?" + t.u.RawQuery
	}
	return p
}
