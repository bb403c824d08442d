package match

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/gobwas/glob"
	"golang.org/x/net/publicsuffix"
)

const regexTimeout = 100 * time.Millisecond

var regexLiteral = regexp.MustCompile(`^/(.+)/([a-z]*)$`)

func isRegexPattern(raw string) bool {
	return regexLiteral.MatchString(raw)
}

// regexPattern is a /.../flags pattern with ECMAScript semantics.
type regexPattern struct {
	re *regexp2.Regexp
}

func compileRegex(raw string) (pattern, error) {
	m := regexLiteral.FindStringSubmatch(raw)
	opts := regexp2.RegexOptions(regexp2.ECMAScript)
	for _, f := range m[2] {
		switch f {
		case 'i':
			opts |= regexp2.IgnoreCase
		case 'g', 'u', 'y', 's', 'm':
			// flags without effect on a single test() call
		default:
			return nil, fmt.Errorf("unsupported regex flag %q", f)
		}
	}
	re, err := regexp2.Compile(m[1], opts)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = regexTimeout
	return regexPattern{re: re}, nil
}

func (p regexPattern) match(t *target) bool {
	ok, err := p.re.MatchString(t.str)
	return err == nil && ok
}

// globPattern is an @include pattern where '*' spans any characters,
// including '/'. Other glob metacharacters are literal.
type globPattern struct {
	g   glob.Glob
	tld bool
}

func compileGlob(raw string) (pattern, error) {
	raw = normalizePatternURL(raw)
	quoted := strings.ReplaceAll(glob.QuoteMeta(raw), `\*`, "*")
	g, err := glob.Compile(quoted)
	if err != nil {
		return nil, err
	}
	return globPattern{g: g, tld: strings.Contains(raw, ".tld")}, nil
}

func (p globPattern) match(t *target) bool {
	if p.g.Match(t.str) {
		return true
	}
	if !p.tld {
		return false
	}
	alt, ok := withTLDPlaceholder(t)
	return ok && p.g.Match(alt)
}

// withTLDPlaceholder rewrites the host's public suffix to "tld" so that
// patterns like *://www.google.tld/* match google.co.uk and google.com.
func withTLDPlaceholder(t *target) (string, bool) {
	host := t.u.Hostname()
	suffix, _ := publicsuffix.PublicSuffix(host)
	if suffix == "" || suffix == host {
		return "", false
	}
	u := *t.u
	u.Host = strings.TrimSuffix(host, suffix) + "tld"
	if port := t.u.Port(); port != "" {
		u.Host += ":" + port
	}
	return u.String(), true
}

// normalizePatternURL applies the same scheme, host and trailing-slash
// normalisation to the literal part of a pattern that normalizeTarget
// applies to URLs.
func normalizePatternURL(raw string) string {
	i := strings.Index(raw, "://")
	if i <= 0 {
		return raw
	}
	scheme := strings.ToLower(raw[:i])
	rest := raw[i+3:]
	host, path := rest, ""
	if j := strings.IndexAny(rest, "/?#"); j >= 0 {
		host, path = rest[:j], rest[j:]
	}
	host = normalizeHost(scheme, host)
	if path == "" && !strings.HasSuffix(host, "*") {
		path = "/"
	}
	return scheme + "://" + host + trimTrailingSlash(path)
}

// matchPattern is an @match pattern: <scheme>://<host><path>.
type matchPattern struct {
	all     bool
	schemes []string
	host    string
	subs    bool
	path    glob.Glob
}

func compileMatchPattern(raw string) (pattern, error) {
	if raw == "<all_urls>" || raw == "*" {
		return matchPattern{all: true}, nil
	}
	i := strings.Index(raw, "://")
	if i <= 0 {
		return nil, fmt.Errorf("@match %q: missing scheme", raw)
	}
	p := matchPattern{}
	switch scheme := strings.ToLower(raw[:i]); scheme {
	case "*":
		p.schemes = []string{"http", "https"}
	case "http", "https", "file", "ftp", "ws", "wss":
		p.schemes = []string{scheme}
	default:
		return nil, fmt.Errorf("@match %q: unsupported scheme %q", raw, scheme)
	}

	rest := raw[i+3:]
	j := strings.Index(rest, "/")
	if j < 0 {
		return nil, fmt.Errorf("@match %q: missing path", raw)
	}
	host, path := strings.ToLower(rest[:j]), trimTrailingSlash(rest[j:])
	switch {
	case host == "*":
		p.host = ""
	case strings.HasPrefix(host, "*."):
		p.host, p.subs = host[2:], true
	case strings.Contains(host, "*"):
		return nil, fmt.Errorf("@match %q: '*' only allowed as leading host label", raw)
	default:
		p.host = host
	}

	g, err := glob.Compile(strings.ReplaceAll(glob.QuoteMeta(path), `\*`, "*"))
	if err != nil {
		return nil, err
	}
	p.path = g
	return p, nil
}

func (p matchPattern) match(t *target) bool {
	if p.all {
		return true
	}
	schemeOK := false
	for _, s := range p.schemes {
		if t.u.Scheme == s {
			schemeOK = true
			break
		}
	}
	if !schemeOK {
		return false
	}
	if p.host != "" {
		h := t.u.Hostname()
		if h != p.host && !(p.subs && strings.HasSuffix(h, "."+p.host)) {
			return false
		}
	}
	return p.path.Match(t.pathAndQuery())
}
