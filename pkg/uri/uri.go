// Package uri implements the value type and matching rules used throughout
// pubsubd to name channels, resources, and recipients, and to test a
// candidate URI against a wildcard pattern URI.
package uri

import (
	"fmt"
	"net/url"
	"strings"
)

// URI is an immutable, parsed form of a channel/resource/recipient
// identifier. It intentionally does not wrap net/url.URL directly: matching
// needs direct access to path segments and a host that can itself be the
// wildcard "*", which net/url does not model.
type URI struct {
	Scheme   string
	Host     string
	segments []string
	Query    string
	Fragment string
}

// Parse builds a URI from its string form. Query and fragment are retained
// for round-tripping but never consulted by Matches.
func Parse(raw string) (URI, error) {
	if raw == "" {
		return URI{}, fmt.Errorf("uri: empty")
	}
	toParse := raw
	wildcardScheme := strings.HasPrefix(raw, "*://")
	if wildcardScheme {
		// net/url rejects "*" as a scheme; parse with a placeholder and
		// restore the wildcard afterwards.
		toParse = "x" + raw[1:]
	}
	u, err := url.Parse(toParse)
	if err != nil {
		return URI{}, fmt.Errorf("uri: %q: %w", raw, err)
	}
	if u.Scheme == "" {
		return URI{}, fmt.Errorf("uri: %q: missing scheme", raw)
	}
	scheme := u.Scheme
	if wildcardScheme {
		scheme = "*"
	}
	return URI{
		Scheme:   scheme,
		Host:     u.Host,
		segments: splitPath(u.Path),
		Query:    u.RawQuery,
		Fragment: u.Fragment,
	}, nil
}

// MustParse is Parse but panics on error; used only for literal patterns
// such as the fixed meta-channel pubsub://*/*.
func MustParse(raw string) URI {
	u, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// String renders the URI back to wire form. Query/fragment are appended
// only if present.
func (u URI) String() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(u.Host)
	for _, seg := range u.segments {
		b.WriteByte('/')
		b.WriteString(seg)
	}
	if u.Query != "" {
		b.WriteByte('?')
		b.WriteString(u.Query)
	}
	if u.Fragment != "" {
		b.WriteByte('#')
		b.WriteString(u.Fragment)
	}
	return b.String()
}

// New builds a URI directly from its components, for callers that
// construct derived URIs programmatically rather than parsing a string
// (e.g. computing a canonical publish endpoint from an owner URI).
func New(scheme, host string, segments ...string) URI {
	return URI{Scheme: scheme, Host: host, segments: append([]string(nil), segments...)}
}

// IsZero reports whether u is the zero value (no scheme).
func (u URI) IsZero() bool { return u.Scheme == "" }

// Equal reports structural equality, ignoring query and fragment, the way
// Matches does — two URIs pointing at the same resource via different query
// strings are the same destination for coalescing purposes.
func (u URI) Equal(other URI) bool {
	return Matches(u, other, true)
}

func schemesEquivalent(pattern, candidate string, strict bool) bool {
	if pattern == "*" {
		return true
	}
	if strings.EqualFold(pattern, candidate) {
		return true
	}
	if strict {
		return false
	}
	httpLike := func(s string) bool { return s == "http" || s == "https" }
	return httpLike(pattern) && httpLike(candidate)
}

func hostsEquivalent(pattern, candidate string) bool {
	if pattern == "*" {
		return true
	}
	return strings.EqualFold(pattern, candidate)
}

// Matches reports whether candidate is an instance of pattern. strict
// disables the http/https equivalence used for ordinary matching; it is
// used only for identity tests such as Equal and the conflict check on
// re-registration.
func Matches(pattern, candidate URI, strict bool) bool {
	if !schemesEquivalent(pattern.Scheme, candidate.Scheme, strict) {
		return false
	}
	if !hostsEquivalent(pattern.Host, candidate.Host) {
		return false
	}
	return pathMatches(pattern.segments, candidate.segments)
}

func pathMatches(pattern, candidate []string) bool {
	for i, seg := range pattern {
		if seg == "*" {
			if i == len(pattern)-1 {
				// "/*" as the final segment matches any (possibly empty)
				// remaining suffix.
				return len(candidate) >= i
			}
			if i >= len(candidate) {
				return false
			}
			continue
		}
		if i >= len(candidate) || candidate[i] != seg {
			return false
		}
	}
	return len(candidate) == len(pattern)
}

func schemesEqual(a, b string, strict bool) bool {
	if strings.EqualFold(a, b) {
		return true
	}
	if strict {
		return false
	}
	httpLike := func(s string) bool { return s == "http" || s == "https" }
	return httpLike(a) && httpLike(b)
}

// HasPrefix reports whether u's scheme/host/path begins with base's,
// treating http/https as equivalent unless strict is set.
func HasPrefix(u, base URI, strict bool) bool {
	if !schemesEqual(u.Scheme, base.Scheme, strict) {
		return false
	}
	if !strings.EqualFold(u.Host, base.Host) {
		return false
	}
	if len(base.segments) > len(u.segments) {
		return false
	}
	for i, seg := range base.segments {
		if u.segments[i] != seg {
			return false
		}
	}
	return true
}

// ChangePrefix rewrites u so that its leading segments equal to from are
// replaced by to's segments, e.g. to turn a peer's advertised location into
// this service's equivalent local path.
func ChangePrefix(u, from, to URI) URI {
	if !HasPrefix(u, from, false) {
		return u
	}
	rest := u.segments[len(from.segments):]
	newSegs := make([]string, 0, len(to.segments)+len(rest))
	newSegs = append(newSegs, to.segments...)
	newSegs = append(newSegs, rest...)
	return URI{
		Scheme:   to.Scheme,
		Host:     to.Host,
		segments: newSegs,
		Query:    u.Query,
		Fragment: u.Fragment,
	}
}

// RelativeTo returns the path segments of u that remain after stripping
// base's prefix. Returns false if u does not have base as a prefix.
func RelativeTo(u, base URI) ([]string, bool) {
	if !HasPrefix(u, base, false) {
		return nil, false
	}
	rest := u.segments[len(base.segments):]
	out := make([]string, len(rest))
	copy(out, rest)
	return out, true
}

// Segments returns a copy of the path segments, for callers that need to
// build derived URIs without reaching into the unexported field.
func (u URI) Segments() []string {
	out := make([]string, len(u.segments))
	copy(out, u.segments)
	return out
}

// WithQuery returns a copy of u with the query string replaced — used to
// attach ?access-key=... to a location URI.
func (u URI) WithQuery(q string) URI {
	u.Query = q
	return u
}
