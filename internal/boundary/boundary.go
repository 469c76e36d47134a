// Package boundary decides which discovered URLs become crawl targets. It
// normalizes candidate URLs into their canonical crawl identity and applies
// the allow/disallow/frontier policy compiled from the directives.
package boundary

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/lopezworks/lopez/internal/lcd"
)

// Reason records why a linkage edge exists.
type Reason string

const (
	ReasonAhref            Reason = "ahref"
	ReasonRedirect         Reason = "redirect"
	ReasonCanonical        Reason = "canonical"
	ReasonExtAhref         Reason = "ext_ahref"
	ReasonExtAhrefNoFollow Reason = "ext_ahref_no_follow"
)

// Link is one classified outgoing edge. Enqueue marks links that become new
// open statuses; external edges are recorded but never enqueued.
type Link struct {
	Reason  Reason
	URL     string
	Enqueue bool
}

// Engine wraps the compiled boundary policy with URL plumbing.
type Engine struct {
	policy *lcd.BoundaryPolicy
}

// New builds a boundary engine over a compiled policy.
func New(policy *lcd.BoundaryPolicy) *Engine {
	return &Engine{policy: policy}
}

// Normalize resolves raw against base and rewrites it into the canonical
// crawl identity: lowercase scheme and host, default port stripped, dot
// segments removed, fragment dropped, query parameters filtered per policy
// and sorted. Non-HTTP schemes and empty or fragment-only links are
// rejected.
func (e *Engine) Normalize(base *url.URL, raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return nil, fmt.Errorf("bad link: %q", raw)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("bad link %q: %w", raw, err)
	}
	if base != nil {
		parsed = base.ResolveReference(parsed)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unaccepted scheme: %q", raw)
	}
	if parsed.Hostname() == "" {
		return nil, fmt.Errorf("no host: %q", raw)
	}

	normalized := *parsed
	normalized.Scheme = strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Hostname())
	port := parsed.Port()
	if port == "80" && normalized.Scheme == "http" || port == "443" && normalized.Scheme == "https" {
		port = ""
	}
	if port != "" {
		normalized.Host = host + ":" + port
	} else {
		normalized.Host = host
	}

	normalized.Path = normalizePath(parsed.EscapedPath())
	normalized.RawPath = ""
	normalized.Fragment = ""
	normalized.RawFragment = ""
	normalized.RawQuery = e.filterQuery(parsed.Query())
	normalized.User = parsed.User

	return &normalized, nil
}

// normalizePath removes RFC 3986 dot segments, preserving path case and a
// trailing slash.
func normalizePath(escaped string) string {
	if escaped == "" {
		return "/"
	}
	cleaned := path.Clean(escaped)
	if cleaned == "." {
		cleaned = "/"
	}
	if strings.HasSuffix(escaped, "/") && !strings.HasSuffix(cleaned, "/") {
		cleaned += "/"
	}
	return cleaned
}

// filterQuery keeps parameters the policy retains, sorted by key then value
// for a stable page identity.
func (e *Engine) filterQuery(query url.Values) string {
	type pair struct{ key, value string }
	var kept []pair
	for key, values := range query {
		if !e.policy.KeepParam(key) {
			continue
		}
		for _, value := range values {
			kept = append(kept, pair{key, value})
		}
	}
	if len(kept) == 0 {
		return ""
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].key != kept[j].key {
			return kept[i].key < kept[j].key
		}
		return kept[i].value < kept[j].value
	})
	var b strings.Builder
	for i, p := range kept {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.value))
	}
	return b.String()
}

// IsAllowed reports whether a normalized URL is inside the boundary.
func (e *Engine) IsAllowed(u *url.URL) bool { return e.policy.IsAllowed(u.String()) }

// IsFrontier reports whether the page is fetched but not expanded.
func (e *Engine) IsFrontier(u *url.URL) bool { return e.policy.IsFrontier(u.String()) }

// Anchor is a raw <a href> found on a page.
type Anchor struct {
	Href     string
	NoFollow bool
}

// ClassifyAnchors turns raw anchors into linkage edges per the boundary
// rules. Self links vanish; in-boundary links become `ahref` edges marked
// for enqueueing; everything else is recorded as external. On a frontier
// page every link is external.
func (e *Engine) ClassifyAnchors(pageURL *url.URL, anchors []Anchor) []Link {
	frontier := e.IsFrontier(pageURL)
	seen := map[string]struct{}{}
	var links []Link
	for _, anchor := range anchors {
		target, err := e.Normalize(pageURL, anchor.Href)
		if err != nil {
			continue
		}
		if target.String() == pageURL.String() {
			continue
		}
		link := e.classify(target, anchor.NoFollow, frontier)
		key := string(link.Reason) + " " + link.URL
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		links = append(links, link)
	}
	return links
}

func (e *Engine) classify(target *url.URL, noFollow, fromFrontier bool) Link {
	if noFollow {
		return Link{Reason: ReasonExtAhrefNoFollow, URL: target.String()}
	}
	if fromFrontier || !e.IsAllowed(target) {
		return Link{Reason: ReasonExtAhref, URL: target.String()}
	}
	return Link{Reason: ReasonAhref, URL: target.String(), Enqueue: true}
}
