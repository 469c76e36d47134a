package boundary

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lopezworks/lopez/internal/lcd"
)

func compilePolicy(t *testing.T, src string) *Engine {
	t.Helper()
	directives, err := lcd.Compile(src, nil)
	require.NoError(t, err)
	return New(directives.Boundary)
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestNormalizeBasics(t *testing.T) {
	t.Parallel()

	e := compilePolicy(t, ``)
	cases := []struct {
		raw, want string
	}{
		{"HTTPS://Example.COM/Path", "https://example.com/Path"},
		{"https://example.com:443/x", "https://example.com/x"},
		{"http://example.com:80/x", "http://example.com/x"},
		{"http://example.com:8080/x", "http://example.com:8080/x"},
		{"https://example.com/a/../b", "https://example.com/b"},
		{"https://example.com/a/./b/", "https://example.com/a/b/"},
		{"https://example.com/x#frag", "https://example.com/x"},
		{"https://example.com", "https://example.com/"},
		{"https://example.com/?utm=1", "https://example.com/"},
	}
	for _, c := range cases {
		got, err := e.Normalize(nil, c.raw)
		require.NoError(t, err, c.raw)
		require.Equal(t, c.want, got.String(), c.raw)
	}
}

func TestNormalizeRejectsJunk(t *testing.T) {
	t.Parallel()

	e := compilePolicy(t, ``)
	base := mustParse(t, "https://example.com/page")
	for _, raw := range []string{"", "#section", "mailto:a@b.c", "ftp://x/", "javascript:void(0)"} {
		_, err := e.Normalize(base, raw)
		require.Error(t, err, raw)
	}
}

func TestNormalizeResolvesRelative(t *testing.T) {
	t.Parallel()

	e := compilePolicy(t, ``)
	base := mustParse(t, "https://example.com/a/b")
	got, err := e.Normalize(base, "../c")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/c", got.String())
}

func TestParamFilteringAndSorting(t *testing.T) {
	t.Parallel()

	e := compilePolicy(t, `use param "q"; use param "page";`)
	got, err := e.Normalize(nil, "https://example.com/s?utm=x&q=term&page=2")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/s?page=2&q=term", got.String())

	// Identity is stable no matter the original parameter order.
	other, err := e.Normalize(nil, "https://example.com/s?page=2&utm=y&q=term")
	require.NoError(t, err)
	require.Equal(t, got.String(), other.String())
}

func TestClassifyAnchors(t *testing.T) {
	t.Parallel()

	e := compilePolicy(t, `allow "^https?://a\.com/";`)
	page := mustParse(t, "https://a.com/")
	links := e.ClassifyAnchors(page, []Anchor{
		{Href: "/inside"},
		{Href: "https://b.com/"},
		{Href: "https://a.com/nofollow", NoFollow: true},
		{Href: "https://a.com/"}, // self
		{Href: "/inside"},        // duplicate
	})
	require.Equal(t, []Link{
		{Reason: ReasonAhref, URL: "https://a.com/inside", Enqueue: true},
		{Reason: ReasonExtAhref, URL: "https://b.com/"},
		{Reason: ReasonExtAhrefNoFollow, URL: "https://a.com/nofollow"},
	}, links)
}

func TestFrontierPageLinksAreExternal(t *testing.T) {
	t.Parallel()

	e := compilePolicy(t, `
		allow "^https?://a\.com/";
		frontier "^https?://a\.com/leaf/";
	`)
	page := mustParse(t, "https://a.com/leaf/x")
	links := e.ClassifyAnchors(page, []Anchor{{Href: "/elsewhere"}})
	require.Equal(t, []Link{{Reason: ReasonExtAhref, URL: "https://a.com/elsewhere"}}, links)
}

func TestDisallowBeatsAllow(t *testing.T) {
	t.Parallel()

	e := compilePolicy(t, `
		allow "^https?://a\.com/";
		disallow "/private/";
	`)
	page := mustParse(t, "https://a.com/")
	links := e.ClassifyAnchors(page, []Anchor{{Href: "/private/x"}})
	require.Equal(t, []Link{{Reason: ReasonExtAhref, URL: "https://a.com/private/x"}}, links)
}
