package lcd

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type mapResolver map[string]string

func (m mapResolver) Resolve(path string) (string, error) {
	src, ok := m[path]
	if !ok {
		return "", fmt.Errorf("module %q not found", path)
	}
	return src, nil
}

func TestCompileCollectsEverything(t *testing.T) {
	t.Parallel()

	directives, err := Compile(`
		allow "^https?://example\.com/";
		seed "https://example.com/";
		set quota = 10;
		set max_hits_per_sec = 1.5;
		select h1 { title: first(text); }
	`, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/"}, directives.Seeds)
	require.Equal(t, 10, directives.Variables.Quota())
	require.Equal(t, 1.5, directives.Variables.MaxHitsPerSec())
	require.Equal(t, []string{"title"}, directives.RuleNames())
	require.Equal(t, KindString, directives.RuleTypes["title"].Kind)
}

func TestCompileDefaults(t *testing.T) {
	t.Parallel()

	directives, err := Compile(``, nil)
	require.NoError(t, err)
	v := directives.Variables
	require.Equal(t, 1000, v.Quota())
	require.Equal(t, 7, v.MaxDepth())
	require.Equal(t, 64, v.BatchSize())
	require.Equal(t, 2.5, v.MaxHitsPerSec())
	require.Equal(t, 60*time.Second, v.RequestTimeout())
	require.Equal(t, 10_000_000, v.MaxBodySize())
	require.True(t, v.EnablePageRank())
	require.Equal(t, DefaultUserAgent(), v.UserAgent())
}

func TestCompileUnknownVariable(t *testing.T) {
	t.Parallel()

	_, err := Compile(`set warp_speed = 9;`, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown variable")
}

func TestCompileBadVariableValues(t *testing.T) {
	t.Parallel()

	for _, src := range []string{
		`set quota = -1;`,
		`set quota = "many";`,
		`set batch_size = 0;`,
		`set max_hits_per_sec = 0;`,
		`set request_timeout = -2.5;`,
		`set user_agent = 5;`,
		`set max_body_size = 0;`,
	} {
		_, err := Compile(src, nil)
		require.Error(t, err, src)
	}
}

func TestCompileDuplicateRuleAcrossRuleSets(t *testing.T) {
	t.Parallel()

	_, err := Compile(`
		select h1 { t: first(text); }
		select h2 { t: first(text); }
	`, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "more than once")
}

func TestCompileTypeErrors(t *testing.T) {
	t.Parallel()

	// `sum` over a string expression has no meaning.
	_, err := Compile(`select td { total: sum(text); }`, nil)
	require.Error(t, err)

	// `count(ee)` wants a boolean expression.
	_, err = Compile(`select td { n: count(text); }`, nil)
	require.Error(t, err)

	// `group` wants a string key.
	_, err = Compile(`select td { g: group(text as-number, count); }`, nil)
	require.Error(t, err)
}

func TestCompileSeedOutsideBoundary(t *testing.T) {
	t.Parallel()

	_, err := Compile(`
		allow "^https?://a\.com/";
		seed "https://b.com/";
	`, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "outside the crawl boundary")
}

func TestCompileSeedOnFrontier(t *testing.T) {
	t.Parallel()

	_, err := Compile(`
		allow "^https?://a\.com/";
		frontier "^https?://a\.com/leaf/";
		seed "https://a.com/leaf/x";
	`, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "frontier")
}

func TestImportsUnionItems(t *testing.T) {
	t.Parallel()

	resolver := mapResolver{
		"std.seo": `select title { page-title: first(text); }`,
	}
	directives, err := Compile(`
		import "std.seo";
		allow "^https?://example\.com/";
		seed "https://example.com/";
	`, resolver)
	require.NoError(t, err)
	require.Equal(t, []string{"page-title"}, directives.RuleNames())
}

func TestImportCycleIsDetected(t *testing.T) {
	t.Parallel()

	resolver := mapResolver{
		"a": `import "b";`,
		"b": `import "a";`,
	}
	_, err := Compile(`import "a";`, resolver)
	require.Error(t, err)
	require.Contains(t, err.Error(), "import cycle")
}

func TestImportDiamondLoadsOnce(t *testing.T) {
	t.Parallel()

	resolver := mapResolver{
		"a":      `import "shared";`,
		"b":      `import "shared";`,
		"shared": `select h1 { t: first(text); }`,
	}
	directives, err := Compile(`import "a"; import "b";`, resolver)
	require.NoError(t, err)
	require.Equal(t, []string{"t"}, directives.RuleNames())
}

func TestBoundaryPolicy(t *testing.T) {
	t.Parallel()

	directives, err := Compile(`
		allow "^https?://a\.com/";
		disallow "\.pdf$";
		frontier "^https?://b\.com/";
	`, nil)
	require.NoError(t, err)
	b := directives.Boundary
	require.True(t, b.IsAllowed("https://a.com/page"))
	require.False(t, b.IsAllowed("https://a.com/doc.pdf"))
	require.False(t, b.IsAllowed("https://c.com/"))
	require.True(t, b.IsAllowed("https://b.com/x"))
	require.True(t, b.IsFrontier("https://b.com/x"))
	require.False(t, b.IsFrontier("https://a.com/page"))
}

func TestParamPolicy(t *testing.T) {
	t.Parallel()

	directives, err := Compile(`use param "page"; use param "q"; ignore param "page";`, nil)
	require.NoError(t, err)
	b := directives.Boundary
	require.True(t, b.KeepParam("q"))
	require.False(t, b.KeepParam("page"))
	require.False(t, b.KeepParam("utm_source"))

	all, err := Compile(`use param "*"; ignore param "session";`, nil)
	require.NoError(t, err)
	require.True(t, all.Boundary.KeepParam("anything"))
	require.False(t, all.Boundary.KeepParam("session"))
}
