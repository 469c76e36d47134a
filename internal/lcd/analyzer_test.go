package lcd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func analyze(t *testing.T, src, html string) map[string]Value {
	t.Helper()
	directives, err := Compile(src, nil)
	require.NoError(t, err)
	analyzer := NewAnalyzer(directives, nil)
	return analyzer.Analyze("https://example.com/", ParseDocument(html))
}

func TestFirstText(t *testing.T) {
	t.Parallel()

	results := analyze(t,
		`select h1 { t: first(text); }`,
		`<html><body><h1>Hello</h1><h1>World</h1></body></html>`,
	)
	require.Equal(t, "Hello", results["t"])
}

func TestExplodingCollect(t *testing.T) {
	t.Parallel()

	results := analyze(t,
		`select ul { items: collect(select-all(text, "li")!explode); }`,
		`<html><body><ul><li>a</li><li>b</li></ul></body></html>`,
	)
	require.Equal(t, []Value{"a", "b"}, results["items"])
}

func TestCountAndSum(t *testing.T) {
	t.Parallel()

	results := analyze(t,
		`select td {
			n: count;
			big: count(text as-number greater-than 10);
			total: sum(text as-number);
		}`,
		`<table><tr><td>5</td><td>15</td><td>x</td></tr></table>`,
	)
	require.Equal(t, 3.0, results["n"])
	require.Equal(t, 1.0, results["big"])
	require.Equal(t, 20.0, results["total"])
}

func TestDistinctIsStable(t *testing.T) {
	t.Parallel()

	results := analyze(t,
		`select li { tags: distinct(text); }`,
		`<ul><li>b</li><li>a</li><li>b</li></ul>`,
	)
	require.Equal(t, []Value{"b", "a"}, results["tags"])
}

func TestGroup(t *testing.T) {
	t.Parallel()

	results := analyze(t,
		`select li { by-kind: group(attr "data-kind", count); }`,
		`<ul>
			<li data-kind="x">1</li>
			<li data-kind="y">2</li>
			<li data-kind="x">3</li>
			<li>untagged</li>
		</ul>`,
	)
	require.Equal(t, map[string]Value{"x": 2.0, "y": 1.0}, results["by-kind"])
}

func TestSelectInScopesRuleSet(t *testing.T) {
	t.Parallel()

	directives, err := Compile(`select in "^https://other\.com/" h1 { t: first(text); }`, nil)
	require.NoError(t, err)
	analyzer := NewAnalyzer(directives, nil)
	results := analyzer.Analyze("https://example.com/", ParseDocument("<h1>Hi</h1>"))
	require.NotContains(t, results, "t")
}

func TestStructuralExtractors(t *testing.T) {
	t.Parallel()

	results := analyze(t,
		`select span.price {
			container: first(parent(name));
			siblings: first(parent(children(name)));
		}`,
		`<div><em>a</em><span class="price">9</span></div>`,
	)
	require.Equal(t, "div", results["container"])
	require.Equal(t, []Value{"em", "span"}, results["siblings"])
}

func TestAttrsClassesAndID(t *testing.T) {
	t.Parallel()

	results := analyze(t,
		`select a {
			attrs: first(attrs);
			classes: first(classes);
			id: first(id);
			missing: first(attr "rel");
		}`,
		`<a id="x" class="big red" href="/y">link</a>`,
	)
	require.Equal(t, map[string]Value{"id": "x", "class": "big red", "href": "/y"}, results["attrs"])
	require.Equal(t, []Value{"big", "red"}, results["classes"])
	require.Equal(t, "x", results["id"])
	require.Nil(t, results["missing"])
}

func TestAnalyzerIsTotalOnEmptyAndMalformedHTML(t *testing.T) {
	t.Parallel()

	src := `select h1 { t: first(text); n: count; }`
	for _, html := range []string{"", "<<<%%% not html", "<h1>ok"} {
		results := analyze(t, src, html)
		require.Contains(t, results, "t")
		require.Contains(t, results, "n")
	}
}

func TestFirstSkipsNulls(t *testing.T) {
	t.Parallel()

	results := analyze(t,
		`select li { v: first(attr "data-v"); }`,
		`<ul><li>no attr</li><li data-v="42">yes</li></ul>`,
	)
	require.Equal(t, "42", results["v"])
}

func TestMissingDataIsNullNotError(t *testing.T) {
	t.Parallel()

	results := analyze(t,
		`select p { v: first(attr "missing" as-number greater-than 3); }`,
		`<p>text</p>`,
	)
	require.Nil(t, results["v"])
}
