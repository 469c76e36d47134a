package lcd

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNullPropagation(t *testing.T) {
	t.Parallel()

	// Every transformer maps nil to nil, except the null tests themselves.
	transformers := []Transformer{
		hashT{}, notT{}, asNumberT{}, asStringT{},
		compareT{op: "greater-than", rhs: 1}, betweenT{low: 0, high: 1},
		equalsNumberT{rhs: 1}, equalsStringT{rhs: "x"},
		inNumbersT{set: []float64{1}}, inStringsT{set: []string{"x"}},
		lengthT{}, isEmptyT{}, getKeyT{key: "k"}, getIdxT{idx: 0},
		flattenT{}, eachT{}, filterT{}, anyAllT{}, sortT{}, sortByT{},
		prettyT{}, captureT{re: mustRe("x")}, allCapturesT{re: mustRe("x")},
		matchesT{re: mustRe("x")}, replaceT{re: mustRe("x"), with: "y"},
	}
	for _, tr := range transformers {
		require.Nil(t, tr.Eval(nil), tr.String())
	}
	require.Equal(t, true, isNullT{}.Eval(nil))
	require.Equal(t, false, isNotNullT{}.Eval(nil))
}

func TestTypeMismatchYieldsNull(t *testing.T) {
	t.Parallel()

	// A non-null value of the wrong type becomes null, not a panic.
	require.Nil(t, notT{}.Eval("not a bool"))
	require.Nil(t, asNumberT{}.Eval(true))
	require.Nil(t, compareT{op: "greater-than", rhs: 1}.Eval("nope"))
	require.Nil(t, getIdxT{idx: 0}.Eval("string"))
	require.Nil(t, prettyT{}.Eval(3.0))
	require.Nil(t, flattenT{}.Eval(42.0))
}

func TestComparisons(t *testing.T) {
	t.Parallel()

	require.Equal(t, true, compareT{op: "greater-than", rhs: 1}.Eval(2.0))
	require.Equal(t, false, compareT{op: "greater-than", rhs: 1}.Eval(1.0))
	require.Equal(t, true, compareT{op: "greater-or-equal", rhs: 1}.Eval(1.0))
	require.Equal(t, true, compareT{op: "lesser-than", rhs: 1}.Eval(0.5))
	require.Equal(t, true, compareT{op: "lesser-or-equal", rhs: 1}.Eval(1.0))
	require.Equal(t, true, betweenT{low: 1, high: 3}.Eval(3.0))
	require.Equal(t, false, betweenT{low: 1, high: 3}.Eval(3.5))
	require.Equal(t, true, equalsNumberT{rhs: 2}.Eval(2.0))
	require.Equal(t, true, equalsStringT{rhs: "a"}.Eval("a"))
	require.Equal(t, true, inNumbersT{set: []float64{1, 2}}.Eval(2.0))
	require.Equal(t, false, inStringsT{set: []string{"a"}}.Eval("b"))
}

func TestCoercions(t *testing.T) {
	t.Parallel()

	require.Equal(t, 12.5, asNumberT{}.Eval(" 12.5 "))
	require.Nil(t, asNumberT{}.Eval("12,5"))
	require.Equal(t, "12.5", asStringT{}.Eval(12.5))
	require.Equal(t, "true", asStringT{}.Eval(true))
}

func TestCollections(t *testing.T) {
	t.Parallel()

	array := []Value{"b", "a", "c"}
	require.Equal(t, 3.0, lengthT{}.Eval(array))
	require.Equal(t, false, isEmptyT{}.Eval(array))
	require.Equal(t, "a", getIdxT{idx: 1}.Eval(array))
	require.Nil(t, getIdxT{idx: 9}.Eval(array))
	require.Equal(t, []Value{"a", "b", "c"}, sortT{}.Eval(array))
	// sort is not in place
	require.Equal(t, []Value{"b", "a", "c"}, array)

	object := map[string]Value{"k": 1.0}
	require.Equal(t, 1.0, getKeyT{key: "k"}.Eval(object))
	require.Nil(t, getKeyT{key: "missing"}.Eval(object))

	nested := []Value{[]Value{1.0}, nil, []Value{2.0, 3.0}}
	require.Equal(t, []Value{1.0, 2.0, 3.0}, flattenT{}.Eval(nested))
}

func TestEachFilterAnyAll(t *testing.T) {
	t.Parallel()

	numbers := []Value{"1", "2", "x"}
	parsed := eachT{inner: TransformerChain{asNumberT{}}}.Eval(numbers)
	require.Equal(t, []Value{1.0, 2.0, nil}, parsed)

	big := filterT{inner: TransformerChain{asNumberT{}, compareT{op: "greater-than", rhs: 1}}}.Eval(numbers)
	require.Equal(t, []Value{"2"}, big)

	require.Equal(t, true, anyAllT{inner: TransformerChain{equalsStringT{rhs: "x"}}}.Eval(numbers))
	require.Equal(t, false, anyAllT{all: true, inner: TransformerChain{equalsStringT{rhs: "x"}}}.Eval(numbers))
	require.Equal(t, true, anyAllT{all: true, inner: TransformerChain{isNotNullT{}}}.Eval(numbers))
}

func TestRegexTransformers(t *testing.T) {
	t.Parallel()

	capture := captureT{re: mustRe(`(?P<major>\d+)\.(\d+)`)}
	result := capture.Eval("v1.23 and v4.56")
	require.Equal(t, map[string]Value{"0": "1.23", "major": "1", "2": "23"}, result)
	require.Nil(t, capture.Eval("no digits"))

	all := allCapturesT{re: mustRe(`(\d+)`)}.Eval("1 and 2")
	require.Equal(t, []Value{
		map[string]Value{"0": "1", "1": "1"},
		map[string]Value{"0": "2", "1": "2"},
	}, all)

	require.Equal(t, true, matchesT{re: mustRe("^h")}.Eval("hello"))
	require.Equal(t, "a-b", replaceT{re: mustRe(`\s+`), with: "-"}.Eval("a  b"))
}

func TestPrettyCollapsesWhitespace(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", prettyT{}.Eval("\n\n\t    \r\r\n\n "))
	require.Equal(t, "a\nb\n", prettyT{}.Eval("\n\na\n\n\t    \r\rb\n\n "))
	require.Equal(t, "a\n", prettyT{}.Eval("\n\n\na\n\t    \r\r\n\n "))
}

func TestHashTransformerIsDeterministic(t *testing.T) {
	t.Parallel()

	a := hashT{}.Eval("payload")
	b := hashT{}.Eval("payload")
	require.Equal(t, a, b)
	require.NotEqual(t, a, hashT{}.Eval("other"))
}

func TestChainTypeChecking(t *testing.T) {
	t.Parallel()

	chain := TransformerChain{asNumberT{}, compareT{op: "greater-than", rhs: 1}}
	typ, err := chain.TypeFor(TypeString)
	require.NoError(t, err)
	require.Equal(t, KindBool, typ.Kind)

	_, err = TransformerChain{notT{}}.TypeFor(TypeString)
	require.Error(t, err)

	_, err = TransformerChain{eachT{inner: TransformerChain{notT{}}}}.TypeFor(ArrayOf(TypeNumber))
	require.Error(t, err)
}

func TestSortBy(t *testing.T) {
	t.Parallel()

	people := []Value{
		map[string]Value{"name": "b", "age": 2.0},
		map[string]Value{"name": "a", "age": 1.0},
	}
	sorted := sortByT{key: TransformerChain{getKeyT{key: "age"}}}.Eval(people)
	require.Equal(t, "a", sorted.([]Value)[0].(map[string]Value)["name"])
}

func mustRe(pattern string) *regexp.Regexp {
	return regexp.MustCompile(pattern)
}
