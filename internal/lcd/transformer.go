package lcd

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/lopezworks/lopez/internal/hash"
)

// Transformer is a pure Value -> Value step. Eval must be total: a type
// mismatch or a missing operand yields nil, never a panic that escapes the
// analyzer.
type Transformer interface {
	fmt.Stringer
	// TypeFor computes the output type for a given input type, or an error
	// when the transformer cannot accept it.
	TypeFor(input Type) (Type, error)
	Eval(v Value) Value
}

// TransformerChain applies transformers left to right.
type TransformerChain []Transformer

func (c TransformerChain) IsEmpty() bool { return len(c) == 0 }

func (c TransformerChain) String() string {
	parts := make([]string, len(c))
	for i, t := range c {
		parts[i] = t.String()
	}
	return strings.Join(parts, " ")
}

func (c TransformerChain) TypeFor(input Type) (Type, error) {
	typ := input
	for _, t := range c {
		var err error
		typ, err = t.TypeFor(typ)
		if err != nil {
			return Type{}, err
		}
	}
	return typ, nil
}

func (c TransformerChain) Eval(v Value) Value {
	for _, t := range c {
		v = t.Eval(v)
	}
	return v
}

func typeError(t Transformer, input Type) error {
	return fmt.Errorf("`%s` cannot be applied to %s", t, input)
}

// collapseWhitespace squeezes each line of text down to single spaces and
// drops blank lines, keeping one trailing newline when anything remains.
func collapseWhitespace(in string) string {
	var out strings.Builder
	for _, line := range strings.Split(in, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		out.WriteString(strings.Join(fields, " "))
		out.WriteString("\n")
	}
	return out.String()
}

// captureObject renders a regexp match into {name-or-index: text}.
func captureObject(re *regexp.Regexp, match []string) map[string]Value {
	object := make(map[string]Value, len(match))
	for i, name := range re.SubexpNames() {
		if i >= len(match) {
			break
		}
		key := name
		if key == "" {
			key = strconv.Itoa(i)
		}
		object[key] = match[i]
	}
	return object
}

// IsNull / IsNotNull

type isNullT struct{}

func (isNullT) String() string             { return "is-null" }
func (isNullT) TypeFor(Type) (Type, error) { return TypeBool, nil }
func (isNullT) Eval(v Value) Value         { return v == nil }

type isNotNullT struct{}

func (isNotNullT) String() string             { return "is-not-null" }
func (isNotNullT) TypeFor(Type) (Type, error) { return TypeBool, nil }
func (isNotNullT) Eval(v Value) Value         { return v != nil }

// Hash

type hashT struct{}

func (hashT) String() string { return "hash" }

func (hashT) TypeFor(Type) (Type, error) { return TypeNumber, nil }

func (hashT) Eval(v Value) Value {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return float64(hash.Sum64(val))
	default:
		return float64(hash.Sum64(canonicalJSON(val)))
	}
}

// Not

type notT struct{}

func (notT) String() string { return "not" }

func (t notT) TypeFor(input Type) (Type, error) {
	if input.Kind == KindBool || input.Kind == KindAny {
		return TypeBool, nil
	}
	return Type{}, typeError(t, input)
}

func (notT) Eval(v Value) Value {
	b, ok := v.(bool)
	if !ok {
		return nil
	}
	return !b
}

// AsNumber / AsString

type asNumberT struct{}

func (asNumberT) String() string { return "as-number" }

func (t asNumberT) TypeFor(input Type) (Type, error) {
	if input.Kind == KindString || input.Kind == KindAny {
		return TypeNumber, nil
	}
	return Type{}, typeError(t, input)
}

func (asNumberT) Eval(v Value) Value {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil
	}
	return f
}

type asStringT struct{}

func (asStringT) String() string { return "as-string" }

func (t asStringT) TypeFor(input Type) (Type, error) {
	switch input.Kind {
	case KindBool, KindNumber, KindString, KindAny:
		return TypeString, nil
	}
	return Type{}, typeError(t, input)
}

func (asStringT) Eval(v Value) Value {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	default:
		if f, ok := asF64(v); ok {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		return nil
	}
}

// Numeric comparisons. The right-hand operand is baked in at compile time.

type compareT struct {
	op  string // "greater-than", "lesser-than", "greater-or-equal", "lesser-or-equal"
	rhs float64
}

func (t compareT) String() string { return fmt.Sprintf("%s %v", t.op, t.rhs) }

func (t compareT) TypeFor(input Type) (Type, error) {
	if input.Kind == KindNumber || input.Kind == KindAny {
		return TypeBool, nil
	}
	return Type{}, typeError(t, input)
}

func (t compareT) Eval(v Value) Value {
	lhs, ok := asF64(v)
	if !ok {
		return nil
	}
	switch t.op {
	case "greater-than":
		return lhs > t.rhs
	case "lesser-than":
		return lhs < t.rhs
	case "greater-or-equal":
		return lhs >= t.rhs
	default:
		return lhs <= t.rhs
	}
}

type betweenT struct {
	low, high float64
}

func (t betweenT) String() string { return fmt.Sprintf("between %v and %v", t.low, t.high) }

func (t betweenT) TypeFor(input Type) (Type, error) {
	if input.Kind == KindNumber || input.Kind == KindAny {
		return TypeBool, nil
	}
	return Type{}, typeError(t, input)
}

func (t betweenT) Eval(v Value) Value {
	lhs, ok := asF64(v)
	if !ok {
		return nil
	}
	return lhs >= t.low && lhs <= t.high
}

type equalsNumberT struct {
	rhs float64
}

func (t equalsNumberT) String() string { return fmt.Sprintf("equals %v", t.rhs) }

func (t equalsNumberT) TypeFor(input Type) (Type, error) {
	if input.Kind == KindNumber || input.Kind == KindAny {
		return TypeBool, nil
	}
	return Type{}, typeError(t, input)
}

func (t equalsNumberT) Eval(v Value) Value {
	lhs, ok := asF64(v)
	if !ok {
		return nil
	}
	return lhs == t.rhs
}

type equalsStringT struct {
	rhs string
}

func (t equalsStringT) String() string { return "equals " + quoteLCD(t.rhs) }

func (t equalsStringT) TypeFor(input Type) (Type, error) {
	if input.Kind == KindString || input.Kind == KindAny {
		return TypeBool, nil
	}
	return Type{}, typeError(t, input)
}

func (t equalsStringT) Eval(v Value) Value {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return s == t.rhs
}

type inNumbersT struct {
	set []float64
}

func (t inNumbersT) String() string {
	parts := make([]string, len(t.set))
	for i, n := range t.set {
		parts[i] = strconv.FormatFloat(n, 'f', -1, 64)
	}
	return fmt.Sprintf("in [%s]", strings.Join(parts, ", "))
}

func (t inNumbersT) TypeFor(input Type) (Type, error) {
	if input.Kind == KindNumber || input.Kind == KindAny {
		return TypeBool, nil
	}
	return Type{}, typeError(t, input)
}

func (t inNumbersT) Eval(v Value) Value {
	lhs, ok := asF64(v)
	if !ok {
		return nil
	}
	for _, rhs := range t.set {
		if lhs == rhs {
			return true
		}
	}
	return false
}

type inStringsT struct {
	set []string
}

func (t inStringsT) String() string {
	parts := make([]string, len(t.set))
	for i, s := range t.set {
		parts[i] = quoteLCD(s)
	}
	return fmt.Sprintf("in [%s]", strings.Join(parts, ", "))
}

func (t inStringsT) TypeFor(input Type) (Type, error) {
	if input.Kind == KindString || input.Kind == KindAny {
		return TypeBool, nil
	}
	return Type{}, typeError(t, input)
}

func (t inStringsT) Eval(v Value) Value {
	lhs, ok := v.(string)
	if !ok {
		return nil
	}
	for _, rhs := range t.set {
		if lhs == rhs {
			return true
		}
	}
	return false
}

// Collections

type lengthT struct{}

func (lengthT) String() string { return "length" }

func (t lengthT) TypeFor(input Type) (Type, error) {
	switch input.Kind {
	case KindString, KindArray, KindMap, KindAny:
		return TypeNumber, nil
	}
	return Type{}, typeError(t, input)
}

func (lengthT) Eval(v Value) Value {
	switch val := v.(type) {
	case string:
		return float64(len(val))
	case []Value:
		return float64(len(val))
	case map[string]Value:
		return float64(len(val))
	default:
		return nil
	}
}

type isEmptyT struct{}

func (isEmptyT) String() string { return "is-empty" }

func (t isEmptyT) TypeFor(input Type) (Type, error) {
	switch input.Kind {
	case KindString, KindArray, KindMap, KindAny:
		return TypeBool, nil
	}
	return Type{}, typeError(t, input)
}

func (isEmptyT) Eval(v Value) Value {
	switch val := v.(type) {
	case string:
		return len(val) == 0
	case []Value:
		return len(val) == 0
	case map[string]Value:
		return len(val) == 0
	default:
		return nil
	}
}

type getKeyT struct {
	key string
}

func (t getKeyT) String() string { return "get " + quoteLCD(t.key) }

func (t getKeyT) TypeFor(input Type) (Type, error) {
	switch input.Kind {
	case KindMap:
		return *input.Elem, nil
	case KindAny:
		return TypeAny, nil
	}
	return Type{}, typeError(t, input)
}

func (t getKeyT) Eval(v Value) Value {
	object, ok := v.(map[string]Value)
	if !ok {
		return nil
	}
	return object[t.key]
}

type getIdxT struct {
	idx int
}

func (t getIdxT) String() string { return fmt.Sprintf("get %d", t.idx) }

func (t getIdxT) TypeFor(input Type) (Type, error) {
	switch input.Kind {
	case KindArray:
		return *input.Elem, nil
	case KindAny:
		return TypeAny, nil
	}
	return Type{}, typeError(t, input)
}

func (t getIdxT) Eval(v Value) Value {
	array, ok := v.([]Value)
	if !ok || t.idx < 0 || t.idx >= len(array) {
		return nil
	}
	return array[t.idx]
}

type flattenT struct{}

func (flattenT) String() string { return "flatten" }

func (t flattenT) TypeFor(input Type) (Type, error) {
	if input.Kind == KindAny {
		return TypeAny, nil
	}
	if input.Kind == KindArray && input.Elem.Kind == KindArray {
		return *input.Elem, nil
	}
	if input.Kind == KindArray && input.Elem.Kind == KindAny {
		return input, nil
	}
	return Type{}, typeError(t, input)
}

func (flattenT) Eval(v Value) Value {
	array, ok := v.([]Value)
	if !ok {
		return nil
	}
	var flat []Value
	for _, element := range array {
		switch inner := element.(type) {
		case []Value:
			flat = append(flat, inner...)
		case nil:
			// nulls vanish on flatten
		default:
			return nil
		}
	}
	if flat == nil {
		flat = []Value{}
	}
	return flat
}

type eachT struct {
	inner TransformerChain
}

func (t eachT) String() string { return fmt.Sprintf("each(%s)", t.inner) }

func (t eachT) TypeFor(input Type) (Type, error) {
	switch input.Kind {
	case KindArray:
		elem, err := t.inner.TypeFor(*input.Elem)
		if err != nil {
			return Type{}, err
		}
		return ArrayOf(elem), nil
	case KindMap:
		elem, err := t.inner.TypeFor(*input.Elem)
		if err != nil {
			return Type{}, err
		}
		return MapOf(elem), nil
	case KindAny:
		return TypeAny, nil
	}
	return Type{}, typeError(t, input)
}

func (t eachT) Eval(v Value) Value {
	switch val := v.(type) {
	case []Value:
		mapped := make([]Value, len(val))
		for i, element := range val {
			mapped[i] = t.inner.Eval(element)
		}
		return mapped
	case map[string]Value:
		mapped := make(map[string]Value, len(val))
		for key, element := range val {
			mapped[key] = t.inner.Eval(element)
		}
		return mapped
	default:
		return nil
	}
}

type filterT struct {
	inner TransformerChain
}

func (t filterT) String() string { return fmt.Sprintf("filter(%s)", t.inner) }

func (t filterT) TypeFor(input Type) (Type, error) {
	switch input.Kind {
	case KindArray, KindMap:
		predicate, err := t.inner.TypeFor(*input.Elem)
		if err != nil {
			return Type{}, err
		}
		if predicate.Kind != KindBool && predicate.Kind != KindAny {
			return Type{}, fmt.Errorf("`%s` expected a bool predicate, got %s", t, predicate)
		}
		return input, nil
	case KindAny:
		return TypeAny, nil
	}
	return Type{}, typeError(t, input)
}

func (t filterT) Eval(v Value) Value {
	truthy := func(element Value) bool {
		kept, ok := t.inner.Eval(element).(bool)
		return ok && kept
	}
	switch val := v.(type) {
	case []Value:
		kept := []Value{}
		for _, element := range val {
			if truthy(element) {
				kept = append(kept, element)
			}
		}
		return kept
	case map[string]Value:
		kept := map[string]Value{}
		for key, element := range val {
			if truthy(element) {
				kept[key] = element
			}
		}
		return kept
	default:
		return nil
	}
}

type anyAllT struct {
	all   bool
	inner TransformerChain
}

func (t anyAllT) String() string {
	if t.all {
		return fmt.Sprintf("all(%s)", t.inner)
	}
	return fmt.Sprintf("any(%s)", t.inner)
}

func (t anyAllT) TypeFor(input Type) (Type, error) {
	switch input.Kind {
	case KindArray:
		predicate, err := t.inner.TypeFor(*input.Elem)
		if err != nil {
			return Type{}, err
		}
		if predicate.Kind != KindBool && predicate.Kind != KindAny {
			return Type{}, fmt.Errorf("`%s` expected a bool predicate, got %s", t, predicate)
		}
		return TypeBool, nil
	case KindAny:
		return TypeBool, nil
	}
	return Type{}, typeError(t, input)
}

func (t anyAllT) Eval(v Value) Value {
	array, ok := v.([]Value)
	if !ok {
		return nil
	}
	for _, element := range array {
		kept, ok := t.inner.Eval(element).(bool)
		matched := ok && kept
		if t.all && !matched {
			return false
		}
		if !t.all && matched {
			return true
		}
	}
	return t.all
}

type sortT struct{}

func (sortT) String() string { return "sort" }

func (t sortT) TypeFor(input Type) (Type, error) {
	if input.Kind == KindAny {
		return TypeAny, nil
	}
	if input.Kind == KindArray && !input.Elem.IsMap() {
		return input, nil
	}
	return Type{}, typeError(t, input)
}

func (sortT) Eval(v Value) Value {
	array, ok := v.([]Value)
	if !ok {
		return nil
	}
	sorted := make([]Value, len(array))
	copy(sorted, array)
	sortValues(sorted)
	return sorted
}

type sortByT struct {
	key TransformerChain
}

func (t sortByT) String() string { return fmt.Sprintf("sort-by(%s)", t.key) }

func (t sortByT) TypeFor(input Type) (Type, error) {
	if input.Kind == KindAny {
		return TypeAny, nil
	}
	if input.Kind == KindArray {
		keyType, err := t.key.TypeFor(*input.Elem)
		if err != nil {
			return Type{}, err
		}
		if keyType.IsMap() {
			return Type{}, fmt.Errorf("`%s` cannot sort by a map key", t)
		}
		return input, nil
	}
	return Type{}, typeError(t, input)
}

func (t sortByT) Eval(v Value) Value {
	array, ok := v.([]Value)
	if !ok {
		return nil
	}
	sorted := make([]Value, len(array))
	copy(sorted, array)
	sort.SliceStable(sorted, func(i, j int) bool {
		return compareValues(t.key.Eval(sorted[i]), t.key.Eval(sorted[j])) < 0
	})
	return sorted
}

// Strings and regexes

type prettyT struct{}

func (prettyT) String() string { return "pretty" }

func (t prettyT) TypeFor(input Type) (Type, error) {
	if input.Kind == KindString || input.Kind == KindAny {
		return TypeString, nil
	}
	return Type{}, typeError(t, input)
}

func (prettyT) Eval(v Value) Value {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return collapseWhitespace(s)
}

type captureT struct {
	re *regexp.Regexp
}

func (t captureT) String() string { return "capture " + quoteLCD(t.re.String()) }

func (t captureT) TypeFor(input Type) (Type, error) {
	if input.Kind == KindString || input.Kind == KindAny {
		return MapOf(TypeString), nil
	}
	return Type{}, typeError(t, input)
}

func (t captureT) Eval(v Value) Value {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	match := t.re.FindStringSubmatch(s)
	if match == nil {
		return nil
	}
	return captureObject(t.re, match)
}

type allCapturesT struct {
	re *regexp.Regexp
}

func (t allCapturesT) String() string { return "all-captures " + quoteLCD(t.re.String()) }

func (t allCapturesT) TypeFor(input Type) (Type, error) {
	if input.Kind == KindString || input.Kind == KindAny {
		return ArrayOf(MapOf(TypeString)), nil
	}
	return Type{}, typeError(t, input)
}

func (t allCapturesT) Eval(v Value) Value {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	matches := t.re.FindAllStringSubmatch(s, -1)
	captures := make([]Value, 0, len(matches))
	for _, match := range matches {
		captures = append(captures, captureObject(t.re, match))
	}
	return captures
}

type matchesT struct {
	re *regexp.Regexp
}

func (t matchesT) String() string { return "matches " + quoteLCD(t.re.String()) }

func (t matchesT) TypeFor(input Type) (Type, error) {
	if input.Kind == KindString || input.Kind == KindAny {
		return TypeBool, nil
	}
	return Type{}, typeError(t, input)
}

func (t matchesT) Eval(v Value) Value {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return t.re.MatchString(s)
}

type replaceT struct {
	re   *regexp.Regexp
	with string
}

func (t replaceT) String() string {
	return "replace " + quoteLCD(t.re.String()) + " with " + quoteLCD(t.with)
}

func (t replaceT) TypeFor(input Type) (Type, error) {
	if input.Kind == KindString || input.Kind == KindAny {
		return TypeString, nil
	}
	return Type{}, typeError(t, input)
}

func (t replaceT) Eval(v Value) Value {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return t.re.ReplaceAllString(s, t.with)
}
