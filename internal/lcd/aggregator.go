package lcd

import (
	"fmt"
	"sort"

	"github.com/PuerkitoBio/goquery"
)

// Aggregator folds a node set into a single Value. Each page gets a fresh
// state per rule; states are never shared across pages.
type Aggregator interface {
	fmt.Stringer
	TypeOf() (Type, error)
	NewState() AggregatorState
}

// AggregatorState accumulates one node at a time and finalizes to a Value.
type AggregatorState interface {
	Aggregate(sel *goquery.Selection)
	Finalize() Value
}

// AggregatorExpression is an aggregator followed by a transformer chain
// applied to the folded result.
type AggregatorExpression struct {
	Aggregator   Aggregator
	Transformers TransformerChain
}

func (a *AggregatorExpression) String() string {
	if a.Transformers.IsEmpty() {
		return a.Aggregator.String()
	}
	return a.Aggregator.String() + " " + a.Transformers.String()
}

func (a *AggregatorExpression) TypeOf() (Type, error) {
	typ, err := a.Aggregator.TypeOf()
	if err != nil {
		return Type{}, err
	}
	return a.Transformers.TypeFor(typ)
}

// NewState wraps the aggregator state with the trailing transformers.
func (a *AggregatorExpression) NewState() *ExpressionState {
	return &ExpressionState{
		state:        a.Aggregator.NewState(),
		transformers: a.Transformers,
	}
}

// ExpressionState pairs an aggregator state with its finalizing chain.
type ExpressionState struct {
	state        AggregatorState
	transformers TransformerChain
}

func (s *ExpressionState) Aggregate(sel *goquery.Selection) {
	s.state.Aggregate(sel)
}

func (s *ExpressionState) Finalize() Value {
	return s.transformers.Eval(s.state.Finalize())
}

// count

type countAgg struct{}

func (countAgg) String() string        { return "count" }
func (countAgg) TypeOf() (Type, error) { return TypeNumber, nil }
func (countAgg) NewState() AggregatorState {
	return &countState{}
}

type countState struct {
	n int
}

func (s *countState) Aggregate(*goquery.Selection) { s.n++ }
func (s *countState) Finalize() Value              { return float64(s.n) }

// count(ee) counts true results of a boolean expression.

type countNotNullAgg struct {
	ee *ExplodingExtractorExpression
}

func (a countNotNullAgg) String() string { return fmt.Sprintf("count(%s)", a.ee) }

func (a countNotNullAgg) TypeOf() (Type, error) {
	typ, err := a.ee.TypeOf()
	if err != nil {
		return Type{}, err
	}
	if typ.Kind != KindBool && typ.Kind != KindAny {
		return Type{}, fmt.Errorf("`%s` expected a bool expression, got %s", a, typ)
	}
	return TypeNumber, nil
}

func (a countNotNullAgg) NewState() AggregatorState {
	return &countNotNullState{ee: a.ee}
}

type countNotNullState struct {
	ee *ExplodingExtractorExpression
	n  int
}

func (s *countNotNullState) Aggregate(sel *goquery.Selection) {
	for _, value := range s.ee.ExtractAll(sel) {
		if matched, ok := value.(bool); ok && matched {
			s.n++
		}
	}
}

func (s *countNotNullState) Finalize() Value { return float64(s.n) }

// first

type firstAgg struct {
	ee *ExplodingExtractorExpression
}

func (a firstAgg) String() string        { return fmt.Sprintf("first(%s)", a.ee) }
func (a firstAgg) TypeOf() (Type, error) { return a.ee.TypeOf() }
func (a firstAgg) NewState() AggregatorState {
	return &firstState{ee: a.ee}
}

type firstState struct {
	ee    *ExplodingExtractorExpression
	value Value
}

func (s *firstState) Aggregate(sel *goquery.Selection) {
	if s.value != nil {
		return
	}
	for _, value := range s.ee.ExtractAll(sel) {
		if value != nil {
			s.value = value
			return
		}
	}
}

func (s *firstState) Finalize() Value { return s.value }

// collect

type collectAgg struct {
	ee *ExplodingExtractorExpression
}

func (a collectAgg) String() string { return fmt.Sprintf("collect(%s)", a.ee) }

func (a collectAgg) TypeOf() (Type, error) {
	elem, err := a.ee.TypeOf()
	if err != nil {
		return Type{}, err
	}
	return ArrayOf(elem), nil
}

func (a collectAgg) NewState() AggregatorState {
	return &collectState{ee: a.ee, values: []Value{}}
}

type collectState struct {
	ee     *ExplodingExtractorExpression
	values []Value
}

func (s *collectState) Aggregate(sel *goquery.Selection) {
	s.values = append(s.values, s.ee.ExtractAll(sel)...)
}

func (s *collectState) Finalize() Value { return s.values }

// distinct, stable by first occurrence

type distinctAgg struct {
	ee *ExplodingExtractorExpression
}

func (a distinctAgg) String() string { return fmt.Sprintf("distinct(%s)", a.ee) }

func (a distinctAgg) TypeOf() (Type, error) {
	elem, err := a.ee.TypeOf()
	if err != nil {
		return Type{}, err
	}
	return ArrayOf(elem), nil
}

func (a distinctAgg) NewState() AggregatorState {
	return &distinctState{ee: a.ee, seen: map[string]struct{}{}, values: []Value{}}
}

type distinctState struct {
	ee     *ExplodingExtractorExpression
	seen   map[string]struct{}
	values []Value
}

func (s *distinctState) Aggregate(sel *goquery.Selection) {
	for _, value := range s.ee.ExtractAll(sel) {
		key := canonicalJSON(value)
		if _, dup := s.seen[key]; dup {
			continue
		}
		s.seen[key] = struct{}{}
		s.values = append(s.values, value)
	}
}

func (s *distinctState) Finalize() Value { return s.values }

// sum, null-skipping

type sumAgg struct {
	ee *ExplodingExtractorExpression
}

func (a sumAgg) String() string { return fmt.Sprintf("sum(%s)", a.ee) }

func (a sumAgg) TypeOf() (Type, error) {
	typ, err := a.ee.TypeOf()
	if err != nil {
		return Type{}, err
	}
	if typ.Kind != KindNumber && typ.Kind != KindAny {
		return Type{}, fmt.Errorf("`%s` expected a number expression, got %s", a, typ)
	}
	return TypeNumber, nil
}

func (a sumAgg) NewState() AggregatorState {
	return &sumState{ee: a.ee}
}

type sumState struct {
	ee  *ExplodingExtractorExpression
	sum float64
}

func (s *sumState) Aggregate(sel *goquery.Selection) {
	for _, value := range s.ee.ExtractAll(sel) {
		if n, ok := asF64(value); ok {
			s.sum += n
		}
	}
}

func (s *sumState) Finalize() Value { return s.sum }

// group

type groupAgg struct {
	key   *ExplodingExtractorExpression
	inner *AggregatorExpression
}

func (a groupAgg) String() string { return fmt.Sprintf("group(%s, %s)", a.key, a.inner) }

func (a groupAgg) TypeOf() (Type, error) {
	keyType, err := a.key.TypeOf()
	if err != nil {
		return Type{}, err
	}
	if keyType.Kind != KindString && keyType.Kind != KindAny {
		return Type{}, fmt.Errorf("`%s` expected a string key, got %s", a, keyType)
	}
	elem, err := a.inner.TypeOf()
	if err != nil {
		return Type{}, err
	}
	return MapOf(elem), nil
}

func (a groupAgg) NewState() AggregatorState {
	return &groupState{agg: a, buckets: map[string]*ExpressionState{}}
}

type groupState struct {
	agg     groupAgg
	buckets map[string]*ExpressionState
}

func (s *groupState) Aggregate(sel *goquery.Selection) {
	for _, key := range s.agg.key.ExtractAll(sel) {
		name, ok := key.(string)
		if !ok {
			continue
		}
		bucket, exists := s.buckets[name]
		if !exists {
			bucket = s.agg.inner.NewState()
			s.buckets[name] = bucket
		}
		bucket.Aggregate(sel)
	}
}

func (s *groupState) Finalize() Value {
	keys := make([]string, 0, len(s.buckets))
	for key := range s.buckets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	grouped := make(map[string]Value, len(keys))
	for _, key := range keys {
		grouped[key] = s.buckets[key].Finalize()
	}
	return grouped
}
