// Package lcd implements the Lopez Crawl Directives language: scanning,
// parsing, compilation into an executable Directives bundle, and the
// extractor/transformer/aggregator evaluation stack that runs over fetched
// pages.
package lcd

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Value is the analyzer's universe: nil, bool, float64, string, []Value and
// map[string]Value, mirroring what encoding/json produces. DOM handles never
// appear in a Value; they only exist as evaluation context, so marshaling a
// rule result is always well defined.
type Value = any

// Kind enumerates the static types the rule checker works with.
type Kind int

const (
	KindAny Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindMap
)

// Type is the static type of an expression. Array and Map carry their
// element type.
type Type struct {
	Kind Kind
	Elem *Type
}

var (
	TypeAny    = Type{Kind: KindAny}
	TypeBool   = Type{Kind: KindBool}
	TypeNumber = Type{Kind: KindNumber}
	TypeString = Type{Kind: KindString}
)

// ArrayOf builds an array type.
func ArrayOf(elem Type) Type {
	return Type{Kind: KindArray, Elem: &elem}
}

// MapOf builds a map (object) type.
func MapOf(elem Type) Type {
	return Type{Kind: KindMap, Elem: &elem}
}

func (t Type) String() string {
	switch t.Kind {
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return fmt.Sprintf("array of %s", t.Elem)
	case KindMap:
		return fmt.Sprintf("map of %s", t.Elem)
	default:
		return "any"
	}
}

// IsMap reports whether the type is an object type.
func (t Type) IsMap() bool { return t.Kind == KindMap }

func (t Type) equal(other Type) bool {
	if t.Kind != other.Kind {
		return false
	}
	if t.Elem == nil || other.Elem == nil {
		return t.Elem == other.Elem
	}
	return t.Elem.equal(*other.Elem)
}

// asF64 coerces any numeric Value representation to float64.
func asF64(v Value) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// canonicalJSON renders a Value deterministically. encoding/json sorts map
// keys, which is all the determinism distinct/group/hash need.
func canonicalJSON(v Value) string {
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(encoded)
}

// valuesEqual is JSON equality: numbers compare numerically, containers
// structurally.
func valuesEqual(a, b Value) bool {
	if fa, ok := asF64(a); ok {
		fb, ok := asF64(b)
		return ok && fa == fb
	}
	return canonicalJSON(a) == canonicalJSON(b)
}

// compareValues orders two same-typed values: nulls first, then bools,
// numbers and strings naturally, arrays lexicographically. The ordering is
// only called on type-checked inputs; anything else compares by canonical
// form so sorting stays total.
func compareValues(a, b Value) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0
			case !ab:
				return -1
			default:
				return 1
			}
		}
	}
	if af, ok := asF64(a); ok {
		if bf, ok := asF64(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs)
		}
	}
	if aa, ok := a.([]Value); ok {
		if ba, ok := b.([]Value); ok {
			for i := 0; i < len(aa) && i < len(ba); i++ {
				if c := compareValues(aa[i], ba[i]); c != 0 {
					return c
				}
			}
			return len(aa) - len(ba)
		}
	}
	return strings.Compare(canonicalJSON(a), canonicalJSON(b))
}

// sortValues sorts stably by compareValues.
func sortValues(values []Value) {
	sort.SliceStable(values, func(i, j int) bool {
		return compareValues(values[i], values[j]) < 0
	})
}
