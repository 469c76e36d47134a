package lcd

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// Extractor reads a Value out of a DOM node. The context node is a
// single-element goquery selection; extraction never mutates the document.
type Extractor interface {
	fmt.Stringer
	TypeOf() (Type, error)
	Extract(sel *goquery.Selection) Value
}

// ExtractorExpression is an extractor followed by a transformer chain.
type ExtractorExpression struct {
	Extractor    Extractor
	Transformers TransformerChain
}

func (e *ExtractorExpression) String() string {
	if e.Transformers.IsEmpty() {
		return e.Extractor.String()
	}
	return e.Extractor.String() + " " + e.Transformers.String()
}

func (e *ExtractorExpression) TypeOf() (Type, error) {
	typ, err := e.Extractor.TypeOf()
	if err != nil {
		return Type{}, err
	}
	return e.Transformers.TypeFor(typ)
}

func (e *ExtractorExpression) Extract(sel *goquery.Selection) Value {
	return e.Transformers.Eval(e.Extractor.Extract(sel))
}

// ExplodingExtractorExpression optionally iterates array results
// element-wise in the enclosing aggregator. A non-array result is treated
// as a singleton.
type ExplodingExtractorExpression struct {
	Explodes bool
	Expr     ExtractorExpression
}

func (e *ExplodingExtractorExpression) String() string {
	if e.Explodes {
		return e.Expr.String() + " !explode"
	}
	return e.Expr.String()
}

func (e *ExplodingExtractorExpression) TypeOf() (Type, error) {
	raw, err := e.Expr.TypeOf()
	if err != nil {
		return Type{}, err
	}
	if !e.Explodes {
		return raw, nil
	}
	switch raw.Kind {
	case KindArray:
		return *raw.Elem, nil
	case KindAny:
		return TypeAny, nil
	default:
		return Type{}, fmt.Errorf("`!explode` cannot be applied to %s", raw)
	}
}

// ExtractAll yields the stream of values the aggregator consumes.
func (e *ExplodingExtractorExpression) ExtractAll(sel *goquery.Selection) []Value {
	extracted := e.Expr.Extract(sel)
	if !e.Explodes {
		return []Value{extracted}
	}
	if array, ok := extracted.([]Value); ok {
		return array
	}
	return []Value{extracted}
}

// Leaf extractors

type nameE struct{}

func (nameE) String() string        { return "name" }
func (nameE) TypeOf() (Type, error) { return TypeString, nil }

func (nameE) Extract(sel *goquery.Selection) Value {
	if sel.Length() == 0 {
		return nil
	}
	return strings.ToLower(goquery.NodeName(sel))
}

type textE struct{}

func (textE) String() string        { return "text" }
func (textE) TypeOf() (Type, error) { return TypeString, nil }

func (textE) Extract(sel *goquery.Selection) Value {
	if sel.Length() == 0 {
		return nil
	}
	return strings.Join(strings.Fields(sel.Text()), " ")
}

type htmlE struct{}

func (htmlE) String() string        { return "html" }
func (htmlE) TypeOf() (Type, error) { return TypeString, nil }

func (htmlE) Extract(sel *goquery.Selection) Value {
	if sel.Length() == 0 {
		return nil
	}
	outer, err := goquery.OuterHtml(sel.First())
	if err != nil {
		return nil
	}
	return outer
}

type innerHTMLE struct{}

func (innerHTMLE) String() string        { return "inner-html" }
func (innerHTMLE) TypeOf() (Type, error) { return TypeString, nil }

func (innerHTMLE) Extract(sel *goquery.Selection) Value {
	if sel.Length() == 0 {
		return nil
	}
	inner, err := sel.First().Html()
	if err != nil {
		return nil
	}
	return inner
}

type attrsE struct{}

func (attrsE) String() string        { return "attrs" }
func (attrsE) TypeOf() (Type, error) { return MapOf(TypeString), nil }

func (attrsE) Extract(sel *goquery.Selection) Value {
	node := firstElement(sel)
	if node == nil {
		return nil
	}
	attrs := make(map[string]Value, len(node.Attr))
	for _, attr := range node.Attr {
		attrs[attr.Key] = attr.Val
	}
	return attrs
}

type classesE struct{}

func (classesE) String() string        { return "classes" }
func (classesE) TypeOf() (Type, error) { return ArrayOf(TypeString), nil }

func (classesE) Extract(sel *goquery.Selection) Value {
	if sel.Length() == 0 {
		return nil
	}
	classes := []Value{}
	for _, class := range strings.Fields(sel.AttrOr("class", "")) {
		classes = append(classes, class)
	}
	return classes
}

type idE struct{}

func (idE) String() string        { return "id" }
func (idE) TypeOf() (Type, error) { return TypeString, nil }

func (idE) Extract(sel *goquery.Selection) Value {
	if sel.Length() == 0 {
		return nil
	}
	id, ok := sel.Attr("id")
	if !ok {
		return nil
	}
	return id
}

type attrE struct {
	key string
}

func (e attrE) String() string      { return "attr " + quoteLCD(e.key) }
func (attrE) TypeOf() (Type, error) { return TypeString, nil }

func (e attrE) Extract(sel *goquery.Selection) Value {
	if sel.Length() == 0 {
		return nil
	}
	value, ok := sel.Attr(e.key)
	if !ok {
		return nil
	}
	return value
}

// Structural extractors

type parentE struct {
	inner *ExtractorExpression
}

func (e parentE) String() string        { return fmt.Sprintf("parent(%s)", e.inner) }
func (e parentE) TypeOf() (Type, error) { return e.inner.TypeOf() }

func (e parentE) Extract(sel *goquery.Selection) Value {
	parent := sel.Parent()
	if parent.Length() == 0 {
		return nil
	}
	return e.inner.Extract(parent)
}

type childrenE struct {
	inner *ExtractorExpression
}

func (e childrenE) String() string { return fmt.Sprintf("children(%s)", e.inner) }

func (e childrenE) TypeOf() (Type, error) {
	elem, err := e.inner.TypeOf()
	if err != nil {
		return Type{}, err
	}
	return ArrayOf(elem), nil
}

func (e childrenE) Extract(sel *goquery.Selection) Value {
	results := []Value{}
	sel.Children().Each(func(_ int, child *goquery.Selection) {
		results = append(results, e.inner.Extract(child))
	})
	return results
}

type selectAnyE struct {
	inner    *ExtractorExpression
	selector cascadia.Selector
	source   string
}

func (e selectAnyE) String() string {
	return fmt.Sprintf("select-any(%s, %s)", e.inner, e.source)
}

func (e selectAnyE) TypeOf() (Type, error) { return e.inner.TypeOf() }

func (e selectAnyE) Extract(sel *goquery.Selection) Value {
	match := sel.FindMatcher(e.selector).First()
	if match.Length() == 0 {
		return nil
	}
	return e.inner.Extract(match)
}

type selectAllE struct {
	inner    *ExtractorExpression
	selector cascadia.Selector
	source   string
}

func (e selectAllE) String() string {
	return fmt.Sprintf("select-all(%s, %s)", e.inner, e.source)
}

func (e selectAllE) TypeOf() (Type, error) {
	elem, err := e.inner.TypeOf()
	if err != nil {
		return Type{}, err
	}
	return ArrayOf(elem), nil
}

func (e selectAllE) Extract(sel *goquery.Selection) Value {
	results := []Value{}
	sel.FindMatcher(e.selector).Each(func(_ int, match *goquery.Selection) {
		results = append(results, e.inner.Extract(match))
	})
	return results
}

func firstElement(sel *goquery.Selection) *html.Node {
	for _, node := range sel.Nodes {
		if node.Type == html.ElementNode {
			return node
		}
	}
	return nil
}
