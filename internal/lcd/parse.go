package lcd

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/andybalholm/cascadia"
)

// ParseError is a compile failure carrying the source position where the
// parser gave up. Parsing never partially succeeds.
type ParseError struct {
	Line int
	Col  int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d, col %d: %s", e.Line, e.Col, e.Msg)
}

// Parse parses a whole LCD source into a Program.
func Parse(src string) (*Program, error) {
	p := &parser{src: src, line: 1, col: 1}
	p.skipSpace()
	var items []Item
	for !p.eof() {
		item, err := p.parseItem()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		p.skipSpace()
	}
	return &Program{Items: items}, nil
}

type parser struct {
	src  string
	pos  int
	line int
	col  int
}

func (p *parser) errorf(format string, args ...any) error {
	return &ParseError{Line: p.line, Col: p.col, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) rest() string { return p.src[p.pos:] }

func (p *parser) advance(n int) {
	for i := 0; i < n && p.pos < len(p.src); i++ {
		if p.src[p.pos] == '\n' {
			p.line++
			p.col = 1
		} else {
			p.col++
		}
		p.pos++
	}
}

// skipSpace consumes whitespace and // comments.
func (p *parser) skipSpace() {
	for !p.eof() {
		c := p.src[p.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			p.advance(1)
		case strings.HasPrefix(p.rest(), "//"):
			for !p.eof() && p.src[p.pos] != '\n' {
				p.advance(1)
			}
		default:
			return
		}
	}
}

// accept consumes the literal token and trailing whitespace if present.
func (p *parser) accept(token string) bool {
	if !strings.HasPrefix(p.rest(), token) {
		return false
	}
	p.advance(len(token))
	p.skipSpace()
	return true
}

// acceptWord consumes token only when it is not a prefix of a longer word.
func (p *parser) acceptWord(token string) bool {
	if !strings.HasPrefix(p.rest(), token) {
		return false
	}
	if next := p.pos + len(token); next < len(p.src) && isIdentChar(p.src[next]) {
		return false
	}
	p.advance(len(token))
	p.skipSpace()
	return true
}

func (p *parser) expect(token string) error {
	if !p.accept(token) {
		return p.errorf("expected `%s`", token)
	}
	return nil
}

func isIdentChar(c byte) bool {
	switch c {
	case '\\', '/', ':', ';', '.', ',', '(', ')', '[', ']', '{', '}', '\'', '"',
		' ', '\t', '\n', '\r', 0, '=', '!':
		return false
	}
	return true
}

func (p *parser) parseIdent() (string, error) {
	start := p.pos
	for !p.eof() && isIdentChar(p.src[p.pos]) {
		p.advance(1)
	}
	if p.pos == start {
		return "", p.errorf("expected identifier")
	}
	ident := p.src[start:p.pos]
	p.skipSpace()
	return ident, nil
}

// parseString parses a double-quoted string with backslash escapes. Only
// `\"` unescapes; other escape pairs pass through verbatim so regex
// patterns keep their backslashes.
func (p *parser) parseString() (string, error) {
	if p.eof() || p.src[p.pos] != '"' {
		return "", p.errorf("expected string")
	}
	p.advance(1)
	var out strings.Builder
	for {
		if p.eof() {
			return "", p.errorf("unterminated string")
		}
		c := p.src[p.pos]
		switch c {
		case '"':
			p.advance(1)
			p.skipSpace()
			return out.String(), nil
		case '\\':
			if p.pos+1 >= len(p.src) {
				return "", p.errorf("unterminated escape")
			}
			next := p.src[p.pos+1]
			if next == '"' {
				out.WriteByte('"')
			} else {
				out.WriteByte('\\')
				out.WriteByte(next)
			}
			p.advance(2)
		default:
			out.WriteByte(c)
			p.advance(1)
		}
	}
}

func (p *parser) parseRegex() (*regexp.Regexp, error) {
	line, col := p.line, p.col
	pattern, err := p.parseString()
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &ParseError{Line: line, Col: col, Msg: fmt.Sprintf("invalid pattern %q: %v", pattern, err)}
	}
	return re, nil
}

func (p *parser) parseNumber() (float64, error) {
	start := p.pos
	if !p.eof() && (p.src[p.pos] == '-' || p.src[p.pos] == '+') {
		p.advance(1)
	}
	for !p.eof() {
		c := p.src[p.pos]
		if (c >= '0' && c <= '9') || c == '.' || c == 'e' || c == 'E' {
			p.advance(1)
		} else if (c == '-' || c == '+') && p.pos > start &&
			(p.src[p.pos-1] == 'e' || p.src[p.pos-1] == 'E') {
			p.advance(1)
		} else {
			break
		}
	}
	if p.pos == start {
		return 0, p.errorf("expected number")
	}
	f, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return 0, p.errorf("bad number %q", p.src[start:p.pos])
	}
	p.skipSpace()
	return f, nil
}

// parseSelectorSource scans raw CSS selector text up to any boundary
// character at bracket nesting level zero.
func (p *parser) parseSelectorSource(boundaries string) (string, error) {
	start := p.pos
	level := 0
	for !p.eof() {
		c := p.src[p.pos]
		if level == 0 && strings.IndexByte(boundaries, c) >= 0 {
			break
		}
		if c == '[' {
			level++
		} else if c == ']' {
			level--
		}
		p.advance(1)
	}
	source := strings.TrimSpace(p.src[start:p.pos])
	if source == "" {
		return "", p.errorf("expected CSS selector")
	}
	return source, nil
}

func (p *parser) parseSelector(boundaries string) (cascadia.Selector, string, error) {
	line, col := p.line, p.col
	source, err := p.parseSelectorSource(boundaries)
	if err != nil {
		return nil, "", err
	}
	selector, err := cascadia.Compile(source)
	if err != nil {
		return nil, "", &ParseError{Line: line, Col: col, Msg: fmt.Sprintf("invalid selector %q: %v", source, err)}
	}
	return selector, source, nil
}

// Items

func (p *parser) parseItem() (Item, error) {
	switch {
	case p.acceptWord("import"):
		path, err := p.parseString()
		if err != nil {
			return nil, err
		}
		if err := p.expect(";"); err != nil {
			return nil, err
		}
		return ImportItem{Path: path}, nil

	case p.acceptWord("seed"):
		seed, err := p.parseString()
		if err != nil {
			return nil, err
		}
		if err := p.expect(";"); err != nil {
			return nil, err
		}
		return SeedItem{URL: seed}, nil

	case p.acceptWord("allow"):
		return p.parseBoundaryRegex(BoundaryAllow)

	case p.acceptWord("disallow"):
		return p.parseBoundaryRegex(BoundaryDisallow)

	case p.acceptWord("frontier"):
		return p.parseBoundaryRegex(BoundaryFrontier)

	case p.acceptWord("use"):
		if err := p.expect("param"); err != nil {
			return nil, err
		}
		if p.accept("*") {
			if err := p.expect(";"); err != nil {
				return nil, err
			}
			return BoundaryItem{Kind: BoundaryUseAllParams}, nil
		}
		param, err := p.parseString()
		if err != nil {
			return nil, err
		}
		if err := p.expect(";"); err != nil {
			return nil, err
		}
		if param == "*" {
			return BoundaryItem{Kind: BoundaryUseAllParams}, nil
		}
		return BoundaryItem{Kind: BoundaryUseParam, Param: param}, nil

	case p.acceptWord("ignore"):
		if err := p.expect("param"); err != nil {
			return nil, err
		}
		param, err := p.parseString()
		if err != nil {
			return nil, err
		}
		if err := p.expect(";"); err != nil {
			return nil, err
		}
		return BoundaryItem{Kind: BoundaryIgnoreParam, Param: param}, nil

	case p.acceptWord("set"):
		line, col := p.line, p.col
		name, err := p.parseIdent()
		if err != nil {
			return nil, err
		}
		if err := p.expect("="); err != nil {
			return nil, err
		}
		value, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		if err := p.expect(";"); err != nil {
			return nil, err
		}
		return SetVariableItem{Name: name, Value: value, Line: line, Col: col}, nil

	case p.acceptWord("select"):
		return p.parseRuleSet()

	default:
		return nil, p.errorf("expected a directive")
	}
}

func (p *parser) parseBoundaryRegex(kind BoundaryKind) (Item, error) {
	re, err := p.parseRegex()
	if err != nil {
		return nil, err
	}
	if err := p.expect(";"); err != nil {
		return nil, err
	}
	return BoundaryItem{Kind: kind, Pattern: re}, nil
}

func (p *parser) parseLiteral() (Value, error) {
	switch {
	case !p.eof() && p.src[p.pos] == '"':
		return p.parseString()
	case p.acceptWord("true"):
		return true, nil
	case p.acceptWord("false"):
		return false, nil
	case p.accept("["):
		array := []Value{}
		if p.accept("]") {
			return array, nil
		}
		for {
			element, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			array = append(array, element)
			if p.accept("]") {
				return array, nil
			}
			if err := p.expect(","); err != nil {
				return nil, err
			}
		}
	default:
		return p.parseNumber()
	}
}

// Rule sets

func (p *parser) parseRuleSet() (Item, error) {
	var inPage *regexp.Regexp
	if p.acceptWord("in") {
		re, err := p.parseRegex()
		if err != nil {
			return nil, err
		}
		inPage = re
	}
	selector, source, err := p.parseSelector("{;")
	if err != nil {
		return nil, err
	}
	ruleSet := &RuleSet{InPage: inPage, SelectorSource: source, Selector: selector}

	if p.accept(";") {
		return RuleSetItem{RuleSet: ruleSet}, nil
	}
	if err := p.expect("{"); err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	for !p.accept("}") {
		line, col := p.line, p.col
		name, err := p.parseIdent()
		if err != nil {
			return nil, err
		}
		if err := p.expect(":"); err != nil {
			return nil, err
		}
		agg, err := p.parseAggregatorExpression()
		if err != nil {
			return nil, err
		}
		if err := p.expect(";"); err != nil {
			return nil, err
		}
		if _, dup := seen[name]; dup {
			return nil, &ParseError{Line: line, Col: col, Msg: fmt.Sprintf("rule %q defined more than once", name)}
		}
		seen[name] = struct{}{}
		ruleSet.Rules = append(ruleSet.Rules, Rule{Name: name, Agg: agg})
	}
	return RuleSetItem{RuleSet: ruleSet}, nil
}

func (p *parser) parseAggregatorExpression() (*AggregatorExpression, error) {
	agg, err := p.parseAggregator()
	if err != nil {
		return nil, err
	}
	chain, err := p.parseTransformerChain()
	if err != nil {
		return nil, err
	}
	return &AggregatorExpression{Aggregator: agg, Transformers: chain}, nil
}

func (p *parser) parseAggregator() (Aggregator, error) {
	switch {
	case p.acceptWord("count"):
		if p.accept("(") {
			ee, err := p.parseExplodingExpression()
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return countNotNullAgg{ee: ee}, nil
		}
		return countAgg{}, nil

	case p.acceptWord("first"):
		ee, err := p.parseParenExploding()
		if err != nil {
			return nil, err
		}
		return firstAgg{ee: ee}, nil

	case p.acceptWord("collect"):
		ee, err := p.parseParenExploding()
		if err != nil {
			return nil, err
		}
		return collectAgg{ee: ee}, nil

	case p.acceptWord("distinct"):
		ee, err := p.parseParenExploding()
		if err != nil {
			return nil, err
		}
		return distinctAgg{ee: ee}, nil

	case p.acceptWord("sum"):
		ee, err := p.parseParenExploding()
		if err != nil {
			return nil, err
		}
		return sumAgg{ee: ee}, nil

	case p.acceptWord("group"):
		if err := p.expect("("); err != nil {
			return nil, err
		}
		key, err := p.parseExplodingExpression()
		if err != nil {
			return nil, err
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
		inner, err := p.parseAggregatorExpression()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return groupAgg{key: key, inner: inner}, nil

	default:
		return nil, p.errorf("expected aggregator")
	}
}

func (p *parser) parseParenExploding() (*ExplodingExtractorExpression, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	ee, err := p.parseExplodingExpression()
	if err != nil {
		return nil, err
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	return ee, nil
}

func (p *parser) parseExplodingExpression() (*ExplodingExtractorExpression, error) {
	expr, err := p.parseExtractorExpression()
	if err != nil {
		return nil, err
	}
	explodes := p.accept("!explode")
	return &ExplodingExtractorExpression{Explodes: explodes, Expr: *expr}, nil
}

func (p *parser) parseExtractorExpression() (*ExtractorExpression, error) {
	extractor, err := p.parseExtractor()
	if err != nil {
		return nil, err
	}
	chain, err := p.parseTransformerChain()
	if err != nil {
		return nil, err
	}
	return &ExtractorExpression{Extractor: extractor, Transformers: chain}, nil
}

func (p *parser) parseExtractor() (Extractor, error) {
	switch {
	case p.acceptWord("name"):
		return nameE{}, nil
	case p.acceptWord("text"):
		return textE{}, nil
	case p.acceptWord("inner-html"):
		return innerHTMLE{}, nil
	case p.acceptWord("html"):
		return htmlE{}, nil
	case p.acceptWord("attrs"):
		return attrsE{}, nil
	case p.acceptWord("classes"):
		return classesE{}, nil
	case p.acceptWord("id"):
		return idE{}, nil
	case p.acceptWord("attr"):
		key, err := p.parseString()
		if err != nil {
			return nil, err
		}
		return attrE{key: key}, nil
	case p.acceptWord("parent"):
		inner, err := p.parseParenExpression()
		if err != nil {
			return nil, err
		}
		return parentE{inner: inner}, nil
	case p.acceptWord("children"):
		inner, err := p.parseParenExpression()
		if err != nil {
			return nil, err
		}
		return childrenE{inner: inner}, nil
	case p.acceptWord("select-any"):
		return p.parseSelectExtractor(false)
	case p.acceptWord("select-all"):
		return p.parseSelectExtractor(true)
	default:
		return nil, p.errorf("expected extractor")
	}
}

func (p *parser) parseParenExpression() (*ExtractorExpression, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	inner, err := p.parseExtractorExpression()
	if err != nil {
		return nil, err
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	return inner, nil
}

func (p *parser) parseSelectExtractor(all bool) (Extractor, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	inner, err := p.parseExtractorExpression()
	if err != nil {
		return nil, err
	}
	if err := p.expect(","); err != nil {
		return nil, err
	}
	// Selectors may be quoted for readability; both forms are accepted.
	var selector cascadia.Selector
	var source string
	if !p.eof() && p.src[p.pos] == '"' {
		line, col := p.line, p.col
		source, err = p.parseString()
		if err != nil {
			return nil, err
		}
		selector, err = cascadia.Compile(source)
		if err != nil {
			return nil, &ParseError{Line: line, Col: col, Msg: fmt.Sprintf("invalid selector %q: %v", source, err)}
		}
	} else {
		selector, source, err = p.parseSelector(")")
		if err != nil {
			return nil, err
		}
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	if all {
		return selectAllE{inner: inner, selector: selector, source: source}, nil
	}
	return selectAnyE{inner: inner, selector: selector, source: source}, nil
}

// Transformers

func (p *parser) parseTransformerChain() (TransformerChain, error) {
	var chain TransformerChain
	for {
		t, matched, err := p.parseTransformer()
		if err != nil {
			return nil, err
		}
		if !matched {
			return chain, nil
		}
		chain = append(chain, t)
	}
}

func (p *parser) parseTransformer() (Transformer, bool, error) {
	switch {
	case p.acceptWord("is-not-null"):
		return isNotNullT{}, true, nil
	case p.acceptWord("is-null"):
		return isNullT{}, true, nil
	case p.acceptWord("is-empty"):
		return isEmptyT{}, true, nil
	case p.acceptWord("hash"):
		return hashT{}, true, nil
	case p.acceptWord("not"):
		return notT{}, true, nil
	case p.acceptWord("as-number"):
		return asNumberT{}, true, nil
	case p.acceptWord("as-string"):
		return asStringT{}, true, nil
	case p.acceptWord("greater-or-equal"):
		return p.parseCompare("greater-or-equal")
	case p.acceptWord("greater-than"):
		return p.parseCompare("greater-than")
	case p.acceptWord("lesser-or-equal"):
		return p.parseCompare("lesser-or-equal")
	case p.acceptWord("lesser-than"):
		return p.parseCompare("lesser-than")
	case p.acceptWord("between"):
		low, err := p.parseNumber()
		if err != nil {
			return nil, false, err
		}
		if !p.acceptWord("and") {
			return nil, false, p.errorf("expected `and`")
		}
		high, err := p.parseNumber()
		if err != nil {
			return nil, false, err
		}
		return betweenT{low: low, high: high}, true, nil
	case p.acceptWord("equals"):
		if !p.eof() && p.src[p.pos] == '"' {
			rhs, err := p.parseString()
			if err != nil {
				return nil, false, err
			}
			return equalsStringT{rhs: rhs}, true, nil
		}
		rhs, err := p.parseNumber()
		if err != nil {
			return nil, false, err
		}
		return equalsNumberT{rhs: rhs}, true, nil
	case p.acceptWord("in"):
		return p.parseInSet()
	case p.acceptWord("length"):
		return lengthT{}, true, nil
	case p.acceptWord("get"):
		if !p.eof() && p.src[p.pos] == '"' {
			key, err := p.parseString()
			if err != nil {
				return nil, false, err
			}
			return getKeyT{key: key}, true, nil
		}
		idx, err := p.parseNumber()
		if err != nil {
			return nil, false, err
		}
		return getIdxT{idx: int(idx)}, true, nil
	case p.acceptWord("flatten"):
		return flattenT{}, true, nil
	case p.acceptWord("each"):
		inner, err := p.parseParenChain()
		if err != nil {
			return nil, false, err
		}
		return eachT{inner: inner}, true, nil
	case p.acceptWord("filter"):
		inner, err := p.parseParenChain()
		if err != nil {
			return nil, false, err
		}
		return filterT{inner: inner}, true, nil
	case p.acceptWord("any"):
		inner, err := p.parseParenChain()
		if err != nil {
			return nil, false, err
		}
		return anyAllT{all: false, inner: inner}, true, nil
	case p.acceptWord("all-captures"):
		re, err := p.parseRegex()
		if err != nil {
			return nil, false, err
		}
		return allCapturesT{re: re}, true, nil
	case p.acceptWord("all"):
		inner, err := p.parseParenChain()
		if err != nil {
			return nil, false, err
		}
		return anyAllT{all: true, inner: inner}, true, nil
	case p.acceptWord("sort-by"):
		inner, err := p.parseParenChain()
		if err != nil {
			return nil, false, err
		}
		return sortByT{key: inner}, true, nil
	case p.acceptWord("sort"):
		return sortT{}, true, nil
	case p.acceptWord("pretty"):
		return prettyT{}, true, nil
	case p.acceptWord("capture"):
		re, err := p.parseRegex()
		if err != nil {
			return nil, false, err
		}
		return captureT{re: re}, true, nil
	case p.acceptWord("matches"):
		re, err := p.parseRegex()
		if err != nil {
			return nil, false, err
		}
		return matchesT{re: re}, true, nil
	case p.acceptWord("replace"):
		re, err := p.parseRegex()
		if err != nil {
			return nil, false, err
		}
		if !p.acceptWord("with") {
			return nil, false, p.errorf("expected `with`")
		}
		with, err := p.parseString()
		if err != nil {
			return nil, false, err
		}
		return replaceT{re: re, with: with}, true, nil
	default:
		return nil, false, nil
	}
}

func (p *parser) parseCompare(op string) (Transformer, bool, error) {
	rhs, err := p.parseNumber()
	if err != nil {
		return nil, false, err
	}
	return compareT{op: op, rhs: rhs}, true, nil
}

func (p *parser) parseInSet() (Transformer, bool, error) {
	line, col := p.line, p.col
	literal, err := p.parseLiteral()
	if err != nil {
		return nil, false, err
	}
	array, ok := literal.([]Value)
	if !ok {
		return nil, false, &ParseError{Line: line, Col: col, Msg: "`in` expects an array literal"}
	}
	var numbers []float64
	var strs []string
	for _, element := range array {
		if n, isNum := asF64(element); isNum {
			numbers = append(numbers, n)
			continue
		}
		if s, isStr := element.(string); isStr {
			strs = append(strs, s)
			continue
		}
		return nil, false, &ParseError{Line: line, Col: col, Msg: "`in` accepts numbers or strings"}
	}
	if len(numbers) > 0 && len(strs) > 0 {
		return nil, false, &ParseError{Line: line, Col: col, Msg: "`in` array must be homogeneous"}
	}
	if len(strs) > 0 {
		return inStringsT{set: strs}, true, nil
	}
	return inNumbersT{set: numbers}, true, nil
}

func (p *parser) parseParenChain() (TransformerChain, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	chain, err := p.parseTransformerChain()
	if err != nil {
		return nil, err
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	return chain, nil
}
