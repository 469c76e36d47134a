package lcd

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/andybalholm/cascadia"
)

// quoteLCD renders a string literal the way the scanner reads it back:
// only double quotes are escaped, backslashes pass through verbatim so
// regex patterns survive a print/reparse round trip.
func quoteLCD(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// Item is one top-level directive of an LCD program.
type Item interface {
	fmt.Stringer
	item()
}

// SeedItem seeds the crawl frontier.
type SeedItem struct {
	URL string
}

func (SeedItem) item() {}

func (s SeedItem) String() string { return "seed " + quoteLCD(s.URL) + ";" }

// ImportItem pulls another module's items into the program.
type ImportItem struct {
	Path string
}

func (ImportItem) item() {}

func (i ImportItem) String() string { return "import " + quoteLCD(i.Path) + ";" }

// BoundaryKind discriminates boundary directives.
type BoundaryKind int

const (
	BoundaryAllow BoundaryKind = iota
	BoundaryDisallow
	BoundaryFrontier
	BoundaryUseParam
	BoundaryIgnoreParam
	BoundaryUseAllParams
)

// BoundaryItem is one allow/disallow/frontier/param directive. Pattern is
// set for the regex kinds, Param for the parameter kinds.
type BoundaryItem struct {
	Kind    BoundaryKind
	Pattern *regexp.Regexp
	Param   string
}

func (BoundaryItem) item() {}

func (b BoundaryItem) String() string {
	switch b.Kind {
	case BoundaryAllow:
		return "allow " + quoteLCD(b.Pattern.String()) + ";"
	case BoundaryDisallow:
		return "disallow " + quoteLCD(b.Pattern.String()) + ";"
	case BoundaryFrontier:
		return "frontier " + quoteLCD(b.Pattern.String()) + ";"
	case BoundaryUseParam:
		return "use param " + quoteLCD(b.Param) + ";"
	case BoundaryIgnoreParam:
		return "ignore param " + quoteLCD(b.Param) + ";"
	default:
		return "use param *;"
	}
}

// SetVariableItem assigns a crawl variable.
type SetVariableItem struct {
	Name  string
	Value Value
	Line  int
	Col   int
}

func (SetVariableItem) item() {}

func (s SetVariableItem) String() string {
	return fmt.Sprintf("set %s = %s;", s.Name, formatLiteral(s.Value))
}

// Rule is a named aggregator inside a rule set.
type Rule struct {
	Name string
	Agg  *AggregatorExpression
}

// RuleSet is `select [in "re"] <css> { rules }`, compiled.
type RuleSet struct {
	InPage         *regexp.Regexp
	SelectorSource string
	Selector       cascadia.Selector
	Rules          []Rule
}

// RuleSetItem wraps a rule set as a program item.
type RuleSetItem struct {
	RuleSet *RuleSet
}

func (RuleSetItem) item() {}

func (r RuleSetItem) String() string {
	var b strings.Builder
	b.WriteString("select ")
	if r.RuleSet.InPage != nil {
		b.WriteString("in " + quoteLCD(r.RuleSet.InPage.String()) + " ")
	}
	b.WriteString(r.RuleSet.SelectorSource)
	b.WriteString(" {\n")
	for _, rule := range r.RuleSet.Rules {
		fmt.Fprintf(&b, "    %s: %s;\n", rule.Name, rule.Agg)
	}
	b.WriteString("}")
	return b.String()
}

// Program is a parsed LCD source.
type Program struct {
	Items []Item
}

// String pretty-prints the program; reparsing the output yields an
// equivalent program.
func (p *Program) String() string {
	parts := make([]string, len(p.Items))
	for i, item := range p.Items {
		parts[i] = item.String()
	}
	return strings.Join(parts, "\n") + "\n"
}

func formatLiteral(v Value) string {
	switch val := v.(type) {
	case string:
		return quoteLCD(val)
	case bool:
		return strconv.FormatBool(val)
	case []Value:
		parts := make([]string, len(val))
		for i, element := range val {
			parts[i] = formatLiteral(element)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		if f, ok := asF64(v); ok {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		return fmt.Sprintf("%v", v)
	}
}
