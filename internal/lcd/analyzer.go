package lcd

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// Analyzer runs a program's rule sets over parsed pages. It is stateless
// between pages and safe for concurrent use.
type Analyzer struct {
	ruleSets []*RuleSet
	logger   *zap.Logger
}

// NewAnalyzer builds an analyzer over compiled directives.
func NewAnalyzer(directives *Directives, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{ruleSets: directives.RuleSets, logger: logger}
}

// Analyze evaluates every applicable rule set against the document and
// returns rule name -> JSON value. It is total: a rule that panics at
// runtime (pathological regex input and the like) yields null instead of
// failing the page.
func (a *Analyzer) Analyze(pageURL string, doc *goquery.Document) map[string]Value {
	results := map[string]Value{}
	for _, ruleSet := range a.ruleSets {
		if ruleSet.InPage != nil && !ruleSet.InPage.MatchString(pageURL) {
			continue
		}
		matches := doc.FindMatcher(ruleSet.Selector)
		for _, rule := range ruleSet.Rules {
			results[rule.Name] = a.evalRule(pageURL, rule, matches)
		}
	}
	return results
}

// ParseDocument parses an HTML body leniently; a malformed body analyzes
// as an empty document rather than failing the page.
func ParseDocument(body string) *goquery.Document {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		doc, _ = goquery.NewDocumentFromReader(strings.NewReader(""))
	}
	return doc
}

func (a *Analyzer) evalRule(pageURL string, rule Rule, matches *goquery.Selection) (result Value) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("rule evaluation panicked",
				zap.String("rule", rule.Name),
				zap.String("url", pageURL),
				zap.Any("panic", r),
			)
			result = nil
		}
	}()

	state := rule.Agg.NewState()
	matches.Each(func(_ int, sel *goquery.Selection) {
		state.Aggregate(sel)
	})
	return state.Finalize()
}
