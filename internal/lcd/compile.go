package lcd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ImportResolver maps an import path to LCD source text. The compiler
// resolves imports transitively through it.
type ImportResolver interface {
	Resolve(path string) (string, error)
}

// FileResolver resolves imports against a list of root directories,
// first-hit wins. `import "std.seo"` maps to `<root>/std/seo.lcd` or
// `<root>/std/seo/module.lcd`.
type FileResolver struct {
	Roots []string
}

func (r FileResolver) Resolve(path string) (string, error) {
	rel := filepath.Join(strings.Split(path, ".")...)
	for _, root := range r.Roots {
		for _, candidate := range []string{
			filepath.Join(root, rel+".lcd"),
			filepath.Join(root, rel, "module.lcd"),
		} {
			content, err := os.ReadFile(candidate)
			if err == nil {
				return string(content), nil
			}
			if !os.IsNotExist(err) {
				return "", fmt.Errorf("read module %q: %w", path, err)
			}
		}
	}
	return "", fmt.Errorf("module %q not found under %v", path, r.Roots)
}

// BoundaryPolicy is the compiled boundary configuration the URL engine
// consumes. Slices are in program order.
type BoundaryPolicy struct {
	Allow        []*regexp.Regexp
	Disallow     []*regexp.Regexp
	Frontier     []*regexp.Regexp
	UseParams    []string
	IgnoreParams []string
	UseAllParams bool
}

// IsAllowed reports whether a normalized URL is inside the crawl boundary.
func (b *BoundaryPolicy) IsAllowed(url string) bool {
	allowed := false
	for _, re := range b.Allow {
		if re.MatchString(url) {
			allowed = true
			break
		}
	}
	if !allowed {
		for _, re := range b.Frontier {
			if re.MatchString(url) {
				allowed = true
				break
			}
		}
	}
	if !allowed {
		return false
	}
	for _, re := range b.Disallow {
		if re.MatchString(url) {
			return false
		}
	}
	return true
}

// IsFrontier reports whether a URL is fetched but not expanded.
func (b *BoundaryPolicy) IsFrontier(url string) bool {
	for _, re := range b.Frontier {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// KeepParam decides whether a query parameter survives normalization.
func (b *BoundaryPolicy) KeepParam(name string) bool {
	for _, ignored := range b.IgnoreParams {
		if ignored == name {
			return false
		}
	}
	if b.UseAllParams {
		return true
	}
	for _, used := range b.UseParams {
		if used == name {
			return true
		}
	}
	return false
}

// Directives is the compiled, immutable output of the LCD compiler. It is
// shared by reference across workers without synchronization.
type Directives struct {
	Seeds     []string
	Boundary  *BoundaryPolicy
	Variables *SetVariables
	RuleSets  []*RuleSet
	// RuleTypes maps each rule name to its checked result type.
	RuleTypes map[string]Type
	ruleOrder []string
}

// RuleNames lists all analysis names in declaration order.
func (d *Directives) RuleNames() []string {
	return d.ruleOrder
}

// CompileFile loads, parses and compiles the program at path, resolving
// imports against the file's directory and the std roots.
func CompileFile(path string, stdRoots ...string) (*Directives, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directives: %w", err)
	}
	roots := append([]string{filepath.Dir(path)}, stdRoots...)
	return Compile(string(src), FileResolver{Roots: roots})
}

// Compile parses and links a program and its imports into Directives.
func Compile(src string, resolver ImportResolver) (*Directives, error) {
	loader := &moduleLoader{
		resolver: resolver,
		loaded:   map[string]bool{},
		loading:  map[string]bool{},
	}
	items, err := loader.load("", src)
	if err != nil {
		return nil, err
	}

	directives := &Directives{
		Boundary:  &BoundaryPolicy{},
		RuleTypes: map[string]Type{},
	}
	variables := map[Variable]Value{}
	seenVariables := map[string]bool{}

	for _, item := range items {
		switch it := item.(type) {
		case SeedItem:
			seed, err := url.Parse(it.URL)
			if err != nil || !seed.IsAbs() {
				return nil, fmt.Errorf("seed %q is not an absolute URL", it.URL)
			}
			directives.Seeds = append(directives.Seeds, it.URL)

		case BoundaryItem:
			switch it.Kind {
			case BoundaryAllow:
				directives.Boundary.Allow = append(directives.Boundary.Allow, it.Pattern)
			case BoundaryDisallow:
				directives.Boundary.Disallow = append(directives.Boundary.Disallow, it.Pattern)
			case BoundaryFrontier:
				directives.Boundary.Frontier = append(directives.Boundary.Frontier, it.Pattern)
			case BoundaryUseParam:
				directives.Boundary.UseParams = append(directives.Boundary.UseParams, it.Param)
			case BoundaryIgnoreParam:
				directives.Boundary.IgnoreParams = append(directives.Boundary.IgnoreParams, it.Param)
			case BoundaryUseAllParams:
				directives.Boundary.UseAllParams = true
			}

		case SetVariableItem:
			if err := validateVariable(it); err != nil {
				return nil, err
			}
			if seenVariables[it.Name] {
				return nil, fmt.Errorf("variable `%s` set more than once", it.Name)
			}
			seenVariables[it.Name] = true
			variables[Variable(it.Name)] = it.Value

		case RuleSetItem:
			for _, rule := range it.RuleSet.Rules {
				if _, dup := directives.RuleTypes[rule.Name]; dup {
					return nil, fmt.Errorf("rule %q defined more than once", rule.Name)
				}
				typ, err := rule.Agg.TypeOf()
				if err != nil {
					return nil, fmt.Errorf("rule %q: %w", rule.Name, err)
				}
				directives.RuleTypes[rule.Name] = typ
				directives.ruleOrder = append(directives.ruleOrder, rule.Name)
			}
			directives.RuleSets = append(directives.RuleSets, it.RuleSet)

		case ImportItem:
			// already expanded by the loader
		}
	}

	directives.Variables = &SetVariables{values: variables}

	if err := validateSeeds(directives); err != nil {
		return nil, err
	}
	return directives, nil
}

// validateSeeds rejects seeds outside the boundary or on the frontier;
// such a crawl would silently do nothing.
func validateSeeds(d *Directives) error {
	for _, seed := range d.Seeds {
		if !d.Boundary.IsAllowed(seed) {
			return fmt.Errorf("seed %q is outside the crawl boundary", seed)
		}
		if d.Boundary.IsFrontier(seed) {
			return fmt.Errorf("seed %q is on the frontier", seed)
		}
	}
	return nil
}

type moduleLoader struct {
	resolver ImportResolver
	loaded   map[string]bool
	loading  map[string]bool
	stack    []string
}

// load parses one module and splices its imports in, depth-first.
func (l *moduleLoader) load(name, src string) ([]Item, error) {
	display := name
	if display == "" {
		display = "<main>"
	}
	if l.loading[name] {
		return nil, fmt.Errorf("import cycle: %s", strings.Join(append(l.stack, display), " -> "))
	}
	if l.loaded[name] {
		return nil, nil
	}
	l.loading[name] = true
	l.stack = append(l.stack, display)
	defer func() {
		delete(l.loading, name)
		l.stack = l.stack[:len(l.stack)-1]
		l.loaded[name] = true
	}()

	program, err := Parse(src)
	if err != nil {
		return nil, fmt.Errorf("in %s: %w", display, err)
	}

	var items []Item
	for _, item := range program.Items {
		imported, ok := item.(ImportItem)
		if !ok {
			items = append(items, item)
			continue
		}
		if l.resolver == nil {
			return nil, fmt.Errorf("in %s: no import resolver for %q", display, imported.Path)
		}
		subSrc, err := l.resolver.Resolve(imported.Path)
		if err != nil {
			return nil, fmt.Errorf("in %s: %w", display, err)
		}
		subItems, err := l.load(imported.Path, subSrc)
		if err != nil {
			return nil, err
		}
		items = append(items, subItems...)
	}
	return items, nil
}
