package lcd

import (
	"fmt"
	"time"
)

// Version is stamped by the build; the default user agent carries it.
var Version = "0.3.0"

// Variable names the crawl knobs an LCD program may set. The schema is
// closed: setting anything else is a compile error.
type Variable string

const (
	VarUserAgent      Variable = "user_agent"
	VarQuota          Variable = "quota"
	VarMaxDepth       Variable = "max_depth"
	VarBatchSize      Variable = "batch_size"
	VarMaxHitsPerSec  Variable = "max_hits_per_sec"
	VarRequestTimeout Variable = "request_timeout"
	VarMaxBodySize    Variable = "max_body_size"
	VarEnablePageRank Variable = "enable_page_rank"
)

func knownVariable(name string) bool {
	switch Variable(name) {
	case VarUserAgent, VarQuota, VarMaxDepth, VarBatchSize, VarMaxHitsPerSec,
		VarRequestTimeout, VarMaxBodySize, VarEnablePageRank:
		return true
	}
	return false
}

// SetVariables is the typed view over the program's `set` directives.
// Getters fall back to documented defaults; validation has already run, so
// they cannot fail after compilation.
type SetVariables struct {
	values map[Variable]Value
}

// DefaultUserAgent identifies the crawler on the wire.
func DefaultUserAgent() string { return "lopez/" + Version }

func (s *SetVariables) get(name Variable) (Value, bool) {
	v, ok := s.values[name]
	return v, ok
}

// UserAgent returns the configured or default user agent.
func (s *SetVariables) UserAgent() string {
	if v, ok := s.get(VarUserAgent); ok {
		return v.(string)
	}
	return DefaultUserAgent()
}

// Quota is the global page budget; zero means unlimited.
func (s *SetVariables) Quota() int {
	if v, ok := s.get(VarQuota); ok {
		f, _ := asF64(v)
		return int(f)
	}
	return 1000
}

// MaxDepth bounds the frontier depth.
func (s *SetVariables) MaxDepth() int {
	if v, ok := s.get(VarMaxDepth); ok {
		f, _ := asF64(v)
		return int(f)
	}
	return 7
}

// BatchSize is how many open pages one engine tick takes.
func (s *SetVariables) BatchSize() int {
	if v, ok := s.get(VarBatchSize); ok {
		f, _ := asF64(v)
		return int(f)
	}
	return 64
}

// MaxHitsPerSec is the per-origin politeness rate.
func (s *SetVariables) MaxHitsPerSec() float64 {
	if v, ok := s.get(VarMaxHitsPerSec); ok {
		f, _ := asF64(v)
		return f
	}
	return 2.5
}

// RequestTimeout is the per-request deadline.
func (s *SetVariables) RequestTimeout() time.Duration {
	secs := 60.0
	if v, ok := s.get(VarRequestTimeout); ok {
		secs, _ = asF64(v)
	}
	return time.Duration(secs * float64(time.Second))
}

// MaxBodySize caps the decoded response body in bytes.
func (s *SetVariables) MaxBodySize() int {
	if v, ok := s.get(VarMaxBodySize); ok {
		f, _ := asF64(v)
		return int(f)
	}
	return 10_000_000
}

// EnablePageRank controls the post-crawl ranking pass.
func (s *SetVariables) EnablePageRank() bool {
	if v, ok := s.get(VarEnablePageRank); ok {
		return v.(bool)
	}
	return true
}

// validateVariable type-checks one `set` against the schema.
func validateVariable(item SetVariableItem) error {
	fail := func(want string) error {
		return &ParseError{
			Line: item.Line,
			Col:  item.Col,
			Msg:  fmt.Sprintf("variable `%s` wants %s, got %s", item.Name, want, formatLiteral(item.Value)),
		}
	}
	switch Variable(item.Name) {
	case VarUserAgent:
		if _, ok := item.Value.(string); !ok {
			return fail("a string")
		}
	case VarQuota, VarMaxDepth:
		f, ok := asF64(item.Value)
		if !ok || f < 0 || f != float64(int(f)) {
			return fail("an integer >= 0")
		}
	case VarBatchSize:
		f, ok := asF64(item.Value)
		if !ok || f < 1 || f != float64(int(f)) {
			return fail("an integer >= 1")
		}
	case VarMaxBodySize:
		f, ok := asF64(item.Value)
		if !ok || f <= 0 || f != float64(int(f)) {
			return fail("an integer > 0")
		}
	case VarMaxHitsPerSec, VarRequestTimeout:
		f, ok := asF64(item.Value)
		if !ok || f <= 0 {
			return fail("a number > 0")
		}
	case VarEnablePageRank:
		if _, ok := item.Value.(bool); !ok {
			return fail("a boolean")
		}
	default:
		return &ParseError{
			Line: item.Line,
			Col:  item.Col,
			Msg:  fmt.Sprintf("unknown variable `%s`", item.Name),
		}
	}
	return nil
}
