package policy

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// LoggingRule declares what a call's log summary may contain: an allow-list
// of parameter names and an allow-list of dotted body locators. Everything
// not named stays out of the logs.
type LoggingRule struct {
	Params    []string `yaml:"params"`
	BodyPaths []string `yaml:"bodyPaths"`
}

// LoggingPolicy is the default rule plus per-operation overrides, with a
// recursive redactor for sensitive field names.
type LoggingPolicy struct {
	Default   LoggingRule            `yaml:"default"`
	Overrides map[string]LoggingRule `yaml:"operations"`
	Sensitive []string               `yaml:"sensitiveNames"`

	sensitive map[string]struct{}
}

// builtinSensitive always triggers redaction regardless of configuration.
var builtinSensitive = []string{"token", "secret", "password", "authorization"}

// maxLoggedString bounds any string copied into a log summary.
const maxLoggedString = 120

// LoadLoggingPolicy reads the YAML logging-policy document. An empty path
// yields a policy that logs nothing but redacts everything it is handed.
func LoadLoggingPolicy(path string) (*LoggingPolicy, error) {
	p := &LoggingPolicy{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, p); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	p.init()
	return p, nil
}

func (p *LoggingPolicy) init() {
	p.sensitive = make(map[string]struct{}, len(builtinSensitive)+len(p.Sensitive))
	for _, n := range builtinSensitive {
		p.sensitive[n] = struct{}{}
	}
	for _, n := range p.Sensitive {
		p.sensitive[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
}

// ruleFor is the explicit two-step lookup: per-operation override, else the
// declared default.
func (p *LoggingPolicy) ruleFor(operationID string) LoggingRule {
	if r, ok := p.Overrides[operationID]; ok {
		return r
	}
	return p.Default
}

// SummarizeForLog copies only allow-listed parameter names and body locator
// values, redacts sensitive names recursively, and truncates long strings.
// This output, never the raw payload, is what may reach a log sink.
func (p *LoggingPolicy) SummarizeForLog(operationID string, params map[string]any, body any) map[string]any {
	if p.sensitive == nil {
		p.init()
	}
	rule := p.ruleFor(operationID)
	out := map[string]any{}

	for _, name := range rule.Params {
		if v, ok := params[name]; ok {
			out[name] = p.scrub(name, v, 0)
		}
	}

	for _, loc := range rule.BodyPaths {
		if v, ok := lookupBodyPath(body, loc); ok {
			key := "body." + strings.TrimPrefix(loc, "$.")
			leaf := loc
			if i := strings.LastIndex(loc, "."); i >= 0 {
				leaf = loc[i+1:]
			}
			out[key] = p.scrub(leaf, v, 0)
		}
	}
	return out
}

// scrub applies name-based redaction and string truncation recursively.
func (p *LoggingPolicy) scrub(name string, v any, depth int) any {
	if p.isSensitive(name) {
		return "[REDACTED]"
	}
	if depth > 8 {
		return "[TRUNCATED]"
	}
	switch t := v.(type) {
	case string:
		if len(t) > maxLoggedString {
			cut := maxLoggedString
			// Back off to a rune boundary so the summary stays valid UTF-8.
			for cut > 0 && !utf8.RuneStart(t[cut]) {
				cut--
			}
			return t[:cut] + "…"
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = p.scrub(k, vv, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = p.scrub(name, vv, depth+1)
		}
		return out
	}
	return v
}

func (p *LoggingPolicy) isSensitive(name string) bool {
	lower := strings.ToLower(name)
	for s := range p.sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// lookupBodyPath walks a dotted locator ("$.filter.interval" or
// "filter.interval") through nested maps.
func lookupBodyPath(body any, loc string) (any, bool) {
	loc = strings.TrimPrefix(strings.TrimSpace(loc), "$.")
	if loc == "" {
		return nil, false
	}
	cur := body
	for _, seg := range strings.Split(loc, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
