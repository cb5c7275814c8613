package internal

import (
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/PaesslerAG/jsonpath"
)

// Rule routes data matching When to the Emit topic.
type Rule struct {
	When    string   `yaml:"when"`
	Emit    string   `yaml:"emit"`
	Drivers []string `yaml:"drivers"`
}

// RuleMatch is a topic selected by a rule, with the drivers it should go to.
// Empty Drivers means the publisher defaults.
type RuleMatch struct {
	Topic   string
	Drivers []string
}

type compiledRule struct {
	emit    string
	drivers []string
	expr    *Expression
}

type RuleEngine struct {
	rules  []compiledRule
	strict bool
	logger *log.Logger
}

func NewRuleEngine(cfg RulesConfig) (*RuleEngine, error) {
	rules := make([]compiledRule, 0, len(cfg.Rules))
	for i, rule := range cfg.Rules {
		expr, err := CompileExpression(rule.When)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, compiledRule{emit: rule.Emit, drivers: rule.Drivers, expr: expr})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &RuleEngine{rules: rules, strict: cfg.Strict, logger: logger}, nil
}

// Len returns the number of compiled rules.
func (r *RuleEngine) Len() int {
	if r == nil {
		return 0
	}
	return len(r.rules)
}

// Evaluate returns the matches for data, in rule order.
func (r *RuleEngine) Evaluate(data interface{}) []RuleMatch {
	return r.EvaluateWithLogger(data, nil)
}

// EvaluateWithLogger is Evaluate with evaluation errors written to logger.
func (r *RuleEngine) EvaluateWithLogger(data interface{}, logger *log.Logger) []RuleMatch {
	if r == nil || len(r.rules) == 0 {
		return nil
	}
	if logger == nil {
		logger = r.logger
	}

	matches := make([]RuleMatch, 0, 1)
	for _, rule := range r.rules {
		ok, err := rule.expr.Evaluate(data, r.strict)
		if err != nil {
			logger.Printf("rule eval failed when=%q: %v", rule.expr.String(), err)
			continue
		}
		if ok {
			matches = append(matches, RuleMatch{Topic: rule.emit, Drivers: rule.drivers})
		}
	}
	return matches
}

// Filter is a set of expressions where any match accepts the data.
type Filter struct {
	engine *RuleEngine
}

// NewFilter compiles expressions into a filter. A filter with no expressions
// accepts everything.
func NewFilter(expressions []string, strict bool, logger *log.Logger) (*Filter, error) {
	rules := make([]Rule, 0, len(expressions))
	for _, when := range expressions {
		rules = append(rules, Rule{When: when, Emit: "match"})
	}
	engine, err := NewRuleEngine(RulesConfig{Rules: rules, Strict: strict, Logger: logger})
	if err != nil {
		return nil, err
	}
	return &Filter{engine: engine}, nil
}

// Accept reports whether data passes the filter.
func (f *Filter) Accept(data interface{}) bool {
	if f == nil || f.engine.Len() == 0 {
		return true
	}
	return len(f.engine.Evaluate(data)) > 0
}

// Expression is a govaluate expression whose variables are JSON paths into
// the evaluated document. Both `pull_request.draft` and
// `$.pull_request[0].draft` are accepted.
type Expression struct {
	source string
	expr   *govaluate.EvaluableExpression
	params []paramRef
}

type paramRef struct {
	name string
	path string
}

var pathPattern = regexp.MustCompile(`^(\$|[A-Za-z_][A-Za-z0-9_]*)(\.[A-Za-z_][A-Za-z0-9_]*|\[\d+\])*`)

var reservedWords = map[string]struct{}{
	"true":  {},
	"false": {},
	"in":    {},
	"IN":    {},
}

var expressionFunctions = map[string]govaluate.ExpressionFunction{
	// govaluate spreads an array argument into the argument list, so
	// contains(labels, "bug") arrives as (labels..., "bug"). A single
	// element array is indistinguishable from a string and matches by
	// substring, which covers the exact match.
	"contains": func(args ...interface{}) (interface{}, error) {
		switch len(args) {
		case 0:
			return nil, fmt.Errorf("contains expects 2 arguments, got 0")
		case 1:
			return false, nil
		case 2:
			if haystack, ok := args[0].(string); ok {
				needle, ok := args[1].(string)
				return ok && strings.Contains(haystack, needle), nil
			}
			return args[0] == args[1], nil
		}
		needle := args[len(args)-1]
		for _, item := range args[:len(args)-1] {
			if item == needle {
				return true, nil
			}
		}
		return false, nil
	},
	"like": func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("like expects 2 arguments, got %d", len(args))
		}
		value, ok := args[0].(string)
		if !ok {
			return false, nil
		}
		pattern, ok := args[1].(string)
		if !ok {
			return false, nil
		}
		return likeMatch(value, pattern), nil
	},
	"hasPrefix": func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("hasPrefix expects 2 arguments, got %d", len(args))
		}
		value, ok := args[0].(string)
		prefix, ok2 := args[1].(string)
		return ok && ok2 && strings.HasPrefix(value, prefix), nil
	},
}

// CompileExpression parses src into an Expression.
func CompileExpression(src string) (*Expression, error) {
	rewritten, params := rewritePaths(src)
	expr, err := govaluate.NewEvaluableExpressionWithFunctions(rewritten, expressionFunctions)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	return &Expression{source: src, expr: expr, params: params}, nil
}

func (e *Expression) String() string {
	return e.source
}

// Evaluate runs the expression against data. Paths missing from data resolve
// to nil, or fail the evaluation when strict is set.
func (e *Expression) Evaluate(data interface{}, strict bool) (bool, error) {
	params := make(map[string]interface{}, len(e.params))
	for _, ref := range e.params {
		value, err := jsonpath.Get(ref.path, data)
		if err != nil {
			if strict {
				return false, fmt.Errorf("resolve %s: %w", ref.path, err)
			}
			value = nil
		}
		params[ref.name] = normalizeNumber(value)
	}
	result, err := e.expr.Evaluate(params)
	if err != nil {
		return false, err
	}
	ok, _ := result.(bool)
	return ok, nil
}

// rewritePaths replaces every path outside string literals with a generated
// parameter name and returns the JSON paths they stand for.
func rewritePaths(src string) (string, []paramRef) {
	var (
		out    strings.Builder
		params []paramRef
		byPath = map[string]string{}
		quote  byte
	)
	for i := 0; i < len(src); {
		c := src[i]
		if quote != 0 {
			out.WriteByte(c)
			if c == '\\' && i+1 < len(src) {
				out.WriteByte(src[i+1])
				i += 2
				continue
			}
			if c == quote {
				quote = 0
			}
			i++
			continue
		}
		if c == '"' || c == '\'' || c == '`' {
			quote = c
			out.WriteByte(c)
			i++
			continue
		}
		if (i > 0 && isWordByte(src[i-1])) || !(c == '$' || c == '_' || isLetter(c)) {
			out.WriteByte(c)
			i++
			continue
		}
		match := pathPattern.FindString(src[i:])
		if match == "" {
			out.WriteByte(c)
			i++
			continue
		}
		next := i + len(match)
		if _, reserved := reservedWords[match]; reserved || nextNonSpace(src, next) == '(' {
			out.WriteString(match)
			i = next
			continue
		}
		path := match
		if !strings.HasPrefix(path, "$") {
			path = "$." + path
		}
		name, ok := byPath[path]
		if !ok {
			name = "path" + strconv.Itoa(len(params))
			byPath[path] = name
			params = append(params, paramRef{name: name, path: path})
		}
		out.WriteString(name)
		i = next
	}
	return out.String(), params
}

func nextNonSpace(s string, i int) byte {
	for ; i < len(s); i++ {
		if s[i] != ' ' && s[i] != '\t' {
			return s[i]
		}
	}
	return 0
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isWordByte(c byte) bool {
	return isLetter(c) || (c >= '0' && c <= '9') || c == '_' || c == '.'
}

// normalizeNumber widens integer types so comparisons with govaluate's
// float64 literals behave.
func normalizeNumber(value interface{}) interface{} {
	switch n := value.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	default:
		return value
	}
}

// likeMatch implements SQL LIKE with % and _ wildcards.
func likeMatch(value, pattern string) bool {
	if pattern == "" {
		return value == ""
	}
	switch pattern[0] {
	case '%':
		for i := 0; i <= len(value); i++ {
			if likeMatch(value[i:], pattern[1:]) {
				return true
			}
		}
		return false
	case '_':
		return value != "" && likeMatch(value[1:], pattern[1:])
	default:
		return value != "" && value[0] == pattern[0] && likeMatch(value[1:], pattern[1:])
	}
}
