package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// PatternKind is the discriminator prefix of a rule pattern
type PatternKind string

const (
	KindRegex     PatternKind = "regex"
	KindJSONPath  PatternKind = "json-path"
	KindTemplate  PatternKind = "template"
	KindScript    PatternKind = "script"
	KindComposite PatternKind = "composite"
)

var patternKinds = []PatternKind{KindRegex, KindJSONPath, KindTemplate, KindScript, KindComposite}

// ParsePattern splits a pattern into its kind and body.
// Patterns without a recognised prefix are regular expressions.
func ParsePattern(pattern string) (PatternKind, string) {
	for _, kind := range patternKinds {
		prefix := string(kind) + ":"
		if strings.HasPrefix(pattern, prefix) {
			return kind, strings.TrimPrefix(pattern, prefix)
		}
	}
	return KindRegex, pattern
}

// outcome is the partial result produced by a kind-specific evaluator
type outcome struct {
	matched    bool
	actions    []Action
	conditions []string
}

type evaluator func(ctx context.Context, facts Facts, tr *tracer) outcome

type tracer struct {
	entries []TraceEntry
}

func (t *tracer) add(e TraceEntry) {
	if t != nil {
		t.entries = append(t.entries, e)
	}
}

func matchedOutcome(rule *Rule, facts Facts, condition string) outcome {
	return outcome{
		matched:    true,
		actions:    resolveActions(rule, facts),
		conditions: []string{condition},
	}
}

func (c *Compiler) compileKind(rule *Rule, kind PatternKind, body string, depth int) (evaluator, error) {
	switch kind {
	case KindRegex:
		return compileRegex(rule, body)
	case KindJSONPath:
		return compileJSONPath(rule, body)
	case KindTemplate:
		return compileTemplate(rule, body), nil
	case KindScript:
		return c.compileScript(rule, body)
	case KindComposite:
		return c.compileComposite(rule, body, depth)
	default:
		return nil, fmt.Errorf("unknown pattern kind %q", kind)
	}
}

func compileRegex(rule *Rule, body string) (evaluator, error) {
	re, err := regexp.Compile("(?i)" + body)
	if err != nil {
		return nil, fmt.Errorf("regex compile: %w", err)
	}
	condition := string(KindRegex) + ":" + body

	return func(_ context.Context, facts Facts, tr *tracer) outcome {
		start := time.Now()
		raw, ok := facts["data"]
		if !ok || raw == nil {
			tr.add(TraceEntry{Kind: KindRegex, Pattern: body, Detail: "no data in context", Duration: time.Since(start)})
			return outcome{}
		}
		matched := re.MatchString(stringify(raw))
		tr.add(TraceEntry{Kind: KindRegex, Pattern: body, Matched: matched, Duration: time.Since(start)})
		if !matched {
			return outcome{}
		}
		return matchedOutcome(rule, facts, condition)
	}, nil
}

// normalizeJSONPath turns "$.a.b" or "$a.b" into the gjson path "a.b"
func normalizeJSONPath(body string) string {
	path := strings.TrimSpace(body)
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")
	return path
}

func compileJSONPath(rule *Rule, body string) (evaluator, error) {
	path := normalizeJSONPath(body)
	if path == "" {
		return nil, fmt.Errorf("json-path is empty")
	}
	condition := string(KindJSONPath) + ":" + path

	return func(_ context.Context, facts Facts, tr *tracer) outcome {
		start := time.Now()
		doc, err := json.Marshal(facts)
		if err != nil {
			tr.add(TraceEntry{Kind: KindJSONPath, Pattern: path, Error: err.Error(), Duration: time.Since(start)})
			return outcome{}
		}
		res := gjson.GetBytes(doc, path)
		matched := res.Exists()
		tr.add(TraceEntry{Kind: KindJSONPath, Pattern: path, Matched: matched, Detail: res.Raw, Duration: time.Since(start)})
		if !matched {
			return outcome{}
		}
		return matchedOutcome(rule, facts, condition)
	}, nil
}

func compileTemplate(rule *Rule, body string) evaluator {
	condition := string(KindTemplate) + ":" + body

	return func(_ context.Context, facts Facts, tr *tracer) outcome {
		start := time.Now()
		rendered := renderTemplate(body, facts)
		target, ok := facts["target"]
		matched := ok && target != nil && stringify(target) == rendered
		tr.add(TraceEntry{Kind: KindTemplate, Pattern: body, Matched: matched, Detail: rendered, Duration: time.Since(start)})
		if !matched {
			return outcome{}
		}
		return matchedOutcome(rule, facts, condition)
	}
}

func parseComposite(body string) ([]string, error) {
	var parts []string
	if err := json.Unmarshal([]byte(body), &parts); err != nil {
		return nil, fmt.Errorf("composite pattern must be a JSON array of pattern strings: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("composite pattern has no sub-patterns")
	}
	return parts, nil
}

func (c *Compiler) compileComposite(rule *Rule, body string, depth int) (evaluator, error) {
	if depth >= c.config.MaxCompositeDepth {
		return nil, fmt.Errorf("composite nesting exceeds %d levels", c.config.MaxCompositeDepth)
	}
	parts, err := parseComposite(body)
	if err != nil {
		return nil, err
	}

	subs := make([]evaluator, 0, len(parts))
	for i, part := range parts {
		kind, subBody := ParsePattern(part)
		sub, err := c.compileKind(rule, kind, subBody, depth+1)
		if err != nil {
			return nil, fmt.Errorf("composite[%d]: %w", i, err)
		}
		subs = append(subs, sub)
	}

	return func(ctx context.Context, facts Facts, tr *tracer) outcome {
		start := time.Now()
		var (
			result  outcome
			order   []string
			byType  = map[string]Action{}
			matches int
		)
		for _, sub := range subs {
			o := sub(ctx, facts, tr)
			if !o.matched {
				continue
			}
			matches++
			result.matched = true
			result.conditions = append(result.conditions, o.conditions...)
			for _, a := range o.actions {
				if _, seen := byType[a.Type]; !seen {
					order = append(order, a.Type)
				}
				byType[a.Type] = a
			}
		}
		for _, t := range order {
			result.actions = append(result.actions, byType[t])
		}
		tr.add(TraceEntry{
			Kind:     KindComposite,
			Pattern:  body,
			Matched:  result.matched,
			Detail:   fmt.Sprintf("%d of %d sub-patterns matched", matches, len(subs)),
			Duration: time.Since(start),
		})
		return result
	}, nil
}

// validateBody returns the problems found in a pattern body of the given kind
func (c *Compiler) validateBody(kind PatternKind, body string, depth int) []string {
	if strings.TrimSpace(body) == "" {
		return []string{fmt.Sprintf("%s pattern body is empty", kind)}
	}

	switch kind {
	case KindRegex:
		if _, err := regexp.Compile("(?i)" + body); err != nil {
			return []string{fmt.Sprintf("invalid regex: %v", err)}
		}
	case KindJSONPath:
		path := normalizeJSONPath(body)
		if path == "" {
			return []string{"json-path is empty"}
		}
		if strings.Contains(path, "..") || strings.HasSuffix(path, ".") {
			return []string{fmt.Sprintf("json-path %q has an empty segment", path)}
		}
	case KindTemplate:
		if strings.Count(body, "{{") != strings.Count(body, "}}") {
			return []string{"template has unbalanced {{ }} placeholders"}
		}
	case KindScript:
		if err := c.checkScript(body); err != nil {
			return []string{err.Error()}
		}
	case KindComposite:
		if depth >= c.config.MaxCompositeDepth {
			return []string{fmt.Sprintf("composite nesting exceeds %d levels", c.config.MaxCompositeDepth)}
		}
		parts, err := parseComposite(body)
		if err != nil {
			return []string{err.Error()}
		}
		var problems []string
		for i, part := range parts {
			subKind, subBody := ParsePattern(part)
			for _, p := range c.validateBody(subKind, subBody, depth+1) {
				problems = append(problems, fmt.Sprintf("composite[%d]: %s", i, p))
			}
		}
		return problems
	}
	return nil
}
