package rules

import (
	"fmt"
	"maps"
	"reflect"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

var (
	actionPlaceholder   = regexp.MustCompile(`^\$\{([^{}]+)\}$`)
	templatePlaceholder = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
)

// ResolvePath walks a dotted path through nested maps and slices.
// The walk stops at the first missing or nil value and reports false.
func ResolvePath(facts Facts, path string) (any, bool) {
	v, ok := lookupPath(facts, path)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// lookupPath is ResolvePath except that a final value explicitly set to nil
// is found
func lookupPath(facts Facts, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var current any = map[string]any(facts)
	for i, part := range parts {
		next, ok := step(current, part)
		if !ok || (next == nil && i < len(parts)-1) {
			return nil, false
		}
		current = next
	}
	return current, true
}

func step(current any, key string) (any, bool) {
	switch v := current.(type) {
	case map[string]any:
		next, ok := v[key]
		return next, ok
	case Facts:
		next, ok := v[key]
		return next, ok
	case map[string]string:
		next, ok := v[key]
		return next, ok
	case []any:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(v) {
			return nil, false
		}
		return v[i], true
	}

	// Typed maps and slices coming from decoded or hand-built facts
	rv := reflect.ValueOf(current)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		val := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !val.IsValid() {
			return nil, false
		}
		return val.Interface(), true
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	}
	return nil, false
}

// hasAllPaths reports whether every path resolves to a non-nil value
func hasAllPaths(facts Facts, paths []string) bool {
	for _, p := range paths {
		if _, ok := ResolvePath(facts, p); !ok {
			return false
		}
	}
	return true
}

// renderTemplate replaces {{dotted.path}} placeholders with fact values.
// Unresolved placeholders render as an empty string.
func renderTemplate(tmpl string, facts Facts) string {
	return templatePlaceholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		path := templatePlaceholder.FindStringSubmatch(m)[1]
		v, ok := ResolvePath(facts, path)
		if !ok {
			return ""
		}
		return stringify(v)
	})
}

// resolveActions copies the rule's action parameters, substituting any
// string value of the exact form ${dotted.path} with the fact it names.
// Placeholders naming an undefined fact are kept as written.
func resolveActions(rule *Rule, facts Facts) []Action {
	if len(rule.Actions) == 0 {
		return nil
	}
	out := make([]Action, 0, len(rule.Actions))
	for _, actionType := range slices.Sorted(maps.Keys(rule.Actions)) {
		params := rule.Actions[actionType]
		resolved := make(map[string]any, len(params))
		for k, v := range params {
			resolved[k] = v
			s, ok := v.(string)
			if !ok {
				continue
			}
			m := actionPlaceholder.FindStringSubmatch(s)
			if m == nil {
				continue
			}
			if val, ok := lookupPath(facts, strings.TrimSpace(m[1])); ok {
				resolved[k] = val
			}
		}
		out = append(out, Action{Type: actionType, Parameters: resolved})
	}
	return out
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}
