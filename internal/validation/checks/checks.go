// Package checks implements the validation checks run by the Validator.
//
// BLOCKING runs schema, business-logic, pattern and performance checks in
// that order; STRICT appends security and compliance.
package checks

import (
	"fmt"
	"sort"
	"strings"

	"github.com/triage-ai/palisade/services/tool_gate/internal/learning"
	"github.com/triage-ai/palisade/services/tool_gate/internal/validation"
	"go.uber.org/zap"
)

// Deps are the collaborators shared by the stateful checks.
type Deps struct {
	Patterns learning.PatternStore  // may be nil
	Metrics  learning.MetricsSource // may be nil
	Logger   *zap.Logger
}

// Blocking returns the BLOCKING check set in execution order.
func Blocking(d Deps) []validation.Check {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return []validation.Check{
		NewSchemaCheck(),
		NewBusinessLogicCheck(),
		NewPatternCheck(d.Patterns, d.Logger),
		NewPerformanceCheck(d.Metrics, d.Logger),
	}
}

// Strict returns the checks appended at STRICT, in execution order.
func Strict() []validation.Check {
	return []validation.Check{
		NewSecurityCheck(),
		NewComplianceCheck(),
	}
}

// walk visits every scalar in params depth-first with keys sorted, passing
// the dotted path and the innermost key.
func walk(params map[string]any, fn func(path, key string, v any)) {
	walkValue("", "", params, fn)
}

func walkValue(path, key string, v any, fn func(path, key string, v any)) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkValue(joinPath(path, k), k, t[k], fn)
		}
	case []any:
		for i, item := range t {
			walkValue(fmt.Sprintf("%s[%d]", path, i), key, item, fn)
		}
	case []string:
		for i, item := range t {
			fn(fmt.Sprintf("%s[%d]", path, i), key, item)
		}
	default:
		fn(path, key, v)
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// normalizeKey lowercases and folds separators so "API-Key" and "apiKey"
// compare alike.
func normalizeKey(k string) string {
	k = strings.ToLower(k)
	return strings.NewReplacer("-", "", "_", "", " ", "").Replace(k)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
