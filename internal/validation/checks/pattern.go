package checks

import (
	"context"
	"fmt"
	"strings"

	"github.com/triage-ai/palisade/services/tool_gate/internal/learning"
	"github.com/triage-ai/palisade/services/tool_gate/internal/validation"
	"go.uber.org/zap"
)

const patternOverlap = 0.8

// PatternCheck compares the parameter shape with learned failed and
// successful shapes for the tool. Store errors skip the check.
type PatternCheck struct {
	store  learning.PatternStore
	logger *zap.Logger
}

func NewPatternCheck(store learning.PatternStore, logger *zap.Logger) *PatternCheck {
	return &PatternCheck{store: store, logger: logger}
}

func (c *PatternCheck) Name() string {
	return "pattern"
}

func (c *PatternCheck) Run(ctx context.Context, req *validation.CheckRequest) (*validation.Findings, error) {
	if c.store == nil {
		return nil, nil
	}
	set, err := c.store.GetPatterns(ctx, req.ChannelID, req.ToolName, true)
	if err != nil {
		c.logger.Debug("pattern store unavailable, skipping pattern check",
			zap.String("tool_name", req.ToolName),
			zap.Error(err),
		)
		return nil, nil
	}

	f := &validation.Findings{}
	keys := learning.ParameterKeys(req.Parameters)

	if failed, ok := bestMatch(keys, set.Failed); ok {
		f.AddError(validation.Error{
			Type:     validation.ErrorPattern,
			Severity: validation.SeverityMedium,
			Message: fmt.Sprintf("parameters match a previously failed shape (%s, seen %d times)",
				failed.ErrorType, failed.Frequency),
			SuggestedFix: "compare with parameters from successful calls to " + req.ToolName,
		})
	}

	if len(set.Successful) == 0 {
		return f, nil
	}
	success, ok := bestMatch(keys, set.Successful)
	if !ok {
		f.AddWarning(validation.Warning{
			Type:    validation.ErrorPattern,
			Message: "parameter shape not seen in successful calls",
			Impact:  validation.SeverityLow,
		})
		return f, nil
	}
	if missing := difference(success.Keys, keys); len(missing) > 0 {
		f.AddSuggestion(validation.Suggestion{
			Type:       "add_parameters",
			Message:    fmt.Sprintf("successful calls to %s also set: %s", req.ToolName, strings.Join(missing, ", ")),
			Confidence: success.Confidence,
		})
	}
	return f, nil
}

// bestMatch returns the highest-confidence pattern whose key set overlaps
// keys by at least patternOverlap.
func bestMatch(keys []string, patterns []learning.Pattern) (learning.Pattern, bool) {
	var (
		best  learning.Pattern
		found bool
	)
	for _, p := range patterns {
		if learning.KeyOverlap(keys, p.Keys) < patternOverlap {
			continue
		}
		if !found || p.Confidence > best.Confidence {
			best, found = p, true
		}
	}
	return best, found
}

// difference returns the members of a missing from b, preserving a's order.
func difference(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, k := range b {
		in[k] = true
	}
	var out []string
	for _, k := range a {
		if !in[k] {
			out = append(out, k)
		}
	}
	return out
}
