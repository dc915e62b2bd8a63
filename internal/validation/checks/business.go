package checks

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/triage-ai/palisade/services/tool_gate/internal/validation"
)

var destructiveToolRe = regexp.MustCompile(`(?i)(delete|drop|remove|destroy|truncate|purge|wipe|kill|terminate|^rm$|_rm$)`)

// Parameters whose numeric value sizes the work a tool will do.
var sizingKeys = map[string]bool{
	"limit": true, "count": true, "size": true, "maxresults": true,
	"pagesize": true, "batchsize": true, "depth": true, "maxdepth": true,
	"n": true, "top": true, "maxtokens": true,
}

// Parameters naming the target of an operation.
var targetKeys = map[string]bool{
	"path": true, "paths": true, "target": true, "table": true, "bucket": true,
	"directory": true, "dir": true, "pattern": true, "glob": true, "resource": true,
}

const resourceLimit = 1000

// BusinessLogicCheck applies destructive-operation and resource-intensity
// heuristics.
type BusinessLogicCheck struct{}

func NewBusinessLogicCheck() *BusinessLogicCheck {
	return &BusinessLogicCheck{}
}

func (c *BusinessLogicCheck) Name() string {
	return "business_logic"
}

func (c *BusinessLogicCheck) Run(_ context.Context, req *validation.CheckRequest) (*validation.Findings, error) {
	f := &validation.Findings{}
	destructive := req.ToolDef.IsDestructive() || destructiveToolRe.MatchString(req.ToolName)

	if destructive {
		checkDestructive(f, req)
	}

	walk(req.Parameters, func(path, key string, v any) {
		if !sizingKeys[normalizeKey(key)] {
			return
		}
		n, ok := toFloat(v)
		if !ok || n <= resourceLimit {
			return
		}
		f.AddWarning(validation.Warning{
			Type:    validation.ErrorBusinessLogic,
			Message: fmt.Sprintf("resource-intensive request: %s=%v", path, v),
			Impact:  validation.SeverityMedium,
			Field:   path,
		})
		f.AddSuggestion(validation.Suggestion{
			Type:       "reduce_parameter",
			Message:    fmt.Sprintf("reduce %s to at most %d", path, resourceLimit),
			Confidence: 0.6,
		})
	})

	return f, nil
}

func checkDestructive(f *validation.Findings, req *validation.CheckRequest) {
	td := req.ToolDef
	if td != nil && td.RequiresConfirm && !confirmed(req.Parameters) {
		f.AddError(validation.Error{
			Type:         validation.ErrorBusinessLogic,
			Severity:     validation.SeverityHigh,
			Message:      "destructive tool requires user confirmation",
			Field:        "confirmed",
			SuggestedFix: "set confirmed=true after obtaining user confirmation",
		})
	} else {
		f.AddWarning(validation.Warning{
			Type:    validation.ErrorBusinessLogic,
			Message: fmt.Sprintf("destructive operation: %s", req.ToolName),
			Impact:  validation.SeverityMedium,
		})
	}

	walk(req.Parameters, func(path, key string, v any) {
		s, ok := v.(string)
		if !ok || !targetKeys[normalizeKey(key)] {
			return
		}
		switch strings.TrimSpace(s) {
		case "*", "/", "/*", "~", ".", "":
			f.AddError(validation.Error{
				Type:         validation.ErrorBusinessLogic,
				Severity:     validation.SeverityHigh,
				Message:      fmt.Sprintf("destructive operation targets a wildcard or root: %s=%q", path, s),
				Field:        path,
				SuggestedFix: "name the specific resource to act on",
			})
		}
	})

	if truthy(req.Parameters["force"]) && truthy(req.Parameters["recursive"]) {
		f.AddError(validation.Error{
			Type:         validation.ErrorBusinessLogic,
			Severity:     validation.SeverityMedium,
			Message:      "forced recursive destructive operation",
			Field:        "force",
			SuggestedFix: "drop force or recursive",
		})
	}
}

func confirmed(params map[string]any) bool {
	return truthy(params["confirmed"]) || truthy(params["user_confirmed"])
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true") || t == "1" || strings.EqualFold(t, "yes")
	}
	return false
}
