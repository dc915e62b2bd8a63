package validation

import (
	"context"

	"github.com/triage-ai/palisade/services/tool_gate/internal/registry"
)

// Check is the interface every validation check must implement.
// Implementations must respect context deadlines and return quickly.
type Check interface {
	// Name returns the check's unique identifier.
	Name() string

	// Run inspects the request and returns its findings. A returned error is
	// a fault in the check itself, not a validation failure.
	Run(ctx context.Context, req *CheckRequest) (*Findings, error)
}

// CheckRequest contains all the context a check needs.
type CheckRequest struct {
	Context
	ToolDef *registry.ToolDefinition // nil for unregistered tools
}

// Findings is the outcome of a single check run.
type Findings struct {
	Errors      []Error
	Warnings    []Warning
	Suggestions []Suggestion
}

func (f *Findings) AddError(e Error) {
	f.Errors = append(f.Errors, e)
}

func (f *Findings) AddWarning(w Warning) {
	f.Warnings = append(f.Warnings, w)
}

func (f *Findings) AddSuggestion(s Suggestion) {
	f.Suggestions = append(f.Suggestions, s)
}
