// Package validation runs level-dependent checks against a tool call and
// produces a structured, cacheable result.
package validation

import (
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/risk"
)

// Severity grades errors and warnings. Also used for overall risk.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// ErrorType names the check family that produced a finding.
type ErrorType string

const (
	ErrorSchema        ErrorType = "SCHEMA"
	ErrorBusinessLogic ErrorType = "BUSINESS_LOGIC"
	ErrorPattern       ErrorType = "PATTERN"
	ErrorPerformance   ErrorType = "PERFORMANCE"
	ErrorSecurity      ErrorType = "SECURITY"
	ErrorCompliance    ErrorType = "COMPLIANCE"
	ErrorTimeout       ErrorType = "TIMEOUT"
	ErrorInternal      ErrorType = "INTERNAL"
	ErrorBypass        ErrorType = "BYPASS"
)

type Error struct {
	Type         ErrorType `json:"type"`
	Severity     Severity  `json:"severity"`
	Message      string    `json:"message"`
	Field        string    `json:"field,omitempty"`
	SuggestedFix string    `json:"suggested_fix,omitempty"`
}

type Warning struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Impact  Severity  `json:"impact"`
	Field   string    `json:"field,omitempty"`
}

type Suggestion struct {
	Type       string  `json:"type"`
	Message    string  `json:"message"`
	Confidence float64 `json:"confidence"`
}

// RiskAssessment summarizes the risk implied by a result.
type RiskAssessment struct {
	OverallRisk          Severity   `json:"overall_risk"`
	RiskFactors          []string   `json:"risk_factors,omitempty"`
	MitigationStrategies []string   `json:"mitigation_strategies,omitempty"`
	RecommendedLevel     risk.Level `json:"recommended_level"`
}

// Result is the outcome of one validation. A Result is never mutated after
// it is returned; callers that need a variant (e.g. cache replay) copy it.
type Result struct {
	Valid          bool           `json:"valid"`
	ValidationID   string         `json:"validation_id"`
	Level          risk.Level     `json:"level"`
	Errors         []Error        `json:"errors,omitempty"`
	Warnings       []Warning      `json:"warnings,omitempty"`
	Suggestions    []Suggestion   `json:"suggestions,omitempty"`
	Confidence     float64        `json:"confidence"`
	Elapsed        time.Duration  `json:"elapsed_ns"`
	RiskAssessment RiskAssessment `json:"risk_assessment"`
	CachedResult   bool           `json:"cached_result"`
	// Fallback marks results substituted for a faulted or timed-out
	// validation. They are never cached.
	Fallback bool `json:"fallback,omitempty"`
}

// Copy returns a deep copy of r.
func (r *Result) Copy() *Result {
	if r == nil {
		return nil
	}
	c := *r
	c.Errors = append([]Error(nil), r.Errors...)
	c.Warnings = append([]Warning(nil), r.Warnings...)
	c.Suggestions = append([]Suggestion(nil), r.Suggestions...)
	c.RiskAssessment.RiskFactors = append([]string(nil), r.RiskAssessment.RiskFactors...)
	c.RiskAssessment.MitigationStrategies = append([]string(nil), r.RiskAssessment.MitigationStrategies...)
	return &c
}

// HasSeverity reports whether any error carries the given severity.
func (r *Result) HasSeverity(s Severity) bool {
	return hasSeverity(r.Errors, s)
}

// Context identifies one validation attempt. It is passed by value and not
// modified once validation begins.
type Context struct {
	AgentID    string
	ChannelID  string
	ToolName   string
	Parameters map[string]any
	RequestID  string
	Timestamp  time.Time
	Level      risk.Level
	RiskScore  float64
}
