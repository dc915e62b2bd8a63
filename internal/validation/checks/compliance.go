package checks

import (
	"context"
	"fmt"
	"regexp"

	"github.com/triage-ai/palisade/services/tool_gate/internal/validation"
)

// Pre-compiled PII patterns for argument scanning. Regulated identifiers
// are errors; contact details only warn.
var piiPatterns = []struct {
	re       *regexp.Regexp
	detail   string
	severity validation.Severity
}{
	{regexp.MustCompile(`\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`), "SSN", validation.SeverityMedium},
	{regexp.MustCompile(`\b4\d{3}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), "credit card (Visa)", validation.SeverityMedium},
	{regexp.MustCompile(`\b5[1-5]\d{2}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), "credit card (Mastercard)", validation.SeverityMedium},
	{regexp.MustCompile(`\b3[47]\d{2}[-\s]?\d{6}[-\s]?\d{5}\b`), "credit card (Amex)", validation.SeverityMedium},
	{regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`), "email address", validation.SeverityLow},
	{regexp.MustCompile(`\b\d{3}[-\s.]?\d{3}[-\s.]?\d{4}\b`), "phone number", validation.SeverityLow},
}

// ComplianceCheck scans parameter values for personal data.
type ComplianceCheck struct{}

func NewComplianceCheck() *ComplianceCheck {
	return &ComplianceCheck{}
}

func (c *ComplianceCheck) Name() string {
	return "compliance"
}

func (c *ComplianceCheck) Run(ctx context.Context, req *validation.CheckRequest) (*validation.Findings, error) {
	f := &validation.Findings{}
	walk(req.Parameters, func(path, _ string, v any) {
		s, ok := v.(string)
		if !ok || ctx.Err() != nil {
			return
		}
		// first match per value; card numbers also match the phone pattern
		for _, p := range piiPatterns {
			if !p.re.MatchString(s) {
				continue
			}
			if p.severity == validation.SeverityLow {
				f.AddWarning(validation.Warning{
					Type:    validation.ErrorCompliance,
					Message: fmt.Sprintf("PII detected in %s: %s", path, p.detail),
					Impact:  validation.SeverityLow,
					Field:   path,
				})
			} else {
				f.AddError(validation.Error{
					Type:         validation.ErrorCompliance,
					Severity:     p.severity,
					Message:      fmt.Sprintf("PII detected in %s: %s", path, p.detail),
					Field:        path,
					SuggestedFix: "redact the " + p.detail + " before calling the tool",
				})
			}
			return
		}
	})
	return f, nil
}
