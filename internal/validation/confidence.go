package validation

import (
	"fmt"

	"github.com/triage-ai/palisade/services/tool_gate/internal/risk"
)

// Confidence computes the result confidence in [0,1] from the findings and
// the call's risk score.
func Confidence(errs []Error, warns []Warning, riskScore float64) float64 {
	c := 1.0
	for _, e := range errs {
		switch e.Severity {
		case SeverityHigh:
			c -= 0.3
		case SeverityMedium:
			c -= 0.2
		case SeverityLow:
			c -= 0.1
		}
	}
	for _, w := range warns {
		switch w.Impact {
		case SeverityHigh:
			c -= 0.15
		case SeverityMedium:
			c -= 0.10
		case SeverityLow:
			c -= 0.05
		}
	}
	c -= riskScore * 0.2
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

var mitigations = map[ErrorType]string{
	ErrorSchema:        "correct parameters to match the tool's argument schema",
	ErrorBusinessLogic: "obtain explicit confirmation before running destructive or heavy operations",
	ErrorPattern:       "adjust parameters away from the previously failed shape",
	ErrorPerformance:   "expect slow recovery and consider a smaller request",
	ErrorSecurity:      "remove inline credentials and untrusted shell or SQL fragments",
	ErrorCompliance:    "redact personal data before passing it to the tool",
}

// assessRisk derives the risk assessment for a completed check run.
func assessRisk(vctx Context, errs []Error, warns []Warning) RiskAssessment {
	ra := RiskAssessment{OverallRisk: SeverityLow, RecommendedLevel: vctx.Level}

	high, medium := vctx.RiskScore >= 0.8, vctx.RiskScore >= 0.5
	seen := make(map[ErrorType]bool)
	for _, e := range errs {
		switch e.Severity {
		case SeverityHigh:
			high = true
		case SeverityMedium:
			medium = true
		}
		if !seen[e.Type] {
			seen[e.Type] = true
			ra.RiskFactors = append(ra.RiskFactors, fmt.Sprintf("%s error: %s", e.Type, e.Message))
			if m, ok := mitigations[e.Type]; ok {
				ra.MitigationStrategies = append(ra.MitigationStrategies, m)
			}
		}
	}
	for _, w := range warns {
		if w.Impact == SeverityHigh {
			medium = true
		}
	}
	if vctx.RiskScore >= 0.2 {
		ra.RiskFactors = append(ra.RiskFactors, fmt.Sprintf("risk score %.2f", vctx.RiskScore))
	}

	switch {
	case high:
		ra.OverallRisk = SeverityHigh
		ra.RecommendedLevel = risk.LevelStrict
	case medium:
		ra.OverallRisk = SeverityMedium
		if ra.RecommendedLevel < risk.LevelBlocking {
			ra.RecommendedLevel = risk.LevelBlocking
		}
	}
	return ra
}
