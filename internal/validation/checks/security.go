package checks

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/triage-ai/palisade/services/tool_gate/internal/validation"
)

// Key fragments that mark a parameter as credential-bearing.
var credentialKeywords = []string{
	"password", "passwd", "secret", "token", "apikey", "accesskey",
	"privatekey", "credential", "bearer", "sessionid", "authorization",
}

// Affixes that turn a credential-looking key into a count or setting,
// as in max_tokens, token_count or tokenizer.
var (
	quantityPrefixes = []string{"max", "min", "num", "total"}
	quantitySuffixes = []string{
		"count", "limit", "usage", "used", "remaining", "budget",
		"length", "len", "type", "ttl", "izer", "ization",
	}
)

// Values that look like credentials regardless of the key.
var credentialValuePatterns = []struct {
	re     *regexp.Regexp
	detail string
}{
	{regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), "AWS access key"},
	{regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`), "private key"},
	{regexp.MustCompile(`\b(sk|rk|pk)_(live|test)_[0-9a-zA-Z]{16,}\b`), "payment API key"},
	{regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36}\b`), "GitHub token"},
	{regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}`), "Slack token"},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}`), "API secret key"},
}

// Pre-compiled injection patterns for argument scanning.
var injectionPatterns = []struct {
	re     *regexp.Regexp
	detail string
}{
	{regexp.MustCompile(`(?i)\b(SELECT|INSERT|UPDATE|DELETE|DROP|ALTER|UNION)\b.*\b(FROM|INTO|TABLE|SET|WHERE|ALL)\b`), "SQL injection"},
	{regexp.MustCompile(`(?i);\s*(rm|cat|curl|wget|chmod|chown|sudo|bash|sh|exec)\b`), "command injection"},
	{regexp.MustCompile(`(?i)(\||&&)\s*(rm|cat|curl|wget|chmod|chown|sudo|bash|sh)\b`), "command injection (pipe/chain)"},
	{regexp.MustCompile(`(?i)\$\(.*\)`), "command substitution"},
	{regexp.MustCompile("(?i)`[^`]*`"), "backtick command execution"},
}

// SecurityCheck detects inline credentials and injection fragments.
type SecurityCheck struct{}

func NewSecurityCheck() *SecurityCheck {
	return &SecurityCheck{}
}

func (c *SecurityCheck) Name() string {
	return "security"
}

func (c *SecurityCheck) Run(ctx context.Context, req *validation.CheckRequest) (*validation.Findings, error) {
	f := &validation.Findings{}

	sensitive := make(map[string]bool)
	if req.ToolDef != nil {
		for _, p := range req.ToolDef.SensitiveParams {
			sensitive[normalizeKey(p)] = true
		}
	}

	walk(req.Parameters, func(path, key string, v any) {
		if ctx.Err() != nil {
			return
		}
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return
		}

		if nk := normalizeKey(key); sensitive[nk] || isCredentialKey(nk) {
			f.AddError(validation.Error{
				Type:         validation.ErrorSecurity,
				Severity:     validation.SeverityHigh,
				Message:      fmt.Sprintf("parameter %s appears to carry a credential", path),
				Field:        path,
				SuggestedFix: "reference the credential by secret name instead of passing it inline",
			})
			return
		}

		for _, p := range credentialValuePatterns {
			if p.re.MatchString(s) {
				f.AddError(validation.Error{
					Type:         validation.ErrorSecurity,
					Severity:     validation.SeverityHigh,
					Message:      fmt.Sprintf("credential detected in %s: %s", path, p.detail),
					Field:        path,
					SuggestedFix: "reference the credential by secret name instead of passing it inline",
				})
				return
			}
		}

		for _, p := range injectionPatterns {
			if p.re.MatchString(s) {
				f.AddError(validation.Error{
					Type:     validation.ErrorSecurity,
					Severity: validation.SeverityHigh,
					Message:  fmt.Sprintf("injection pattern in %s: %s", path, p.detail),
					Field:    path,
				})
				return
			}
		}
	})

	return f, nil
}

func isCredentialKey(normalized string) bool {
	if isQuantityKey(normalized) {
		return false
	}
	for _, kw := range credentialKeywords {
		if strings.Contains(normalized, kw) {
			return true
		}
	}
	return false
}

func isQuantityKey(normalized string) bool {
	for _, p := range quantityPrefixes {
		if strings.HasPrefix(normalized, p) {
			return true
		}
	}
	for _, suf := range quantitySuffixes {
		if strings.HasSuffix(normalized, suf) {
			return true
		}
	}
	return false
}
