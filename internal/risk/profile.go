package risk

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/registry"
)

// ToolRiskProfile is the cached per-tool aggregate used to seed scoring.
// All factors lie in [0,1].
type ToolRiskProfile struct {
	ToolName            string
	BaseLevel           Level
	ParameterComplexity float64
	FailureRate         float64
	SecurityImpact      float64
	PerformanceImpact   float64
	ValidationRules     []string
	LastUpdated         time.Time
}

// Failure-rate nudges applied as outcomes are observed.
const (
	failureNudge = 0.1
	successNudge = 0.05
)

var (
	// tools that execute code, touch the filesystem, or spawn shells;
	// fragments must be whole name segments so get_user_profile stays out
	executionClassRe = regexp.MustCompile(`(?i)(^|[_.-])(exec|execute|shell|bash|command|cmd|run|script|file|files|fs|write|delete|remove)([_.-]|$)`)
	highImpactRe     = regexp.MustCompile(`(?i)(exec|shell|bash|sudo|delete|drop|remove|destroy|kill|deploy|transfer|payment)`)
	mediumImpactRe   = regexp.MustCompile(`(?i)(write|update|create|file|send|post|put|patch|email|git)`)
	slowToolRe       = regexp.MustCompile(`(?i)(search|query|crawl|scrape|fetch|http|download|upload|build|index|browse)`)
)

// buildProfile computes the static part of a profile from the tool name and,
// when registered, its definition.
func buildProfile(toolName string, def *registry.ToolDefinition, now time.Time) *ToolRiskProfile {
	p := &ToolRiskProfile{
		ToolName:            toolName,
		BaseLevel:           LevelAsync,
		ParameterComplexity: 0.3,
		SecurityImpact:      0.2,
		PerformanceImpact:   0.2,
		ValidationRules:     []string{"schema", "business_logic", "pattern", "performance"},
		LastUpdated:         now,
	}
	if executionClassRe.MatchString(toolName) {
		p.BaseLevel = LevelBlocking
	}

	switch {
	case highImpactRe.MatchString(toolName):
		p.SecurityImpact = 0.8
	case mediumImpactRe.MatchString(toolName):
		p.SecurityImpact = 0.5
	}
	if slowToolRe.MatchString(toolName) {
		p.PerformanceImpact = 0.5
	}

	if def == nil {
		return p
	}

	if n := def.SchemaPropertyCount(); n > 0 {
		p.ParameterComplexity = clamp01(float64(n) / 10)
	}
	switch strings.ToLower(def.RiskTier) {
	case registry.TierDestructive:
		p.SecurityImpact = maxf(p.SecurityImpact, 0.9)
		p.ValidationRules = append(p.ValidationRules, "destructive_confirmation")
	case registry.TierWrite:
		p.SecurityImpact = maxf(p.SecurityImpact, 0.5)
	case registry.TierRead:
		p.SecurityImpact = minf(p.SecurityImpact, 0.3)
	}
	if len(def.SensitiveParams) > 0 {
		p.ValidationRules = append(p.ValidationRules, "sensitive_params")
	}
	if def.BaseLevel != "" {
		if lvl, err := ParseLevel(def.BaseLevel); err == nil {
			p.BaseLevel = lvl
		}
	}
	return p
}

// profileTable holds profiles with a fixed TTL. Expired profiles are
// recomputed on next reference, dropping learned failure rates.
type profileTable struct {
	mu       sync.Mutex
	profiles map[string]*ToolRiskProfile
	expires  map[string]time.Time
	ttl      time.Duration
	now      func() time.Time
}

func newProfileTable(ttl time.Duration) *profileTable {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &profileTable{
		profiles: make(map[string]*ToolRiskProfile),
		expires:  make(map[string]time.Time),
		ttl:      ttl,
		now:      time.Now,
	}
}

// get returns a copy of the live profile, or false when absent or expired.
func (t *profileTable) get(toolName string) (ToolRiskProfile, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.profiles[toolName]
	if !ok {
		return ToolRiskProfile{}, false
	}
	if !t.now().Before(t.expires[toolName]) {
		delete(t.profiles, toolName)
		delete(t.expires, toolName)
		return ToolRiskProfile{}, false
	}
	return copyProfile(p), true
}

// putIfAbsent stores p unless a live profile already exists, and returns the
// profile that won.
func (t *profileTable) putIfAbsent(p *ToolRiskProfile) ToolRiskProfile {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if cur, ok := t.profiles[p.ToolName]; ok && now.Before(t.expires[p.ToolName]) {
		return copyProfile(cur)
	}
	t.profiles[p.ToolName] = p
	t.expires[p.ToolName] = now.Add(t.ttl)
	return copyProfile(p)
}

// adjust applies delta to the failure rate of a live profile, clamped to [0,1].
// It reports whether a profile was present.
func (t *profileTable) adjust(toolName string, delta float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.profiles[toolName]
	if !ok || !t.now().Before(t.expires[toolName]) {
		return false
	}
	p.FailureRate = clamp01(p.FailureRate + delta)
	p.LastUpdated = t.now()
	return true
}

func (t *profileTable) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.profiles = make(map[string]*ToolRiskProfile)
	t.expires = make(map[string]time.Time)
}

func copyProfile(p *ToolRiskProfile) ToolRiskProfile {
	c := *p
	c.ValidationRules = append([]string(nil), p.ValidationRules...)
	return c
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
