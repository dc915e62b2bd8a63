// Package risk scores tool calls and maps scores to validation levels.
package risk

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/learning"
	"github.com/triage-ai/palisade/services/tool_gate/internal/registry"
	"go.uber.org/zap"
)

// Factor weights and contextual additions.
const (
	weightComplexity  = 0.2
	weightFailureRate = 0.3
	weightSecurity    = 0.3
	weightPerformance = 0.2

	historicalErrorLimit = 5
	historicalErrorBump  = 0.3
	paramCountLimit      = 5
	paramCountBump       = 0.1
	failedPatternOverlap = 0.8
	failedPatternBump    = 0.4
)

// Classifier computes risk scores from cached tool profiles and contextual
// signals. Safe for concurrent use.
type Classifier struct {
	registry registry.ToolRegistry  // may be nil
	patterns learning.PatternStore  // may be nil
	metrics  learning.MetricsSource // may be nil
	profiles *profileTable
	th       atomic.Pointer[Thresholds]
	logger   *zap.Logger
}

// ClassifierConfig wires the classifier's collaborators.
type ClassifierConfig struct {
	Registry   registry.ToolRegistry
	Patterns   learning.PatternStore
	Metrics    learning.MetricsSource
	ProfileTTL time.Duration
	Thresholds Thresholds
	Logger     *zap.Logger
}

// NewClassifier creates a Classifier.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	c := &Classifier{
		registry: cfg.Registry,
		patterns: cfg.Patterns,
		metrics:  cfg.Metrics,
		profiles: newProfileTable(cfg.ProfileTTL),
		logger:   cfg.Logger,
	}
	th := cfg.Thresholds
	c.th.Store(&th)
	return c
}

// Profile returns the tool's risk profile, computing and caching it on first
// reference. The returned value is a copy.
func (c *Classifier) Profile(ctx context.Context, toolName string) ToolRiskProfile {
	if p, ok := c.profiles.get(toolName); ok {
		return p
	}
	var def *registry.ToolDefinition
	if c.registry != nil {
		td, err := c.registry.GetTool(ctx, toolName)
		if err != nil {
			c.logger.Warn("tool registry lookup failed, profiling from name only",
				zap.String("tool_name", toolName),
				zap.Error(err),
			)
		} else {
			def = td
		}
	}
	return c.profiles.putIfAbsent(buildProfile(toolName, def, c.profiles.now()))
}

// AssessRisk returns a score in [0,1] for the call. Collaborator failures
// drop their contribution rather than failing the assessment.
func (c *Classifier) AssessRisk(ctx context.Context, agentID, channelID, toolName string, params map[string]any) float64 {
	p := c.Profile(ctx, toolName)

	score := p.ParameterComplexity*weightComplexity +
		p.FailureRate*weightFailureRate +
		p.SecurityImpact*weightSecurity +
		p.PerformanceImpact*weightPerformance

	if c.metrics != nil {
		m, err := c.metrics.GetMetrics(ctx, agentID, channelID)
		if err != nil {
			c.logger.Debug("metrics source unavailable", zap.String("agent_id", agentID), zap.Error(err))
		} else if m.ToolErrorCounts[toolName] > historicalErrorLimit {
			score += historicalErrorBump
		}
	}

	if len(params) > paramCountLimit {
		score += paramCountBump
	}

	if c.patterns != nil && c.matchesFailedPattern(ctx, channelID, toolName, params) {
		score += failedPatternBump
	}

	return clamp01(score)
}

func (c *Classifier) matchesFailedPattern(ctx context.Context, channelID, toolName string, params map[string]any) bool {
	set, err := c.patterns.GetPatterns(ctx, channelID, toolName, false)
	if err != nil {
		c.logger.Debug("pattern store unavailable", zap.String("tool_name", toolName), zap.Error(err))
		return false
	}
	keys := learning.ParameterKeys(params)
	for _, fp := range set.Failed {
		if learning.KeyOverlap(keys, fp.Keys) >= failedPatternOverlap {
			return true
		}
	}
	return false
}

// DetermineLevel selects the validation level for a score using the tool's
// profile and the current thresholds.
func (c *Classifier) DetermineLevel(ctx context.Context, toolName string, score float64) Level {
	p := c.Profile(ctx, toolName)
	return DetermineValidationLevel(score, &p, c.Thresholds())
}

// Thresholds returns the active thresholds.
func (c *Classifier) Thresholds() Thresholds {
	return *c.th.Load()
}

// SetThresholds replaces the active thresholds.
func (c *Classifier) SetThresholds(th Thresholds) {
	c.th.Store(&th)
}

// RecordToolError nudges the tool's failure rate up, profiling the tool
// first if needed.
func (c *Classifier) RecordToolError(ctx context.Context, toolName string) {
	c.Profile(ctx, toolName)
	c.profiles.adjust(toolName, failureNudge)
}

// RecordToolSuccess nudges the tool's failure rate down.
func (c *Classifier) RecordToolSuccess(ctx context.Context, toolName string) {
	c.Profile(ctx, toolName)
	c.profiles.adjust(toolName, -successNudge)
}

// Observe implements learning.Observer.
func (c *Classifier) Observe(ctx context.Context, o learning.Outcome) {
	if o.Success {
		c.RecordToolSuccess(ctx, o.ToolName)
	} else {
		c.RecordToolError(ctx, o.ToolName)
	}
}

// Reset drops all cached profiles.
func (c *Classifier) Reset() {
	c.profiles.reset()
}
