// Package learning defines the collaborator contracts the admission pipeline
// learns from (stored parameter patterns and per-agent tool metrics), and an
// in-process store implementing both.
package learning

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Pattern is a recorded parameter shape associated with past success or
// failure of a tool.
type Pattern struct {
	ToolName   string
	ChannelID  string // empty for shared patterns
	Keys       []string
	Frequency  int
	Confidence float64
	ErrorType  string // failures only
	LastSeen   time.Time
}

// PatternSet is the pair of pattern lists returned for a tool.
type PatternSet struct {
	Successful []Pattern
	Failed     []Pattern
}

// PatternStore returns known parameter patterns for a tool.
type PatternStore interface {
	GetPatterns(ctx context.Context, channelID, toolName string, includeShared bool) (PatternSet, error)
}

// ToolMetrics aggregates tool performance for one agent on one channel.
type ToolMetrics struct {
	AverageLatency     time.Duration
	ToolErrorCounts    map[string]int
	RecoveryTimeByTool map[string]time.Duration
}

// MetricsSource returns performance metrics for an agent/channel pair.
type MetricsSource interface {
	GetMetrics(ctx context.Context, agentID, channelID string) (ToolMetrics, error)
}

// Outcome is one observed tool execution.
type Outcome struct {
	AgentID      string
	ChannelID    string
	ToolName     string
	Parameters   map[string]any
	Success      bool
	ErrorMessage string
	Latency      time.Duration
	// RecoveryTime is the time from first failure to eventual success of
	// the same logical call; zero when the call never failed.
	RecoveryTime time.Duration
}

// Observer receives execution outcomes.
type Observer interface {
	Observe(ctx context.Context, o Outcome)
}

// Error types recorded on failed patterns.
const (
	ErrorTypeValidation = "VALIDATION"
	ErrorTypeTimeout    = "TIMEOUT"
	ErrorTypePermission = "PERMISSION"
	ErrorTypeNotFound   = "NOT_FOUND"
	ErrorTypeExecution  = "EXECUTION"
)

var validationVocabulary = []string{
	"required", "missing", "invalid", "schema", "type", "expected", "unknown properties",
}

// IsValidationShaped reports whether an error message uses the vocabulary of
// parameter validation failures, i.e. whether a parameter correction might fix it.
func IsValidationShaped(msg string) bool {
	lower := strings.ToLower(msg)
	for _, w := range validationVocabulary {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// ClassifyError maps an error message to a coarse error type.
func ClassifyError(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline exceeded"):
		return ErrorTypeTimeout
	case strings.Contains(lower, "permission"), strings.Contains(lower, "denied"), strings.Contains(lower, "forbidden"):
		return ErrorTypePermission
	case strings.Contains(lower, "not found"), strings.Contains(lower, "no such"):
		return ErrorTypeNotFound
	case IsValidationShaped(lower):
		return ErrorTypeValidation
	default:
		return ErrorTypeExecution
	}
}

// ParameterKeys returns the sorted top-level keys of params.
func ParameterKeys(params map[string]any) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// KeyOverlap is the Jaccard similarity of two key sets, in [0,1].
// Two empty sets overlap fully.
func KeyOverlap(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	set := make(map[string]struct{}, len(a))
	for _, k := range a {
		set[k] = struct{}{}
	}
	inter := 0
	union := len(set)
	seen := make(map[string]struct{}, len(b))
	for _, k := range b {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if _, ok := set[k]; ok {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}
