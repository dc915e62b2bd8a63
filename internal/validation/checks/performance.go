package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/learning"
	"github.com/triage-ai/palisade/services/tool_gate/internal/validation"
	"go.uber.org/zap"
)

const (
	slowRecovery = 5 * time.Second
	slowLatency  = 2 * time.Second
)

// PerformanceCheck warns about tools that historically recover slowly.
type PerformanceCheck struct {
	metrics learning.MetricsSource
	logger  *zap.Logger
}

func NewPerformanceCheck(metrics learning.MetricsSource, logger *zap.Logger) *PerformanceCheck {
	return &PerformanceCheck{metrics: metrics, logger: logger}
}

func (c *PerformanceCheck) Name() string {
	return "performance"
}

func (c *PerformanceCheck) Run(ctx context.Context, req *validation.CheckRequest) (*validation.Findings, error) {
	if c.metrics == nil {
		return nil, nil
	}
	m, err := c.metrics.GetMetrics(ctx, req.AgentID, req.ChannelID)
	if err != nil {
		c.logger.Debug("metrics source unavailable, skipping performance check",
			zap.String("tool_name", req.ToolName),
			zap.Error(err),
		)
		return nil, nil
	}

	f := &validation.Findings{}
	if rt := m.RecoveryTimeByTool[req.ToolName]; rt > slowRecovery {
		f.AddWarning(validation.Warning{
			Type:    validation.ErrorPerformance,
			Message: fmt.Sprintf("historical recovery time for %s is %s", req.ToolName, rt.Round(time.Millisecond)),
			Impact:  validation.SeverityMedium,
		})
	}
	if m.AverageLatency > slowLatency {
		f.AddWarning(validation.Warning{
			Type:    validation.ErrorPerformance,
			Message: fmt.Sprintf("average tool latency for this agent is %s", m.AverageLatency.Round(time.Millisecond)),
			Impact:  validation.SeverityLow,
		})
	}
	return f, nil
}
