package storage

import "go.uber.org/zap"

// LogWriter is the EventWriter used when no ClickHouse DSN is configured.
// Each event becomes one structured log line.
type LogWriter struct {
	logger *zap.Logger
}

func NewLogWriter(logger *zap.Logger) *LogWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogWriter{logger: logger.Named("events")}
}

func (w *LogWriter) Write(event *PipelineEvent) {
	fields := []zap.Field{
		zap.String("event_type", event.EventType),
		zap.String("request_id", event.RequestID),
		zap.String("agent_id", event.AgentID),
		zap.String("channel_id", event.ChannelID),
		zap.String("tool_name", event.ToolName),
		zap.String("level", event.Level),
		zap.String("outcome", event.Outcome),
		zap.Float32("latency_ms", event.LatencyMs),
	}
	if event.RiskScore > 0 {
		fields = append(fields, zap.Float32("risk_score", event.RiskScore))
	}
	if event.Outcome == OutcomeBlocked || event.Outcome == OutcomeFailed {
		w.logger.Warn("tool_gate_event", fields...)
		return
	}
	w.logger.Info("tool_gate_event", fields...)
}

func (w *LogWriter) Close() {}
