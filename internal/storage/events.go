package storage

import (
	"encoding/json"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/events"
)

// EventWriter persists pipeline events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *PipelineEvent)
	Close()
}

// Outcomes recorded on rows whose event settles a call.
const (
	OutcomeProceed = "proceed"
	OutcomeBlocked = "blocked"
	OutcomeFailed  = "failed"
)

// PipelineEvent is one row of the tool_gate_events table.
type PipelineEvent struct {
	EventID     string
	EventType   string
	Timestamp   time.Time
	AgentID     string
	ChannelID   string
	ToolName    string
	RequestID   string
	Level       string
	Outcome     string // one of the Outcome constants, or empty
	RiskScore   float32
	LatencyMs   float32
	PayloadJSON string
}

// FromEnvelope flattens an event envelope into a row. Variant-specific
// fields that have a column are lifted; the whole payload is kept as JSON.
func FromEnvelope(env events.Envelope) *PipelineEvent {
	row := &PipelineEvent{
		EventID:   env.ID,
		EventType: string(env.Type()),
		Timestamp: env.Timestamp,
		AgentID:   env.AgentID,
		ChannelID: env.ChannelID,
		ToolName:  env.ToolName,
		RequestID: env.RequestID,
	}
	if b, err := json.Marshal(env.Payload); err == nil {
		row.PayloadJSON = string(b)
	}

	switch p := env.Payload.(type) {
	case events.Intercepted:
		row.Level = p.Level.String()
		row.RiskScore = float32(p.RiskScore)
	case events.Validated:
		row.Level = p.Level.String()
		row.LatencyMs = ms(p.Latency)
		if p.Valid {
			row.Outcome = OutcomeProceed
		} else {
			row.Outcome = OutcomeFailed
		}
	case events.Blocked:
		row.Level = p.Level.String()
		row.Outcome = OutcomeBlocked
	case events.Bypassed:
		row.Outcome = OutcomeProceed
	case events.Timeout:
		row.LatencyMs = ms(p.Budget)
		if p.Blocked {
			row.Outcome = OutcomeBlocked
		} else {
			row.Outcome = OutcomeProceed
		}
	case events.AsyncValidationFailed:
		row.Outcome = OutcomeFailed
	case events.ExecutionCompleted:
		row.LatencyMs = ms(p.Duration)
		if p.Success {
			row.Outcome = OutcomeProceed
		} else {
			row.Outcome = OutcomeFailed
		}
	case events.CorrectionReported:
		row.LatencyMs = ms(p.RecoveryTime)
	}
	return row
}

// Sink returns a bus handler that forwards every event to w.
func Sink(w EventWriter) events.Handler {
	return func(env events.Envelope) {
		w.Write(FromEnvelope(env))
	}
}

func ms(d time.Duration) float32 {
	return float32(d) / float32(time.Millisecond)
}
