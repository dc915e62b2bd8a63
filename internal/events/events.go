// Package events defines the pipeline's event variants and the bus that fans
// them out to observers.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/palisade/services/tool_gate/internal/risk"
)

// Type names an event variant.
type Type string

const (
	TypeIntercepted           Type = "INTERCEPTED"
	TypeValidated             Type = "VALIDATED"
	TypeBlocked               Type = "BLOCKED"
	TypeBypassed              Type = "BYPASSED"
	TypeTimeout               Type = "TIMEOUT"
	TypeAsyncValidationFailed Type = "ASYNC_VALIDATION_FAILED"
	TypeCorrectionAttempted   Type = "CORRECTION_ATTEMPTED"
	TypeCorrectionReported    Type = "CORRECTION_REPORTED"
	TypeExecutionCompleted    Type = "EXECUTION_COMPLETED"
	TypePatternRecorded       Type = "PATTERN_RECORDED"
	TypeCacheInvalidated      Type = "CACHE_INVALIDATED"
	TypeConfigUpdated         Type = "CONFIG_UPDATED"
)

// Event is implemented by every payload variant. The set is closed.
type Event interface {
	Type() Type
	isEvent()
}

// Envelope carries one event with its call identity.
type Envelope struct {
	ID        string
	Timestamp time.Time
	AgentID   string
	ChannelID string
	ToolName  string
	RequestID string
	Payload   Event
}

// Type returns the payload's type.
func (e Envelope) Type() Type {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Type()
}

// Subject identifies the call an event concerns.
type Subject struct {
	AgentID   string
	ChannelID string
	ToolName  string
	RequestID string
}

// New wraps payload in an envelope with a fresh id and timestamp.
func New(s Subject, payload Event) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		AgentID:   s.AgentID,
		ChannelID: s.ChannelID,
		ToolName:  s.ToolName,
		RequestID: s.RequestID,
		Payload:   payload,
	}
}

type Intercepted struct {
	RiskScore float64
	Level     risk.Level
}

type Validated struct {
	Valid      bool
	Level      risk.Level
	Confidence float64
	Errors     int
	Warnings   int
	Cached     bool
	Latency    time.Duration
}

type Blocked struct {
	Reason      string
	Level       risk.Level
	Suggestions []string
}

// Bypassed is emitted when a call proceeds without validation.
type Bypassed struct {
	Reason string // "disabled" or "emergency_bypass"
}

type Timeout struct {
	Budget  time.Duration
	Blocked bool
}

// AsyncValidationFailed reports a deferred check failure for a call that
// already proceeded.
type AsyncValidationFailed struct {
	ValidationID string
	Errors       []string
}

type CorrectionAttempted struct {
	AttemptID    string
	Attempt      int
	ErrorMessage string
	Corrected    bool
}

type CorrectionReported struct {
	AttemptID    string
	Successful   bool
	RecoveryTime time.Duration
}

type ExecutionCompleted struct {
	Success           bool
	Attempts          int
	CorrectionApplied bool
	Duration          time.Duration
	Error             string
}

type PatternRecorded struct {
	Success   bool
	Keys      []string
	ErrorType string
}

type CacheInvalidated struct {
	Filter  string
	Removed map[string]int
}

type ConfigUpdated struct {
	Fields []string
}

func (Intercepted) Type() Type           { return TypeIntercepted }
func (Validated) Type() Type             { return TypeValidated }
func (Blocked) Type() Type               { return TypeBlocked }
func (Bypassed) Type() Type              { return TypeBypassed }
func (Timeout) Type() Type               { return TypeTimeout }
func (AsyncValidationFailed) Type() Type { return TypeAsyncValidationFailed }
func (CorrectionAttempted) Type() Type   { return TypeCorrectionAttempted }
func (CorrectionReported) Type() Type    { return TypeCorrectionReported }
func (ExecutionCompleted) Type() Type    { return TypeExecutionCompleted }
func (PatternRecorded) Type() Type       { return TypePatternRecorded }
func (CacheInvalidated) Type() Type      { return TypeCacheInvalidated }
func (ConfigUpdated) Type() Type         { return TypeConfigUpdated }

func (Intercepted) isEvent()           {}
func (Validated) isEvent()             {}
func (Blocked) isEvent()               {}
func (Bypassed) isEvent()              {}
func (Timeout) isEvent()               {}
func (AsyncValidationFailed) isEvent() {}
func (CorrectionAttempted) isEvent()   {}
func (CorrectionReported) isEvent()    {}
func (ExecutionCompleted) isEvent()    {}
func (PatternRecorded) isEvent()       {}
func (CacheInvalidated) isEvent()      {}
func (ConfigUpdated) isEvent()         {}
