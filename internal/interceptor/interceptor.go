// Package interceptor wraps tool execution with a bounded retry loop that
// asks a correction engine to repair validation-shaped failures.
package interceptor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/events"
	"github.com/triage-ai/palisade/services/tool_gate/internal/learning"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/triage-ai/palisade/services/tool_gate/internal/interceptor"

// Defaults for the retry loop.
const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second
)

// CorrectionRequest asks for replacement parameters for a failed call.
type CorrectionRequest struct {
	AgentID      string
	ChannelID    string
	ToolName     string
	Parameters   map[string]any
	ErrorMessage string
}

// Correction is the engine's answer. Parameters and AttemptID are set only
// when Corrected is true. RetryDelay is how long to wait before retrying
// with the corrected parameters; zero retries immediately.
type Correction struct {
	Corrected  bool
	Parameters map[string]any
	AttemptID  string
	RetryDelay time.Duration
}

// CorrectionEngine proposes parameter corrections and learns from how they
// turned out.
type CorrectionEngine interface {
	AttemptCorrection(ctx context.Context, req CorrectionRequest) (Correction, error)
	ReportCorrectionResult(ctx context.Context, attemptID string, successful bool, errorMessage string, recoveryTime time.Duration) error
}

// ExecuteFunc runs the real tool with the given parameters.
type ExecuteFunc func(ctx context.Context, params map[string]any) (any, error)

// ExecutionContext identifies one logical tool call.
type ExecutionContext struct {
	AgentID    string
	ChannelID  string
	ToolName   string
	RequestID  string
	Parameters map[string]any
	// RetryCount is the number of attempts already made.
	RetryCount int
	// CorrectionAttemptID links the current parameters to the correction
	// that produced them.
	CorrectionAttemptID string
}

// Result is the outcome of an intercepted execution.
type Result struct {
	Success           bool
	Output            any
	Error             error
	CorrectionApplied bool
	Attempts          int
	Duration          time.Duration
	// Parameters are the parameters of the last attempt.
	Parameters map[string]any
}

// ErrorMessage returns the last error's text, or "" on success.
func (r *Result) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Error()
}

// Config wires an Interceptor.
type Config struct {
	Corrections CorrectionEngine // may be nil
	Observers   []learning.Observer
	Bus         *events.Bus // may be nil
	MaxAttempts int
	RetryDelay  time.Duration
	HistorySize int
	Logger      *zap.Logger
}

// Interceptor executes tool calls with bounded correction and retry.
// Safe for concurrent use.
type Interceptor struct {
	corrections CorrectionEngine
	observers   []learning.Observer
	bus         *events.Bus
	maxAttempts int
	retryDelay  time.Duration
	history     *history
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// New creates an Interceptor.
func New(cfg Config) *Interceptor {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Interceptor{
		corrections: cfg.Corrections,
		observers:   cfg.Observers,
		bus:         cfg.Bus,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		history:     newHistory(cfg.HistorySize),
		logger:      cfg.Logger,
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// Execute runs fn, retrying failures up to the attempt budget. Failures
// whose message looks like a parameter validation error are sent to the
// correction engine first; a returned correction replaces the parameters
// for the next attempt. Execute never makes more than the configured number
// of attempts and never returns nil.
func (i *Interceptor) Execute(ctx context.Context, ec ExecutionContext, fn ExecuteFunc) *Result {
	start := i.now()
	subj := events.Subject{AgentID: ec.AgentID, ChannelID: ec.ChannelID, ToolName: ec.ToolName, RequestID: ec.RequestID}

	ctx, span := i.tracer.Start(ctx, "tool_gate.execute",
		trace.WithAttributes(
			attribute.String("tool.name", ec.ToolName),
			attribute.String("agent.id", ec.AgentID),
		))
	defer span.End()

	res := &Result{Parameters: ec.Parameters}
	var (
		firstFailure time.Time
		pendingID    string // correction whose parameters are being tried
		pendingAt    time.Time
	)

	for attempt := 1; attempt <= i.maxAttempts; attempt++ {
		ec.RetryCount = attempt - 1
		res.Attempts = attempt

		attemptStart := i.now()
		out, err := call(ctx, fn, res.Parameters)
		latency := i.now().Sub(attemptStart)

		if err == nil {
			var recovery time.Duration
			if !firstFailure.IsZero() {
				recovery = i.now().Sub(firstFailure)
			}
			if pendingID != "" {
				i.report(ctx, subj, pendingID, true, "", i.now().Sub(pendingAt))
			}
			i.observe(ctx, subj, learning.Outcome{
				AgentID: ec.AgentID, ChannelID: ec.ChannelID, ToolName: ec.ToolName,
				Parameters: res.Parameters, Success: true, Latency: latency, RecoveryTime: recovery,
			})
			res.Success = true
			res.Output = out
			res.Error = nil
			break
		}

		res.Error = err
		if firstFailure.IsZero() {
			firstFailure = attemptStart
		}
		if pendingID != "" {
			i.report(ctx, subj, pendingID, false, err.Error(), i.now().Sub(pendingAt))
			pendingID = ""
		}
		i.observe(ctx, subj, learning.Outcome{
			AgentID: ec.AgentID, ChannelID: ec.ChannelID, ToolName: ec.ToolName,
			Parameters: res.Parameters, ErrorMessage: err.Error(), Latency: latency,
		})

		if attempt == i.maxAttempts || ctx.Err() != nil {
			break
		}

		delay := i.retryDelay
		if corr, ok := i.correct(ctx, subj, ec, res.Parameters, err, attempt); ok {
			res.Parameters = corr.Parameters
			res.CorrectionApplied = true
			ec.CorrectionAttemptID = corr.AttemptID
			pendingID = corr.AttemptID
			pendingAt = i.now()
			delay = corr.RetryDelay
		}
		if err := i.sleep(ctx, delay); err != nil {
			break
		}
	}

	res.Duration = i.now().Sub(start)
	i.complete(subj, ec.RequestID, res)

	span.SetAttributes(
		attribute.Int("execution.attempts", res.Attempts),
		attribute.Bool("execution.correction_applied", res.CorrectionApplied),
	)
	if res.Error != nil {
		span.RecordError(res.Error)
		span.SetStatus(codes.Error, res.Error.Error())
		i.logger.Warn("tool execution failed",
			zap.String("request_id", ec.RequestID),
			zap.String("tool_name", ec.ToolName),
			zap.Int("attempts", res.Attempts),
			zap.Error(res.Error),
		)
	}
	return res
}

// correct asks the engine for new parameters when err is validation-shaped.
func (i *Interceptor) correct(ctx context.Context, subj events.Subject, ec ExecutionContext, params map[string]any, err error, attempt int) (Correction, bool) {
	if i.corrections == nil || !learning.IsValidationShaped(err.Error()) {
		return Correction{}, false
	}
	corr, cerr := i.corrections.AttemptCorrection(ctx, CorrectionRequest{
		AgentID:      ec.AgentID,
		ChannelID:    ec.ChannelID,
		ToolName:     ec.ToolName,
		Parameters:   params,
		ErrorMessage: err.Error(),
	})
	if cerr != nil {
		i.logger.Warn("correction engine failed, retrying unchanged",
			zap.String("tool_name", ec.ToolName),
			zap.Error(cerr),
		)
		return Correction{}, false
	}
	ok := corr.Corrected && corr.Parameters != nil
	i.publish(subj, events.CorrectionAttempted{
		AttemptID:    corr.AttemptID,
		Attempt:      attempt,
		ErrorMessage: err.Error(),
		Corrected:    ok,
	})
	return corr, ok
}

func (i *Interceptor) report(ctx context.Context, subj events.Subject, attemptID string, ok bool, msg string, recovery time.Duration) {
	if err := i.corrections.ReportCorrectionResult(ctx, attemptID, ok, msg, recovery); err != nil {
		i.logger.Warn("reporting correction result failed",
			zap.String("attempt_id", attemptID),
			zap.Error(err),
		)
	}
	i.publish(subj, events.CorrectionReported{AttemptID: attemptID, Successful: ok, RecoveryTime: recovery})
}

func (i *Interceptor) observe(ctx context.Context, subj events.Subject, o learning.Outcome) {
	for _, obs := range i.observers {
		obs.Observe(ctx, o)
	}
	ev := events.PatternRecorded{Success: o.Success, Keys: learning.ParameterKeys(o.Parameters)}
	if !o.Success {
		ev.ErrorType = learning.ClassifyError(o.ErrorMessage)
	}
	i.publish(subj, ev)
}

func (i *Interceptor) complete(subj events.Subject, requestID string, res *Result) {
	entry := HistoryEntry{
		RequestID:         requestID,
		Success:           res.Success,
		Attempts:          res.Attempts,
		CorrectionApplied: res.CorrectionApplied,
		Duration:          res.Duration,
		Error:             res.ErrorMessage(),
		Timestamp:         i.now(),
	}
	i.history.add(identityKey(subj.AgentID, subj.ChannelID, subj.ToolName), entry)
	i.publish(subj, events.ExecutionCompleted{
		Success:           res.Success,
		Attempts:          res.Attempts,
		CorrectionApplied: res.CorrectionApplied,
		Duration:          res.Duration,
		Error:             entry.Error,
	})
}

// Report records an execution that ran outside the interceptor, e.g. on a
// remote client, so it feeds the same learning path and history.
func (i *Interceptor) Report(ctx context.Context, ec ExecutionContext, success bool, errorMessage string, latency time.Duration) {
	subj := events.Subject{AgentID: ec.AgentID, ChannelID: ec.ChannelID, ToolName: ec.ToolName, RequestID: ec.RequestID}
	i.observe(ctx, subj, learning.Outcome{
		AgentID:      ec.AgentID,
		ChannelID:    ec.ChannelID,
		ToolName:     ec.ToolName,
		Parameters:   ec.Parameters,
		Success:      success,
		ErrorMessage: errorMessage,
		Latency:      latency,
	})
	res := &Result{
		Success:           success,
		Attempts:          ec.RetryCount + 1,
		CorrectionApplied: ec.CorrectionAttemptID != "",
		Duration:          latency,
		Parameters:        ec.Parameters,
	}
	if !success {
		res.Error = errors.New(errorMessage)
	}
	i.complete(subj, ec.RequestID, res)
}

// History returns the recorded executions for an identity, oldest first.
func (i *Interceptor) History(agentID, channelID, toolName string) []HistoryEntry {
	return i.history.get(identityKey(agentID, channelID, toolName))
}

// Stats aggregates all recorded executions.
func (i *Interceptor) Stats() Stats {
	return i.history.stats(nil)
}

// ToolStats aggregates recorded executions of one tool across identities.
func (i *Interceptor) ToolStats(toolName string) Stats {
	suffix := "|" + toolName
	return i.history.stats(func(key string) bool { return strings.HasSuffix(key, suffix) })
}

// Reset drops all recorded history.
func (i *Interceptor) Reset() {
	i.history.reset()
}

func (i *Interceptor) publish(subj events.Subject, payload events.Event) {
	if i.bus == nil {
		return
	}
	i.bus.Publish(events.New(subj, payload))
}

// call runs fn, converting a panic into an error.
func call(ctx context.Context, fn ExecuteFunc, params map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return fn(ctx, params)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
