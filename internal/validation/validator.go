package validation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/palisade/services/tool_gate/internal/registry"
	"github.com/triage-ai/palisade/services/tool_gate/internal/risk"
	"go.uber.org/zap"
)

// DefaultAsyncTimeout bounds background checks scheduled at the ASYNC level.
const DefaultAsyncTimeout = 5 * time.Second

// Confidence assigned to results that skip or defer checking.
const (
	noneConfidence       = 1.0
	asyncConfidence      = 0.8
	permissiveConfidence = 0.1
)

// Config wires a Validator.
type Config struct {
	Registry registry.ToolRegistry // may be nil
	// Checks run at BLOCKING and above, in order.
	Checks []Check
	// StrictChecks run after Checks at STRICT.
	StrictChecks []Check
	AsyncTimeout time.Duration
	// OnAsyncFailure is called from the background goroutine when a deferred
	// ASYNC check set finds the call invalid. The call has already proceeded.
	OnAsyncFailure func(Context, *Result)
	Logger         *zap.Logger
}

// Validator runs the check set selected by a validation level.
type Validator struct {
	registry       registry.ToolRegistry
	blocking       []Check
	strict         []Check
	asyncTimeout   time.Duration
	onAsyncFailure func(Context, *Result)
	logger         *zap.Logger
	wg             sync.WaitGroup
	now            func() time.Time
}

// NewValidator creates a Validator.
func NewValidator(cfg Config) *Validator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.AsyncTimeout <= 0 {
		cfg.AsyncTimeout = DefaultAsyncTimeout
	}
	blocking := append([]Check(nil), cfg.Checks...)
	strict := append(append([]Check(nil), cfg.Checks...), cfg.StrictChecks...)
	return &Validator{
		registry:       cfg.Registry,
		blocking:       blocking,
		strict:         strict,
		asyncTimeout:   cfg.AsyncTimeout,
		onAsyncFailure: cfg.OnAsyncFailure,
		logger:         cfg.Logger,
		now:            time.Now,
	}
}

// Validate checks the call at vctx.Level. It never returns nil and never
// fails: check faults degrade to a permissive low-confidence result.
func (v *Validator) Validate(ctx context.Context, vctx Context) *Result {
	start := v.now()
	switch vctx.Level {
	case risk.LevelNone:
		return &Result{
			Valid:          true,
			ValidationID:   uuid.NewString(),
			Level:          risk.LevelNone,
			Confidence:     noneConfidence,
			Elapsed:        v.now().Sub(start),
			RiskAssessment: assessRisk(vctx, nil, nil),
		}
	case risk.LevelAsync:
		v.scheduleAsync(ctx, vctx)
		return &Result{
			Valid:          true,
			ValidationID:   uuid.NewString(),
			Level:          risk.LevelAsync,
			Confidence:     asyncConfidence,
			Elapsed:        v.now().Sub(start),
			RiskAssessment: assessRisk(vctx, nil, nil),
		}
	case risk.LevelStrict:
		return v.run(ctx, vctx, v.strict, true, start)
	default:
		return v.run(ctx, vctx, v.blocking, false, start)
	}
}

// Wait blocks until all scheduled background checks have finished.
func (v *Validator) Wait() {
	v.wg.Wait()
}

func (v *Validator) scheduleAsync(ctx context.Context, vctx Context) {
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.asyncTimeout)
		defer cancel()

		res := v.run(bg, vctx, v.blocking, false, v.now())
		if res.Valid {
			return
		}
		v.logger.Warn("deferred validation failed for permitted call",
			zap.String("tool_name", vctx.ToolName),
			zap.String("agent_id", vctx.AgentID),
			zap.String("request_id", vctx.RequestID),
			zap.Int("errors", len(res.Errors)),
		)
		if v.onAsyncFailure != nil {
			v.onAsyncFailure(vctx, res)
		}
	}()
}

// run executes checks in order. strict additionally fails the result on
// MEDIUM-severity errors.
func (v *Validator) run(ctx context.Context, vctx Context, checks []Check, strict bool, start time.Time) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("validation check panicked",
				zap.String("tool_name", vctx.ToolName),
				zap.Any("panic", r),
			)
			res = v.permissive(vctx, fmt.Errorf("panic: %v", r), start)
		}
	}()

	req := &CheckRequest{Context: vctx, ToolDef: v.lookup(ctx, vctx.ToolName)}

	var (
		errs  []Error
		warns []Warning
		suggs []Suggestion
	)
	for _, c := range checks {
		f, err := c.Run(ctx, req)
		if err != nil {
			v.logger.Warn("validation check error",
				zap.String("check", c.Name()),
				zap.String("tool_name", vctx.ToolName),
				zap.Error(err),
			)
			return v.permissive(vctx, fmt.Errorf("%s: %w", c.Name(), err), start)
		}
		if f == nil {
			continue
		}
		errs = append(errs, f.Errors...)
		warns = append(warns, f.Warnings...)
		suggs = append(suggs, f.Suggestions...)
	}

	valid := !hasSeverity(errs, SeverityHigh)
	if strict && hasSeverity(errs, SeverityMedium) {
		valid = false
	}
	level := risk.LevelBlocking
	if strict {
		level = risk.LevelStrict
	}

	return &Result{
		Valid:          valid,
		ValidationID:   uuid.NewString(),
		Level:          level,
		Errors:         errs,
		Warnings:       warns,
		Suggestions:    suggs,
		Confidence:     Confidence(errs, warns, vctx.RiskScore),
		Elapsed:        v.now().Sub(start),
		RiskAssessment: assessRisk(vctx, errs, warns),
	}
}

func (v *Validator) lookup(ctx context.Context, toolName string) *registry.ToolDefinition {
	if v.registry == nil {
		return nil
	}
	td, err := v.registry.GetTool(ctx, toolName)
	if err != nil {
		v.logger.Warn("tool registry lookup failed, validating as unregistered",
			zap.String("tool_name", toolName),
			zap.Error(err),
		)
		return nil
	}
	return td
}

// permissive is the result substituted when the validator itself faults.
func (v *Validator) permissive(vctx Context, cause error, start time.Time) *Result {
	return &Result{
		Valid:        true,
		ValidationID: uuid.NewString(),
		Level:        vctx.Level,
		Warnings: []Warning{{
			Type:    ErrorInternal,
			Message: "validator fault, allowing call: " + cause.Error(),
			Impact:  SeverityMedium,
		}},
		Confidence: permissiveConfidence,
		Elapsed:    v.now().Sub(start),
		RiskAssessment: RiskAssessment{
			OverallRisk:      SeverityMedium,
			RiskFactors:      []string{"validator fault"},
			RecommendedLevel: vctx.Level,
		},
		Fallback: true,
	}
}

func hasSeverity(errs []Error, s Severity) bool {
	for _, e := range errs {
		if e.Severity == s {
			return true
		}
	}
	return false
}
