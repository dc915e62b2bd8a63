// Package middleware is the gate's single entry point. It scores a tool
// call, consults the result cache, runs timeout-bounded validation and
// decides whether the call may proceed.
package middleware

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/palisade/services/tool_gate/internal/cache"
	"github.com/triage-ai/palisade/services/tool_gate/internal/config"
	"github.com/triage-ai/palisade/services/tool_gate/internal/events"
	"github.com/triage-ai/palisade/services/tool_gate/internal/memcache"
	"github.com/triage-ai/palisade/services/tool_gate/internal/risk"
	"github.com/triage-ai/palisade/services/tool_gate/internal/validation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/triage-ai/palisade/services/tool_gate/internal/middleware"

// Bypass reasons.
const (
	ReasonDisabled        = "disabled"
	ReasonEmergencyBypass = "emergency_bypass"
)

// Request identifies one intercepted tool call.
type Request struct {
	AgentID    string
	ChannelID  string
	ToolName   string
	Parameters map[string]any
	RequestID  string
}

// Decision is the orchestrator's verdict for one call.
type Decision struct {
	ShouldProceed         bool
	Result                *validation.Result
	BlockedReason         string
	SuggestedAlternatives []string
	RiskScore             float64
	Level                 risk.Level
	RequestID             string
}

// Config wires an Orchestrator.
type Config struct {
	Classifier *risk.Classifier
	Validator  *validation.Validator
	Cache      *cache.Tiered     // may be nil
	Memory     *cache.MemoryTier // reconfigured by UpdateConfig; may be nil
	Bus        *events.Bus       // may be nil
	Settings   config.Config
	Logger     *zap.Logger
}

// Orchestrator coordinates classification, caching and validation.
// Safe for concurrent use; no lock is held across validation.
type Orchestrator struct {
	classifier *risk.Classifier
	validator  *validation.Validator
	cache      *cache.Tiered
	memory     *cache.MemoryTier
	bus        *events.Bus
	logger     *zap.Logger
	tracer     trace.Tracer

	cfgMu       sync.Mutex // serializes UpdateConfig
	settings    atomic.Pointer[config.Config]
	bypassUntil atomic.Int64 // unix nanos; 0 when inactive

	counters counters
	now      func() time.Time
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	o := &Orchestrator{
		classifier: cfg.Classifier,
		validator:  cfg.Validator,
		cache:      cfg.Cache,
		memory:     cfg.Memory,
		bus:        cfg.Bus,
		logger:     cfg.Logger,
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
	}
	s := cfg.Settings
	o.settings.Store(&s)
	return o
}

// Settings returns the active configuration.
func (o *Orchestrator) Settings() config.Config {
	return *o.settings.Load()
}

// InterceptToolCall decides whether a tool call may proceed. It never
// returns an error: collaborator failures degrade to a decision.
func (o *Orchestrator) InterceptToolCall(ctx context.Context, req Request) *Decision {
	start := o.now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	o.counters.total.Add(1)
	subj := events.Subject{AgentID: req.AgentID, ChannelID: req.ChannelID, ToolName: req.ToolName, RequestID: req.RequestID}

	ctx, span := o.tracer.Start(ctx, "tool_gate.intercept",
		trace.WithAttributes(
			attribute.String("tool.name", req.ToolName),
			attribute.String("agent.id", req.AgentID),
			attribute.String("channel.id", req.ChannelID),
		))
	defer span.End()

	settings := o.settings.Load()
	if !settings.Middleware.Enabled {
		return o.bypass(span, subj, ReasonDisabled)
	}
	if o.EmergencyBypassActive() {
		return o.bypass(span, subj, ReasonEmergencyBypass)
	}

	score := o.classifier.AssessRisk(ctx, req.AgentID, req.ChannelID, req.ToolName, req.Parameters)
	level := o.classifier.DetermineLevel(ctx, req.ToolName, score)
	span.SetAttributes(
		attribute.Float64("risk.score", score),
		attribute.String("validation.level", level.String()),
	)
	o.publish(subj, events.Intercepted{RiskScore: score, Level: level})

	id := cache.Identity{AgentID: req.AgentID, ChannelID: req.ChannelID, ToolName: req.ToolName, Parameters: req.Parameters}
	useCache := settings.Middleware.CacheEnabled && o.cache != nil

	var res *validation.Result
	if useCache {
		if hit, ok := o.cache.Get(ctx, id); ok {
			hit.CachedResult = true
			res = hit
			o.counters.cacheHits.Add(1)
		} else {
			o.counters.cacheMisses.Add(1)
		}
	}

	if res == nil {
		vctx := validation.Context{
			AgentID:    req.AgentID,
			ChannelID:  req.ChannelID,
			ToolName:   req.ToolName,
			Parameters: req.Parameters,
			RequestID:  req.RequestID,
			Timestamp:  start,
			Level:      level,
			RiskScore:  score,
		}
		var timedOut bool
		res, timedOut = o.validateWithTimeout(ctx, vctx, settings.Middleware)
		o.counters.performed.Add(1)
		if timedOut {
			o.counters.timeouts.Add(1)
			o.publish(subj, events.Timeout{
				Budget:  settings.Middleware.ValidationTimeout,
				Blocked: settings.Middleware.BlockOnTimeout,
			})
		}
		if useCache && cacheable(res) {
			o.cache.Set(ctx, id, res)
		}
	}

	elapsed := o.now().Sub(start)
	o.counters.observeLatency(elapsed)
	o.publish(subj, events.Validated{
		Valid:      res.Valid,
		Level:      res.Level,
		Confidence: res.Confidence,
		Errors:     len(res.Errors),
		Warnings:   len(res.Warnings),
		Cached:     res.CachedResult,
		Latency:    elapsed,
	})

	d := &Decision{
		ShouldProceed: decide(settings.Middleware, res),
		Result:        res,
		RiskScore:     score,
		Level:         level,
		RequestID:     req.RequestID,
	}
	span.SetAttributes(
		attribute.Bool("decision.proceed", d.ShouldProceed),
		attribute.Bool("validation.cached", res.CachedResult),
	)
	if d.ShouldProceed {
		return d
	}

	o.counters.blocked.Add(1)
	d.BlockedReason = blockedReason(res)
	d.SuggestedAlternatives = suggestedAlternatives(res)
	o.publish(subj, events.Blocked{Reason: d.BlockedReason, Level: level, Suggestions: d.SuggestedAlternatives})
	o.logger.Debug("tool call blocked",
		zap.String("request_id", req.RequestID),
		zap.String("agent_id", req.AgentID),
		zap.String("tool_name", req.ToolName),
		zap.String("level", level.String()),
		zap.String("reason", d.BlockedReason),
	)
	return d
}

func (o *Orchestrator) bypass(span trace.Span, subj events.Subject, reason string) *Decision {
	o.counters.bypassed.Add(1)
	span.SetAttributes(attribute.String("bypass.reason", reason))
	o.publish(subj, events.Bypassed{Reason: reason})
	warns := []validation.Warning{{
		Type:    validation.ErrorBypass,
		Message: "validation bypassed: " + reason,
		Impact:  validation.SeverityMedium,
	}}
	return &Decision{
		ShouldProceed: true,
		Result: &validation.Result{
			Valid:        true,
			ValidationID: uuid.NewString(),
			Level:        risk.LevelNone,
			Warnings:     warns,
			Confidence:   validation.Confidence(nil, warns, 0),
			RiskAssessment: validation.RiskAssessment{
				OverallRisk:      validation.SeverityMedium,
				RiskFactors:      []string{"validation bypassed"},
				RecommendedLevel: risk.LevelNone,
			},
			Fallback: true,
		},
		Level:     risk.LevelNone,
		RequestID: subj.RequestID,
	}
}

// validateWithTimeout races validation against the configured budget. A
// validation that loses the race is cancelled and its late result dropped.
// Deferred ASYNC checks are detached by the validator and not affected.
func (o *Orchestrator) validateWithTimeout(ctx context.Context, vctx validation.Context, mw config.MiddlewareConfig) (*validation.Result, bool) {
	done := make(chan *validation.Result, 1)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		done <- o.validator.Validate(runCtx, vctx)
	}()

	timer := time.NewTimer(mw.ValidationTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res, false
	case <-timer.C:
	case <-ctx.Done():
	}
	o.logger.Warn("validation exceeded budget",
		zap.String("tool_name", vctx.ToolName),
		zap.String("request_id", vctx.RequestID),
		zap.Duration("budget", mw.ValidationTimeout),
		zap.Bool("block_on_timeout", mw.BlockOnTimeout),
	)
	return timeoutResult(vctx, mw), true
}

func timeoutResult(vctx validation.Context, mw config.MiddlewareConfig) *validation.Result {
	res := &validation.Result{
		ValidationID: uuid.NewString(),
		Level:        vctx.Level,
		Elapsed:      mw.ValidationTimeout,
		Fallback:     true,
	}
	msg := "validation timed out after " + mw.ValidationTimeout.String()
	if mw.BlockOnTimeout {
		res.Errors = []validation.Error{{
			Type:         validation.ErrorTimeout,
			Severity:     validation.SeverityHigh,
			Message:      msg,
			SuggestedFix: "retry the call",
		}}
		res.RiskAssessment = validation.RiskAssessment{
			OverallRisk:      validation.SeverityHigh,
			RiskFactors:      []string{"validation timeout"},
			RecommendedLevel: vctx.Level,
		}
	} else {
		res.Valid = true
		res.Warnings = []validation.Warning{{
			Type:    validation.ErrorTimeout,
			Message: msg + ", allowing call",
			Impact:  validation.SeverityMedium,
		}}
		res.RiskAssessment = validation.RiskAssessment{
			OverallRisk:      validation.SeverityMedium,
			RiskFactors:      []string{"validation timeout"},
			RecommendedLevel: vctx.Level,
		}
	}
	res.Confidence = validation.Confidence(res.Errors, res.Warnings, vctx.RiskScore)
	return res
}

// cacheable reports whether a fresh result may be replayed later. Fallback
// results and optimistic ASYNC/NONE results are not.
func cacheable(res *validation.Result) bool {
	return !res.Fallback && res.Level >= risk.LevelBlocking
}

// decide applies the pass/block rule. A call proceeds when any of these
// hold: low risk with no errors and low-risk bypass on; blocking is not
// enforced; no HIGH-severity error; the result is valid.
func decide(mw config.MiddlewareConfig, res *validation.Result) bool {
	if mw.LowRiskBypass && res.RiskAssessment.OverallRisk == validation.SeverityLow && len(res.Errors) == 0 {
		return true
	}
	if !mw.EnforceBlocking {
		return true
	}
	if !res.HasSeverity(validation.SeverityHigh) {
		return true
	}
	return res.Valid
}

func (o *Orchestrator) publish(subj events.Subject, payload events.Event) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.New(subj, payload))
}

// SetEmergencyBypass lets every call through for d. A non-positive d
// clears the bypass. It returns the expiry, or the zero time when cleared.
func (o *Orchestrator) SetEmergencyBypass(d time.Duration) time.Time {
	if d <= 0 {
		o.bypassUntil.Store(0)
		o.logger.Warn("emergency bypass cleared")
		return time.Time{}
	}
	until := o.now().Add(d)
	o.bypassUntil.Store(until.UnixNano())
	o.logger.Warn("emergency bypass activated",
		zap.Duration("duration", d),
		zap.Time("until", until),
	)
	return until
}

// EmergencyBypassActive reports whether the bypass is set and unexpired.
func (o *Orchestrator) EmergencyBypassActive() bool {
	until := o.bypassUntil.Load()
	return until != 0 && o.now().UnixNano() < until
}

// UpdateConfig applies p atomically and propagates it to the classifier
// and the cache. An invalid patch leaves the configuration unchanged.
func (o *Orchestrator) UpdateConfig(p config.Patch) (config.Config, error) {
	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()

	cur := o.settings.Load()
	next, err := cur.Apply(p)
	if err != nil {
		return *cur, err
	}
	o.settings.Store(&next)

	o.classifier.SetThresholds(risk.Thresholds{
		Strict:   next.Risk.StrictThreshold,
		Blocking: next.Risk.BlockingThreshold,
		Async:    next.Risk.AsyncThreshold,
	})
	if o.cache != nil {
		o.cache.SetOpTimeout(next.Middleware.CacheOpTimeout)
		o.cache.SetTTL("memory", next.Cache.TTL)
	}
	if o.memory != nil {
		o.memory.Reconfigure(next.Cache.TTL, next.Cache.MaxEntries, next.Cache.MaxBytes, memcache.ParsePolicy(next.Cache.Eviction))
	}

	if p.EmergencyBypass != nil {
		if *p.EmergencyBypass {
			d := time.Hour
			if p.EmergencyBypassFor != nil && *p.EmergencyBypassFor > 0 {
				d = *p.EmergencyBypassFor
			}
			o.SetEmergencyBypass(d)
		} else {
			o.SetEmergencyBypass(0)
		}
	}

	fields := p.Fields()
	o.logger.Info("configuration updated", zap.Strings("fields", fields))
	o.publish(events.Subject{}, events.ConfigUpdated{Fields: fields})
	return next, nil
}

// Invalidate removes matching cached results from every tier.
func (o *Orchestrator) Invalidate(ctx context.Context, f cache.Filter) map[string]int {
	if o.cache == nil || f.Empty() {
		return map[string]int{}
	}
	removed := o.cache.Invalidate(ctx, f)
	o.publish(events.Subject{}, events.CacheInvalidated{Filter: f.String(), Removed: removed})
	return removed
}

// InvalidateTool removes cached results for toolName.
func (o *Orchestrator) InvalidateTool(ctx context.Context, toolName string) map[string]int {
	return o.Invalidate(ctx, cache.Filter{Tags: []string{cache.TagTool + toolName}})
}

// InvalidateAgent removes cached results for agentID.
func (o *Orchestrator) InvalidateAgent(ctx context.Context, agentID string) map[string]int {
	return o.Invalidate(ctx, cache.Filter{Tags: []string{cache.TagAgent + agentID}})
}

// InvalidateChannel removes cached results for channelID.
func (o *Orchestrator) InvalidateChannel(ctx context.Context, channelID string) map[string]int {
	return o.Invalidate(ctx, cache.Filter{Tags: []string{cache.TagChannel + channelID}})
}

// Reset clears counters, cached results, learned profiles and the
// emergency bypass.
func (o *Orchestrator) Reset(ctx context.Context) {
	o.counters.reset()
	o.bypassUntil.Store(0)
	o.classifier.Reset()
	if o.cache != nil {
		o.cache.Clear(ctx)
	}
}

// Close waits for background validations, closes the cache and drains the
// event bus.
func (o *Orchestrator) Close() error {
	o.validator.Wait()
	var err error
	if o.cache != nil {
		err = o.cache.Close()
	}
	if o.bus != nil {
		o.bus.Close()
	}
	return err
}

// AsyncFailurePublisher returns a validation.Config.OnAsyncFailure hook that
// reports deferred check failures on bus.
func AsyncFailurePublisher(bus *events.Bus) func(validation.Context, *validation.Result) {
	return func(vctx validation.Context, res *validation.Result) {
		msgs := make([]string, 0, len(res.Errors))
		for _, e := range res.Errors {
			msgs = append(msgs, e.Message)
		}
		bus.Publish(events.New(events.Subject{
			AgentID:   vctx.AgentID,
			ChannelID: vctx.ChannelID,
			ToolName:  vctx.ToolName,
			RequestID: vctx.RequestID,
		}, events.AsyncValidationFailed{ValidationID: res.ValidationID, Errors: msgs}))
	}
}
