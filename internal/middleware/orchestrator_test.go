package middleware

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/cache"
	"github.com/triage-ai/palisade/services/tool_gate/internal/config"
	"github.com/triage-ai/palisade/services/tool_gate/internal/events"
	"github.com/triage-ai/palisade/services/tool_gate/internal/memcache"
	"github.com/triage-ai/palisade/services/tool_gate/internal/risk"
	"github.com/triage-ai/palisade/services/tool_gate/internal/validation"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// stubCheck counts runs and returns fixed findings after an optional delay.
type stubCheck struct {
	runs     atomic.Int32
	delay    time.Duration
	findings validation.Findings
}

func (s *stubCheck) Name() string { return "stub" }

func (s *stubCheck) Run(_ context.Context, _ *validation.CheckRequest) (*validation.Findings, error) {
	s.runs.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	f := s.findings
	return &f, nil
}

func highError() validation.Findings {
	return validation.Findings{
		Errors: []validation.Error{{
			Type:         validation.ErrorSchema,
			Severity:     validation.SeverityHigh,
			Message:      "missing required parameter: path",
			Field:        "path",
			SuggestedFix: "add the path parameter",
		}},
		Suggestions: []validation.Suggestion{
			{Type: "pattern", Message: "successful calls also set: mode", Confidence: 0.4},
			{Type: "pattern", Message: "use an absolute path", Confidence: 0.9},
		},
	}
}

type recorder struct {
	mu    sync.Mutex
	types []events.Type
}

func (r *recorder) handle(e events.Envelope) {
	r.mu.Lock()
	r.types = append(r.types, e.Type())
	r.mu.Unlock()
}

func (r *recorder) has(t events.Type) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, have := range r.types {
		if have == t {
			return true
		}
	}
	return false
}

type harness struct {
	orch   *Orchestrator
	memory *cache.MemoryTier
	bus    *events.Bus
	events *recorder
	logs   *observer.ObservedLogs
}

// testSettings routes write_file (score 0.25 with no registry) to BLOCKING.
func testSettings() config.Config {
	s := config.Default()
	s.Risk.StrictThreshold = 0.9
	s.Risk.BlockingThreshold = 0.2
	s.Risk.AsyncThreshold = 0.1
	return s
}

func newHarness(t *testing.T, settings config.Config, checks ...validation.Check) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	bus := events.NewBus(zap.NewNop())
	rec := &recorder{}
	bus.Subscribe("recorder", 256, rec.handle)

	mem, err := cache.NewMemoryTier(cache.MemoryOptions{
		TTL:        settings.Cache.TTL,
		MaxEntries: settings.Cache.MaxEntries,
		MaxBytes:   settings.Cache.MaxBytes,
		Policy:     memcache.ParsePolicy(settings.Cache.Eviction),
	})
	if err != nil {
		t.Fatal(err)
	}
	tiered := cache.NewTiered([]cache.TierConfig{{Tier: mem, TTL: settings.Cache.TTL}}, 50*time.Millisecond, zap.NewNop())

	classifier := risk.NewClassifier(risk.ClassifierConfig{
		Thresholds: risk.Thresholds{
			Strict:   settings.Risk.StrictThreshold,
			Blocking: settings.Risk.BlockingThreshold,
			Async:    settings.Risk.AsyncThreshold,
		},
	})
	validator := validation.NewValidator(validation.Config{
		Checks:         checks,
		OnAsyncFailure: AsyncFailurePublisher(bus),
	})

	o := New(Config{
		Classifier: classifier,
		Validator:  validator,
		Cache:      tiered,
		Memory:     mem,
		Bus:        bus,
		Settings:   settings,
		Logger:     zap.New(core),
	})
	return &harness{orch: o, memory: mem, bus: bus, events: rec, logs: logs}
}

func writeFile(params map[string]any) Request {
	return Request{AgentID: "agent-1", ChannelID: "ch-1", ToolName: "write_file", Parameters: params}
}

func TestIntercept_CacheHitSkipsChecks(t *testing.T) {
	check := &stubCheck{}
	h := newHarness(t, testSettings(), check)
	ctx := context.Background()
	req := writeFile(map[string]any{"path": "/tmp/a", "content": "x"})

	first := h.orch.InterceptToolCall(ctx, req)
	if !first.ShouldProceed || first.Result.CachedResult {
		t.Fatalf("expected fresh pass, got %+v", first)
	}
	if first.Level != risk.LevelBlocking {
		t.Fatalf("expected BLOCKING, got %s", first.Level)
	}
	if h.memory.Stats().Entries != 1 {
		t.Fatal("expected the result to be cached")
	}

	second := h.orch.InterceptToolCall(ctx, req)
	if !second.ShouldProceed || !second.Result.CachedResult {
		t.Fatalf("expected cached pass, got %+v", second.Result)
	}
	if second.Result.ValidationID != first.Result.ValidationID {
		t.Fatal("cached replay should carry the original validation id")
	}
	if check.runs.Load() != 1 {
		t.Fatalf("checks ran %d times, want 1", check.runs.Load())
	}

	m := h.orch.Metrics()
	if m.TotalInterceptions != 2 || m.ValidationsPerformed != 1 || m.CacheHitRate != 0.5 {
		t.Fatalf("unexpected metrics %+v", m)
	}

	h.orch.Close()
	for _, typ := range []events.Type{events.TypeIntercepted, events.TypeValidated} {
		if !h.events.has(typ) {
			t.Fatalf("missing %s event", typ)
		}
	}
}

func TestIntercept_BlocksOnHighError(t *testing.T) {
	h := newHarness(t, testSettings(), &stubCheck{findings: highError()})
	defer h.orch.Close()

	d := h.orch.InterceptToolCall(context.Background(), writeFile(map[string]any{"content": "x"}))
	if d.ShouldProceed {
		t.Fatal("expected block")
	}
	if !strings.Contains(d.BlockedReason, "missing required parameter: path") {
		t.Fatalf("unexpected reason %q", d.BlockedReason)
	}
	want := []string{"use an absolute path", "successful calls also set: mode", "add the path parameter"}
	if len(d.SuggestedAlternatives) != len(want) {
		t.Fatalf("unexpected alternatives %v", d.SuggestedAlternatives)
	}
	for i := range want {
		if d.SuggestedAlternatives[i] != want[i] {
			t.Fatalf("alternative %d: got %q want %q", i, d.SuggestedAlternatives[i], want[i])
		}
	}
	if h.orch.Metrics().ValidationsBlocked != 1 {
		t.Fatal("blocked counter not updated")
	}
	if d.RequestID == "" {
		t.Fatal("request id should be generated")
	}
	if n := h.logs.FilterMessage("tool call blocked").FilterLevelExact(zapcore.DebugLevel).Len(); n != 1 {
		t.Fatalf("expected one debug entry for the block, got %d", n)
	}
	if n := h.logs.FilterLevelExact(zapcore.InfoLevel).Len(); n != 0 {
		t.Fatalf("intercept path logged %d info entries", n)
	}
}

func TestIntercept_ShadowModeProceeds(t *testing.T) {
	s := testSettings()
	s.Middleware.EnforceBlocking = false
	h := newHarness(t, s, &stubCheck{findings: highError()})
	defer h.orch.Close()

	d := h.orch.InterceptToolCall(context.Background(), writeFile(nil))
	if !d.ShouldProceed {
		t.Fatal("shadow mode must not block")
	}
	if d.Result.Valid {
		t.Fatal("result should still report the failure")
	}
}

func TestIntercept_EmergencyBypass(t *testing.T) {
	h := newHarness(t, testSettings(), &stubCheck{findings: highError()})
	defer h.orch.Close()

	now := time.Now()
	h.orch.now = func() time.Time { return now }

	h.orch.SetEmergencyBypass(time.Minute)
	d := h.orch.InterceptToolCall(context.Background(), Request{ToolName: "delete_database", Parameters: map[string]any{"target": "*"}})
	if !d.ShouldProceed {
		t.Fatal("emergency bypass must let the call through")
	}
	if len(d.Result.Warnings) != 1 || d.Result.Warnings[0].Type != validation.ErrorBypass {
		t.Fatalf("expected a bypass warning, got %+v", d.Result.Warnings)
	}
	if m := h.orch.Metrics(); !m.EmergencyBypassActive || m.ValidationsBypassed != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}

	now = now.Add(2 * time.Minute)
	if h.orch.EmergencyBypassActive() {
		t.Fatal("bypass should expire")
	}
	if d := h.orch.InterceptToolCall(context.Background(), writeFile(nil)); d.ShouldProceed {
		t.Fatal("expected block after bypass expired")
	}

	h.orch.SetEmergencyBypass(time.Hour)
	h.orch.SetEmergencyBypass(0)
	if h.orch.EmergencyBypassActive() {
		t.Fatal("bypass should be cleared")
	}
}

func TestIntercept_Disabled(t *testing.T) {
	check := &stubCheck{findings: highError()}
	h := newHarness(t, testSettings(), check)
	defer h.orch.Close()

	off := false
	if _, err := h.orch.UpdateConfig(config.Patch{Enabled: &off}); err != nil {
		t.Fatal(err)
	}
	d := h.orch.InterceptToolCall(context.Background(), writeFile(nil))
	if !d.ShouldProceed || check.runs.Load() != 0 {
		t.Fatal("disabled gate must pass without validating")
	}
}

func TestIntercept_TimeoutFallback(t *testing.T) {
	s := testSettings()
	s.Middleware.ValidationTimeout = 10 * time.Millisecond
	check := &stubCheck{delay: 200 * time.Millisecond}
	h := newHarness(t, s, check)
	defer h.orch.Close()

	start := time.Now()
	d := h.orch.InterceptToolCall(context.Background(), writeFile(map[string]any{"path": "/a"}))
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Fatalf("intercept waited for the slow validation: %v", elapsed)
	}
	if !d.ShouldProceed || !d.Result.Fallback {
		t.Fatalf("expected permissive fallback, got %+v", d.Result)
	}
	if d.Result.Warnings[0].Type != validation.ErrorTimeout || d.Result.RiskAssessment.OverallRisk != validation.SeverityMedium {
		t.Fatalf("unexpected fallback result %+v", d.Result)
	}
	if h.memory.Stats().Entries != 0 {
		t.Fatal("fallback results must not be cached")
	}
	if h.orch.Metrics().Timeouts != 1 {
		t.Fatal("timeout not counted")
	}
}

func TestIntercept_TimeoutBlocks(t *testing.T) {
	s := testSettings()
	s.Middleware.ValidationTimeout = 10 * time.Millisecond
	s.Middleware.BlockOnTimeout = true
	h := newHarness(t, s, &stubCheck{delay: 200 * time.Millisecond})
	defer h.orch.Close()

	d := h.orch.InterceptToolCall(context.Background(), writeFile(nil))
	if d.ShouldProceed {
		t.Fatal("expected block on timeout")
	}
	if !strings.Contains(d.BlockedReason, "timed out") {
		t.Fatalf("unexpected reason %q", d.BlockedReason)
	}
	if len(d.SuggestedAlternatives) != 1 || d.SuggestedAlternatives[0] != "retry the call" {
		t.Fatalf("unexpected alternatives %v", d.SuggestedAlternatives)
	}
}

func TestIntercept_AsyncFailureIsReportedNotBlocked(t *testing.T) {
	check := &stubCheck{findings: highError()}
	h := newHarness(t, config.Default(), check) // write_file scores 0.25: ASYNC

	d := h.orch.InterceptToolCall(context.Background(), writeFile(nil))
	if !d.ShouldProceed || d.Level != risk.LevelAsync {
		t.Fatalf("expected optimistic ASYNC pass, got proceed=%v level=%s", d.ShouldProceed, d.Level)
	}
	if d.Result.Confidence != 0.8 {
		t.Fatalf("unexpected confidence %v", d.Result.Confidence)
	}
	if h.memory.Stats().Entries != 0 {
		t.Fatal("optimistic results must not be cached")
	}

	h.orch.Close()
	if check.runs.Load() != 1 {
		t.Fatal("deferred checks did not run")
	}
	if !h.events.has(events.TypeAsyncValidationFailed) {
		t.Fatal("expected ASYNC_VALIDATION_FAILED event")
	}
}

func TestUpdateConfig_Propagates(t *testing.T) {
	h := newHarness(t, testSettings(), &stubCheck{})
	defer h.orch.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.orch.InterceptToolCall(ctx, writeFile(map[string]any{"i": i}))
	}
	if h.memory.Stats().Entries != 3 {
		t.Fatal("expected three cached results")
	}

	strict := 0.95
	one := 1
	fifo := "fifo"
	next, err := h.orch.UpdateConfig(config.Patch{StrictThreshold: &strict, CacheMaxEntries: &one, CacheEviction: &fifo})
	if err != nil {
		t.Fatal(err)
	}
	if next.Risk.StrictThreshold != 0.95 || h.orch.classifier.Thresholds().Strict != 0.95 {
		t.Fatal("thresholds not propagated")
	}
	if h.memory.Stats().Entries != 1 {
		t.Fatalf("memory tier not shrunk: %d entries", h.memory.Stats().Entries)
	}

	bad := 0.01
	if _, err := h.orch.UpdateConfig(config.Patch{StrictThreshold: &bad}); err == nil {
		t.Fatal("expected invalid patch to be rejected")
	}
	if h.orch.Settings().Risk.StrictThreshold != 0.95 {
		t.Fatal("rejected patch must leave settings unchanged")
	}

	on := true
	d := 30 * time.Second
	if _, err := h.orch.UpdateConfig(config.Patch{EmergencyBypass: &on, EmergencyBypassFor: &d}); err != nil {
		t.Fatal(err)
	}
	if !h.orch.EmergencyBypassActive() {
		t.Fatal("emergency bypass toggle not applied")
	}
}

func TestInvalidateAndReset(t *testing.T) {
	check := &stubCheck{}
	h := newHarness(t, testSettings(), check)
	defer h.orch.Close()
	ctx := context.Background()
	req := writeFile(map[string]any{"path": "/tmp/a"})

	h.orch.InterceptToolCall(ctx, req)
	if n := h.orch.InvalidateTool(ctx, "read_file"); n["memory"] != 0 {
		t.Fatal("unrelated tool invalidated")
	}
	if n := h.orch.InvalidateTool(ctx, "write_file"); n["memory"] != 1 {
		t.Fatalf("expected one removal, got %v", n)
	}
	h.orch.InterceptToolCall(ctx, req)
	if check.runs.Load() != 2 {
		t.Fatal("invalidated result should be revalidated")
	}
	if n := h.orch.Invalidate(ctx, cache.Filter{}); len(n) != 0 {
		t.Fatal("empty filter must not invalidate")
	}

	h.orch.SetEmergencyBypass(time.Hour)
	h.orch.Reset(ctx)
	m := h.orch.Metrics()
	if m.TotalInterceptions != 0 || m.EmergencyBypassActive || h.memory.Stats().Entries != 0 {
		t.Fatalf("reset left state behind: %+v", m)
	}
}

func TestDecide(t *testing.T) {
	mw := config.Default().Middleware
	lowClean := &validation.Result{RiskAssessment: validation.RiskAssessment{OverallRisk: validation.SeverityLow}}
	mediumOnly := &validation.Result{Errors: []validation.Error{{Severity: validation.SeverityMedium}}}
	high := &validation.Result{Errors: []validation.Error{{Severity: validation.SeverityHigh}}}

	if !decide(mw, lowClean) {
		t.Error("low risk without errors should proceed")
	}
	if !decide(mw, mediumOnly) {
		t.Error("no HIGH error should proceed when enforcing")
	}
	if decide(mw, high) {
		t.Error("HIGH error should block when enforcing")
	}
	mw.EnforceBlocking = false
	if !decide(mw, high) {
		t.Error("unenforced blocking should proceed")
	}
}
