package middleware

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/cache"
	"github.com/triage-ai/palisade/services/tool_gate/internal/validation"
)

const maxAlternatives = 5

type counters struct {
	total       atomic.Int64
	performed   atomic.Int64
	blocked     atomic.Int64
	bypassed    atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	timeouts    atomic.Int64
	latencySum  atomic.Int64 // nanoseconds
	latencyN    atomic.Int64
}

func (c *counters) observeLatency(d time.Duration) {
	c.latencySum.Add(int64(d))
	c.latencyN.Add(1)
}

func (c *counters) reset() {
	for _, v := range []*atomic.Int64{
		&c.total, &c.performed, &c.blocked, &c.bypassed,
		&c.cacheHits, &c.cacheMisses, &c.timeouts, &c.latencySum, &c.latencyN,
	} {
		v.Store(0)
	}
}

// Metrics is a point-in-time snapshot of the orchestrator's counters.
type Metrics struct {
	TotalInterceptions       int64         `json:"total_interceptions"`
	ValidationsPerformed     int64         `json:"validations_performed"`
	ValidationsBlocked       int64         `json:"validations_blocked"`
	ValidationsBypassed      int64         `json:"validations_bypassed"`
	CacheHits                int64         `json:"cache_hits"`
	CacheMisses              int64         `json:"cache_misses"`
	CacheHitRate             float64       `json:"cache_hit_rate"`
	Timeouts                 int64         `json:"timeouts"`
	AverageValidationLatency time.Duration `json:"average_validation_latency_ns"`
	EmergencyBypassActive    bool          `json:"emergency_bypass_active"`
	EmergencyBypassUntil     time.Time     `json:"emergency_bypass_until,omitempty"`
	Cache                    *cache.Stats  `json:"cache,omitempty"`
	EventsPublished          int64         `json:"events_published"`
	EventsDropped            int64         `json:"events_dropped"`
}

// Metrics returns a snapshot of the counters.
func (o *Orchestrator) Metrics() Metrics {
	c := &o.counters
	m := Metrics{
		TotalInterceptions:   c.total.Load(),
		ValidationsPerformed: c.performed.Load(),
		ValidationsBlocked:   c.blocked.Load(),
		ValidationsBypassed:  c.bypassed.Load(),
		CacheHits:            c.cacheHits.Load(),
		CacheMisses:          c.cacheMisses.Load(),
		Timeouts:             c.timeouts.Load(),
	}
	if lookups := m.CacheHits + m.CacheMisses; lookups > 0 {
		m.CacheHitRate = float64(m.CacheHits) / float64(lookups)
	}
	if n := c.latencyN.Load(); n > 0 {
		m.AverageValidationLatency = time.Duration(c.latencySum.Load() / n)
	}
	if o.EmergencyBypassActive() {
		m.EmergencyBypassActive = true
		m.EmergencyBypassUntil = time.Unix(0, o.bypassUntil.Load())
	}
	if o.cache != nil {
		st := o.cache.Stats()
		m.Cache = &st
	}
	if o.bus != nil {
		m.EventsPublished, m.EventsDropped = o.bus.Stats()
	}
	return m
}

// blockedReason summarizes the errors that blocked a call, most severe
// first.
func blockedReason(res *validation.Result) string {
	var msgs []string
	for _, sev := range []validation.Severity{validation.SeverityHigh, validation.SeverityMedium, validation.SeverityLow} {
		for _, e := range res.Errors {
			if e.Severity == sev {
				msgs = append(msgs, e.Message)
			}
		}
	}
	if len(msgs) == 0 {
		return "validation failed"
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// suggestedAlternatives ranks suggestions by confidence, followed by the
// errors' suggested fixes, and returns at most five distinct entries.
func suggestedAlternatives(res *validation.Result) []string {
	suggs := append([]validation.Suggestion(nil), res.Suggestions...)
	sort.SliceStable(suggs, func(i, j int) bool {
		return suggs[i].Confidence > suggs[j].Confidence
	})

	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if s == "" || seen[s] || len(out) >= maxAlternatives {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	for _, s := range suggs {
		add(s.Message)
	}
	for _, e := range res.Errors {
		add(e.SuggestedFix)
	}
	return out
}
