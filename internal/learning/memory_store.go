package learning

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// MemoryStore keeps patterns and tool metrics in process. It implements
// PatternStore, MetricsSource and Observer.
type MemoryStore struct {
	mu       sync.RWMutex
	patterns map[string]*patternBucket // channel|tool
	metrics  map[string]*agentMetrics  // agent|channel

	retention time.Duration
	now       func() time.Time
	pruner    *cron.Cron
	logger    *zap.Logger
}

type patternBucket struct {
	successful map[string]*Pattern // keyed by shape signature
	failed     map[string]*Pattern
}

type agentMetrics struct {
	latencyTotal time.Duration
	latencyCount int64
	errors       map[string]int
	recovery     map[string]time.Duration
}

// NewMemoryStore creates a store. Patterns not seen within retention are
// dropped by Prune.
func NewMemoryStore(retention time.Duration, logger *zap.Logger) *MemoryStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &MemoryStore{
		patterns:  make(map[string]*patternBucket),
		metrics:   make(map[string]*agentMetrics),
		retention: retention,
		now:       time.Now,
		logger:    logger,
	}
}

func bucketKey(channelID, toolName string) string {
	return channelID + "|" + toolName
}

func signature(keys []string) string {
	return strings.Join(keys, ",")
}

// GetPatterns returns copies of the patterns recorded for the tool on the
// channel, plus shared (channel-less) patterns when includeShared is set.
func (s *MemoryStore) GetPatterns(_ context.Context, channelID, toolName string, includeShared bool) (PatternSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var set PatternSet
	collect := func(b *patternBucket) {
		if b == nil {
			return
		}
		for _, p := range b.successful {
			set.Successful = append(set.Successful, clonePattern(p))
		}
		for _, p := range b.failed {
			set.Failed = append(set.Failed, clonePattern(p))
		}
	}
	collect(s.patterns[bucketKey(channelID, toolName)])
	if includeShared && channelID != "" {
		collect(s.patterns[bucketKey("", toolName)])
	}
	return set, nil
}

// GetMetrics returns the aggregated metrics for agentID on channelID.
func (s *MemoryStore) GetMetrics(_ context.Context, agentID, channelID string) (ToolMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := ToolMetrics{
		ToolErrorCounts:    map[string]int{},
		RecoveryTimeByTool: map[string]time.Duration{},
	}
	am, ok := s.metrics[agentID+"|"+channelID]
	if !ok {
		return m, nil
	}
	if am.latencyCount > 0 {
		m.AverageLatency = am.latencyTotal / time.Duration(am.latencyCount)
	}
	for k, v := range am.errors {
		m.ToolErrorCounts[k] = v
	}
	for k, v := range am.recovery {
		m.RecoveryTimeByTool[k] = v
	}
	return m, nil
}

// Observe records an execution outcome: its parameter shape on the channel
// and in the shared pool, and the agent's latency and error counters.
func (s *MemoryStore) Observe(_ context.Context, o Outcome) {
	keys := ParameterKeys(o.Parameters)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range []string{o.ChannelID, ""} {
		b := s.bucketLocked(ch, o.ToolName)
		if o.Success {
			upsertPattern(b.successful, o.ToolName, ch, keys, "", now)
		} else {
			upsertPattern(b.failed, o.ToolName, ch, keys, ClassifyError(o.ErrorMessage), now)
		}
		if ch == "" {
			break
		}
	}

	am := s.metrics[o.AgentID+"|"+o.ChannelID]
	if am == nil {
		am = &agentMetrics{errors: map[string]int{}, recovery: map[string]time.Duration{}}
		s.metrics[o.AgentID+"|"+o.ChannelID] = am
	}
	am.latencyTotal += o.Latency
	am.latencyCount++
	if !o.Success {
		am.errors[o.ToolName]++
	}
	if o.RecoveryTime > 0 {
		// exponential moving average keeps the figure responsive
		prev := am.recovery[o.ToolName]
		if prev == 0 {
			am.recovery[o.ToolName] = o.RecoveryTime
		} else {
			am.recovery[o.ToolName] = (prev*7 + o.RecoveryTime*3) / 10
		}
	}
}

func (s *MemoryStore) bucketLocked(channelID, toolName string) *patternBucket {
	key := bucketKey(channelID, toolName)
	b := s.patterns[key]
	if b == nil {
		b = &patternBucket{successful: map[string]*Pattern{}, failed: map[string]*Pattern{}}
		s.patterns[key] = b
	}
	return b
}

func upsertPattern(m map[string]*Pattern, toolName, channelID string, keys []string, errType string, now time.Time) {
	sig := signature(keys)
	p := m[sig]
	if p == nil {
		p = &Pattern{
			ToolName:  toolName,
			ChannelID: channelID,
			Keys:      append([]string(nil), keys...),
			ErrorType: errType,
		}
		m[sig] = p
	}
	p.Frequency++
	// confidence approaches 1 as the shape recurs: 1 - 1/(n+1)
	p.Confidence = 1 - 1/float64(p.Frequency+1)
	p.LastSeen = now
	if errType != "" {
		p.ErrorType = errType
	}
}

// Prune drops patterns not seen within the retention window and returns how
// many were removed.
func (s *MemoryStore) Prune() int {
	cutoff := s.now().Add(-s.retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, b := range s.patterns {
		for sig, p := range b.successful {
			if p.LastSeen.Before(cutoff) {
				delete(b.successful, sig)
				n++
			}
		}
		for sig, p := range b.failed {
			if p.LastSeen.Before(cutoff) {
				delete(b.failed, sig)
				n++
			}
		}
		if len(b.successful) == 0 && len(b.failed) == 0 {
			delete(s.patterns, key)
		}
	}
	return n
}

// StartPruning schedules Prune with a cron spec (e.g. "@every 10m").
func (s *MemoryStore) StartPruning(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if n := s.Prune(); n > 0 {
			s.logger.Debug("pruned stale patterns", zap.Int("count", n))
		}
	}); err != nil {
		return err
	}
	c.Start()
	s.mu.Lock()
	s.pruner = c
	s.mu.Unlock()
	return nil
}

// Close stops scheduled pruning.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	c := s.pruner
	s.pruner = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Reset drops all recorded patterns and metrics.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns = make(map[string]*patternBucket)
	s.metrics = make(map[string]*agentMetrics)
}

func clonePattern(p *Pattern) Pattern {
	c := *p
	c.Keys = append([]string(nil), p.Keys...)
	return c
}
