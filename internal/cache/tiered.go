package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/validation"
	"go.uber.org/zap"
)

// DefaultOpTimeout is the budget for one Get or Set across all tiers.
const DefaultOpTimeout = 20 * time.Millisecond

// TierConfig pairs a tier with the TTL given to records written to it.
type TierConfig struct {
	Tier Tier
	TTL  time.Duration
}

type tierSlot struct {
	tier Tier
	ttl  atomic.Int64 // nanoseconds
	hits atomic.Int64
	errs atomic.Int64
}

// Tiered queries tiers fastest first and writes lower-tier hits back to the
// tiers above. Tier errors and slow tiers degrade to a miss.
type Tiered struct {
	slots     []*tierSlot
	opTimeout atomic.Int64
	misses    atomic.Int64
	logger    *zap.Logger
	now       func() time.Time
	wg        sync.WaitGroup
}

// TierStats is per-tier accounting.
type TierStats struct {
	Name   string `json:"name"`
	Hits   int64  `json:"hits"`
	Errors int64  `json:"errors"`
}

// Stats is a snapshot of the cache accounting.
type Stats struct {
	Hits   int64       `json:"hits"`
	Misses int64       `json:"misses"`
	Tiers  []TierStats `json:"tiers"`
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// NewTiered creates a tiered cache. Tiers are queried in the given order.
func NewTiered(tiers []TierConfig, opTimeout time.Duration, logger *zap.Logger) *Tiered {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Tiered{logger: logger, now: time.Now}
	for _, tc := range tiers {
		s := &tierSlot{tier: tc.Tier}
		ttl := tc.TTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		s.ttl.Store(int64(ttl))
		c.slots = append(c.slots, s)
	}
	c.SetOpTimeout(opTimeout)
	return c
}

// SetOpTimeout changes the per-operation budget.
func (c *Tiered) SetOpTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultOpTimeout
	}
	c.opTimeout.Store(int64(d))
}

// SetTTL changes the record TTL for the named tier.
func (c *Tiered) SetTTL(tierName string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	for _, s := range c.slots {
		if s.tier.Name() == tierName {
			s.ttl.Store(int64(ttl))
		}
	}
}

// Get returns a copy of the cached result for id, or false on a miss.
func (c *Tiered) Get(ctx context.Context, id Identity) (*validation.Result, bool) {
	key, _ := id.Key()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.opTimeout.Load()))
	defer cancel()

	for i, s := range c.slots {
		s := s
		rec, ok, err := bounded(ctx, func(ctx context.Context) (*Record, bool, error) {
			return s.tier.Get(ctx, key)
		})
		if err != nil {
			s.errs.Add(1)
			c.logger.Debug("cache tier get failed, treating as miss",
				zap.String("tier", s.tier.Name()),
				zap.String("tool_name", id.ToolName),
				zap.Error(err),
			)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if !ok || rec == nil || rec.Value == nil || rec.Expired(c.now()) {
			continue
		}
		s.hits.Add(1)
		if i > 0 {
			c.writeBack(rec, c.slots[:i])
		}
		return rec.Value.Copy(), true
	}
	c.misses.Add(1)
	return nil, false
}

// writeBack copies a lower-tier hit into the faster tiers in the background.
func (c *Tiered) writeBack(rec *Record, upper []*tierSlot) {
	budget := time.Duration(c.opTimeout.Load())
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), budget)
		defer cancel()
		now := c.now()
		for _, s := range upper {
			s := s
			cp := *rec
			cp.Value = rec.Value.Copy()
			if limit := now.Add(time.Duration(s.ttl.Load())); cp.ExpiresAt.After(limit) {
				cp.ExpiresAt = limit
			}
			if _, _, err := bounded(ctx, func(ctx context.Context) (struct{}, bool, error) {
				return struct{}{}, true, s.tier.Set(ctx, &cp)
			}); err != nil {
				s.errs.Add(1)
				c.logger.Debug("cache write-back failed",
					zap.String("tier", s.tier.Name()),
					zap.Error(err),
				)
			}
		}
	}()
}

// Set stores res for id in every tier, each with its own TTL. It returns
// when all tiers finished or the budget ran out.
func (c *Tiered) Set(ctx context.Context, id Identity, res *validation.Result) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.opTimeout.Load()))
	defer cancel()
	now := c.now()

	var wg sync.WaitGroup
	for _, s := range c.slots {
		s := s
		rec := NewRecord(id, res, now, time.Duration(s.ttl.Load()))
		rec.Value.CachedResult = false
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := bounded(ctx, func(ctx context.Context) (struct{}, bool, error) {
				return struct{}{}, true, s.tier.Set(ctx, rec)
			})
			if err != nil {
				s.errs.Add(1)
				c.logger.Debug("cache tier set failed",
					zap.String("tier", s.tier.Name()),
					zap.String("tool_name", id.ToolName),
					zap.Error(err),
				)
			}
		}()
	}
	wg.Wait()
}

// Invalidate removes matching records from every tier and returns the
// count removed per tier. Failing tiers are logged and skipped.
func (c *Tiered) Invalidate(ctx context.Context, f Filter) map[string]int {
	out := make(map[string]int, len(c.slots))
	for _, s := range c.slots {
		n, err := s.tier.Invalidate(ctx, f)
		if err != nil {
			s.errs.Add(1)
			c.logger.Warn("cache invalidation failed",
				zap.String("tier", s.tier.Name()),
				zap.Error(err),
			)
			continue
		}
		out[s.tier.Name()] = n
	}
	return out
}

// Clear empties every tier and resets accounting.
func (c *Tiered) Clear(ctx context.Context) {
	c.wg.Wait()
	for _, s := range c.slots {
		if err := s.tier.Clear(ctx); err != nil {
			c.logger.Warn("cache clear failed",
				zap.String("tier", s.tier.Name()),
				zap.Error(err),
			)
		}
		s.hits.Store(0)
		s.errs.Store(0)
	}
	c.misses.Store(0)
}

// Stats returns a snapshot of the accounting.
func (c *Tiered) Stats() Stats {
	st := Stats{Misses: c.misses.Load()}
	for _, s := range c.slots {
		h := s.hits.Load()
		st.Hits += h
		st.Tiers = append(st.Tiers, TierStats{Name: s.tier.Name(), Hits: h, Errors: s.errs.Load()})
	}
	return st
}

// Close waits for pending write-backs and closes tiers that hold resources.
func (c *Tiered) Close() error {
	c.wg.Wait()
	var errs []error
	for _, s := range c.slots {
		if cl, ok := s.tier.(io.Closer); ok {
			if err := cl.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s tier: %w", s.tier.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

type opResult[T any] struct {
	v   T
	ok  bool
	err error
}

// bounded runs fn and returns its result, or ctx.Err() if ctx finishes
// first. A late completion is discarded. Panics become errors.
func bounded[T any](ctx context.Context, fn func(context.Context) (T, bool, error)) (T, bool, error) {
	ch := make(chan opResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- opResult[T]{err: fmt.Errorf("cache tier panic: %v", r)}
			}
		}()
		v, ok, err := fn(ctx)
		ch <- opResult[T]{v: v, ok: ok, err: err}
	}()
	select {
	case r := <-ch:
		return r.v, r.ok, r.err
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}
