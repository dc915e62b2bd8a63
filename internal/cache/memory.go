package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/memcache"
)

// MemoryTier is the in-process tier over memcache.Memory.
type MemoryTier struct {
	mem *memcache.Memory[*Record]
	now func() time.Time
}

// MemoryOptions configures the memory tier.
type MemoryOptions struct {
	TTL           time.Duration
	MaxEntries    int
	MaxBytes      int64
	Policy        memcache.Policy
	SweepInterval time.Duration
	Now           func() time.Time
}

// NewMemoryTier creates the memory tier and starts its expiry sweep when
// SweepInterval is positive.
func NewMemoryTier(opts MemoryOptions) (*MemoryTier, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	mem := memcache.New(memcache.Options[*Record]{
		TTL:        opts.TTL,
		MaxEntries: opts.MaxEntries,
		MaxBytes:   opts.MaxBytes,
		Policy:     opts.Policy,
		SizeOf:     recordSize,
		Now:        opts.Now,
	})
	if opts.SweepInterval > 0 {
		if err := mem.StartSweeper(opts.SweepInterval); err != nil {
			return nil, err
		}
	}
	return &MemoryTier{mem: mem, now: opts.Now}, nil
}

// recordSize estimates the footprint as the JSON encoding length.
func recordSize(key string, rec *Record) int64 {
	b, err := json.Marshal(rec)
	if err != nil {
		return int64(len(key)) + 512
	}
	return int64(len(key) + len(b))
}

func (t *MemoryTier) Name() string {
	return "memory"
}

func (t *MemoryTier) Get(_ context.Context, key string) (*Record, bool, error) {
	rec, ok := t.mem.Get(key)
	if !ok {
		return nil, false, nil
	}
	return rec, true, nil
}

// Set stores rec until its own expiry.
func (t *MemoryTier) Set(_ context.Context, rec *Record) error {
	ttl := rec.ExpiresAt.Sub(t.now())
	if ttl <= 0 {
		return nil
	}
	t.mem.SetWithTTL(rec.Key, rec, ttl, rec.Metadata.Tags()...)
	return nil
}

func (t *MemoryTier) Invalidate(_ context.Context, f Filter) (int, error) {
	if f.Empty() {
		return 0, nil
	}
	now := t.now()
	return t.mem.DeleteFunc(func(e *memcache.Entry[*Record]) bool {
		return f.Matches(e.Value, now)
	}), nil
}

func (t *MemoryTier) Clear(context.Context) error {
	t.mem.Clear()
	return nil
}

// Reconfigure changes the default TTL, budgets and eviction policy.
func (t *MemoryTier) Reconfigure(ttl time.Duration, maxEntries int, maxBytes int64, policy memcache.Policy) {
	t.mem.Reconfigure(ttl, maxEntries, maxBytes, policy)
}

// Stats returns the memory tier accounting.
func (t *MemoryTier) Stats() memcache.Stats {
	return t.mem.Stats()
}

// Close stops the expiry sweep.
func (t *MemoryTier) Close() error {
	t.mem.StopSweeper()
	return nil
}
