// Package memcache provides a bounded, TTL-based in-process cache with a
// pluggable eviction policy. Entries are bounded by count and estimated byte
// size; eviction runs before any insert that would exceed either budget.
package memcache

import (
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Policy selects the victim when the cache is over budget.
type Policy string

const (
	LRU  Policy = "lru"
	LFU  Policy = "lfu"
	FIFO Policy = "fifo"
)

// ParsePolicy maps a config string to a Policy, defaulting to LRU.
func ParsePolicy(s string) Policy {
	switch Policy(strings.ToLower(s)) {
	case LFU:
		return LFU
	case FIFO:
		return FIFO
	default:
		return LRU
	}
}

// Entry is one cached record. Value is never mutated by the cache; only the
// access bookkeeping fields change after insertion.
type Entry[V any] struct {
	Key          string
	Value        V
	CreatedAt    time.Time
	ExpiresAt    time.Time
	AccessCount  int64
	LastAccessed time.Time
	Size         int64
	Tags         []string

	seq uint64 // insertion order, breaks ties
}

// Expired reports whether the entry is past its TTL at now.
func (e *Entry[V]) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Options configures a Memory cache.
type Options[V any] struct {
	TTL        time.Duration
	MaxEntries int
	MaxBytes   int64
	Policy     Policy
	// SizeOf estimates an entry's footprint in bytes. Nil counts 1 byte per entry.
	SizeOf func(key string, v V) int64
	// Now is injectable for tests.
	Now func() time.Time
}

// Stats is a point-in-time view of cache accounting.
type Stats struct {
	Entries   int
	Bytes     int64
	Hits      int64
	Misses    int64
	Evictions int64
	Expired   int64
	Rejected  int64
}

// Memory is safe for concurrent use. A single mutex guards the map and the
// size accounting; no caller work runs under it.
type Memory[V any] struct {
	mu      sync.Mutex
	entries map[string]*Entry[V]
	bytes   int64
	seq     uint64
	stats   Stats

	ttl        time.Duration
	maxEntries int
	maxBytes   int64
	policy     Policy
	sizeOf     func(string, V) int64
	now        func() time.Time

	sweeper *cron.Cron
}

// New creates a Memory cache.
func New[V any](opts Options[V]) *Memory[V] {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SizeOf == nil {
		opts.SizeOf = func(string, V) int64 { return 1 }
	}
	if opts.Policy == "" {
		opts.Policy = LRU
	}
	return &Memory[V]{
		entries:    make(map[string]*Entry[V]),
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		maxBytes:   opts.MaxBytes,
		policy:     opts.Policy,
		sizeOf:     opts.SizeOf,
		now:        opts.Now,
	}
}

// Get returns the value for key if present and not expired.
func (m *Memory[V]) Get(key string) (V, bool) {
	e, ok := m.GetEntry(key)
	if !ok {
		var zero V
		return zero, false
	}
	return e.Value, true
}

// GetEntry returns a copy of the entry for key, updating access bookkeeping.
// Expired entries are removed and reported as misses.
func (m *Memory[V]) GetEntry(key string) (Entry[V], bool) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		m.stats.Misses++
		return Entry[V]{}, false
	}
	if e.Expired(now) {
		m.removeLocked(key, e)
		m.stats.Expired++
		m.stats.Misses++
		return Entry[V]{}, false
	}
	e.AccessCount++
	e.LastAccessed = now
	m.stats.Hits++
	return *e, true
}

// Set inserts value under key with the default TTL.
func (m *Memory[V]) Set(key string, value V, tags ...string) {
	m.SetWithTTL(key, value, 0, tags...)
}

// SetWithTTL inserts value under key. A non-positive ttl uses the default.
// An existing entry for key is replaced, never modified in place. A value
// larger than the whole byte budget is not stored and any previous entry
// for key is dropped.
func (m *Memory[V]) SetWithTTL(key string, value V, ttl time.Duration, tags ...string) {
	now := m.now()
	size := m.sizeOf(key, value)

	m.mu.Lock()
	defer m.mu.Unlock()

	if ttl <= 0 {
		ttl = m.ttl
	}
	if old, ok := m.entries[key]; ok {
		m.removeLocked(key, old)
	}
	if m.maxBytes > 0 && size > m.maxBytes {
		m.stats.Rejected++
		return
	}
	m.makeRoomLocked(1, size, now)

	m.seq++
	m.entries[key] = &Entry[V]{
		Key:          key,
		Value:        value,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastAccessed: now,
		Size:         size,
		Tags:         append([]string(nil), tags...),
		seq:          m.seq,
	}
	m.bytes += size
}

// Delete removes key. It reports whether an entry was present.
func (m *Memory[V]) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if ok {
		m.removeLocked(key, e)
	}
	return ok
}

// DeleteFunc removes every entry for which match returns true and returns the
// number removed.
func (m *Memory[V]) DeleteFunc(match func(e *Entry[V]) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if match(e) {
			m.removeLocked(k, e)
			n++
		}
	}
	return n
}

// Sweep drops expired entries and returns how many were removed.
func (m *Memory[V]) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if e.Expired(now) {
			m.removeLocked(k, e)
			n++
		}
	}
	m.stats.Expired += int64(n)
	return n
}

// StartSweeper runs Sweep on a fixed interval until StopSweeper is called.
func (m *Memory[V]) StartSweeper(interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	c := cron.New()
	if _, err := c.AddFunc("@every "+interval.String(), func() { m.Sweep() }); err != nil {
		return err
	}
	m.mu.Lock()
	prev := m.sweeper
	m.sweeper = c
	m.mu.Unlock()
	if prev != nil {
		<-prev.Stop().Done()
	}
	c.Start()
	return nil
}

// StopSweeper stops the background sweep, waiting for a running sweep to finish.
func (m *Memory[V]) StopSweeper() {
	m.mu.Lock()
	c := m.sweeper
	m.sweeper = nil
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Reconfigure changes the budgets, TTL and policy. Shrinking budgets evicts
// immediately. Existing entries keep their expiry.
func (m *Memory[V]) Reconfigure(ttl time.Duration, maxEntries int, maxBytes int64, policy Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ttl > 0 {
		m.ttl = ttl
	}
	m.maxEntries = maxEntries
	m.maxBytes = maxBytes
	if policy != "" {
		m.policy = policy
	}
	m.makeRoomLocked(0, 0, m.now())
}

// Clear drops every entry and resets statistics.
func (m *Memory[V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*Entry[V])
	m.bytes = 0
	m.stats = Stats{}
}

// Stats returns a snapshot of the accounting counters.
func (m *Memory[V]) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Entries = len(m.entries)
	s.Bytes = m.bytes
	return s
}

// Len returns the number of stored entries, including not-yet-swept expired ones.
func (m *Memory[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory[V]) removeLocked(key string, e *Entry[V]) {
	delete(m.entries, key)
	m.bytes -= e.Size
}

// makeRoomLocked evicts until n more entries totalling size bytes fit both
// budgets. Expired entries go first, then the policy's victims.
func (m *Memory[V]) makeRoomLocked(n int, size int64, now time.Time) {
	if !m.overBudgetLocked(n, size) {
		return
	}
	for k, e := range m.entries {
		if e.Expired(now) {
			m.removeLocked(k, e)
			m.stats.Expired++
		}
	}
	for m.overBudgetLocked(n, size) && len(m.entries) > 0 {
		k, e := m.victimLocked()
		m.removeLocked(k, e)
		m.stats.Evictions++
	}
}

func (m *Memory[V]) overBudgetLocked(n int, size int64) bool {
	if m.maxEntries > 0 && len(m.entries)+n > m.maxEntries {
		return true
	}
	if m.maxBytes > 0 && m.bytes+size > m.maxBytes {
		return true
	}
	return false
}

func (m *Memory[V]) victimLocked() (string, *Entry[V]) {
	var (
		victimKey string
		victim    *Entry[V]
	)
	for k, e := range m.entries {
		if victim == nil || m.before(e, victim) {
			victimKey, victim = k, e
		}
	}
	return victimKey, victim
}

// before reports whether a should be evicted ahead of b.
func (m *Memory[V]) before(a, b *Entry[V]) bool {
	switch m.policy {
	case LFU:
		if a.AccessCount != b.AccessCount {
			return a.AccessCount < b.AccessCount
		}
	case LRU:
		if !a.LastAccessed.Equal(b.LastAccessed) {
			return a.LastAccessed.Before(b.LastAccessed)
		}
	}
	return a.seq < b.seq
}
