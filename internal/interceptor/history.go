package interceptor

import (
	"sync"
	"time"
)

// DefaultHistorySize caps the per-identity execution history.
const DefaultHistorySize = 100

// HistoryEntry summarizes one completed execution.
type HistoryEntry struct {
	RequestID         string
	Success           bool
	Attempts          int
	CorrectionApplied bool
	Duration          time.Duration
	Error             string
	Timestamp         time.Time
}

// ring keeps the most recent entries, oldest first.
type ring struct {
	buf  []HistoryEntry
	next int
	full bool
}

func (r *ring) add(e HistoryEntry) {
	if !r.full && len(r.buf) < cap(r.buf) {
		r.buf = append(r.buf, e)
		if len(r.buf) == cap(r.buf) {
			r.full = true
		}
		return
	}
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
}

func (r *ring) entries() []HistoryEntry {
	out := make([]HistoryEntry, 0, len(r.buf))
	if !r.full {
		return append(out, r.buf...)
	}
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Stats aggregates execution history.
type Stats struct {
	Executions     int           `json:"executions"`
	Successes      int           `json:"successes"`
	Failures       int           `json:"failures"`
	Corrections    int           `json:"corrections"`
	SuccessRate    float64       `json:"success_rate"`
	AverageLatency time.Duration `json:"average_latency_ns"`
	AverageRetries float64       `json:"average_retries"`
}

func (s *Stats) add(e HistoryEntry) {
	s.Executions++
	if e.Success {
		s.Successes++
	} else {
		s.Failures++
	}
	if e.CorrectionApplied {
		s.Corrections++
	}
}

type history struct {
	mu    sync.Mutex
	size  int
	rings map[string]*ring
}

func newHistory(size int) *history {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &history{size: size, rings: make(map[string]*ring)}
}

func identityKey(agentID, channelID, toolName string) string {
	return agentID + "|" + channelID + "|" + toolName
}

func (h *history) add(key string, e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rings[key]
	if !ok {
		r = &ring{buf: make([]HistoryEntry, 0, h.size)}
		h.rings[key] = r
	}
	r.add(e)
}

func (h *history) get(key string) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rings[key]
	if !ok {
		return nil
	}
	return r.entries()
}

// stats aggregates the rings selected by match, or all rings when match is nil.
func (h *history) stats(match func(key string) bool) Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	var (
		s       Stats
		latency time.Duration
		retries int
	)
	for key, r := range h.rings {
		if match != nil && !match(key) {
			continue
		}
		for _, e := range r.buf {
			s.add(e)
			latency += e.Duration
			if e.Attempts > 1 {
				retries += e.Attempts - 1
			}
		}
	}
	if s.Executions > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.Executions)
		s.AverageLatency = latency / time.Duration(s.Executions)
		s.AverageRetries = float64(retries) / float64(s.Executions)
	}
	return s
}

func (h *history) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rings = make(map[string]*ring)
}
