package storage

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/events"
	"github.com/triage-ai/palisade/services/tool_gate/internal/risk"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromEnvelope(t *testing.T) {
	s := events.Subject{AgentID: "agent-1", ChannelID: "ch-1", ToolName: "shell_exec", RequestID: "r-1"}

	cases := []struct {
		name    string
		payload events.Event
		level   string
		outcome string
		latency float32
	}{
		{"blocked", events.Blocked{Reason: "missing required parameter", Level: risk.LevelStrict}, "STRICT", "blocked", 0},
		{"validated ok", events.Validated{Valid: true, Level: risk.LevelBlocking, Latency: 3 * time.Millisecond}, "BLOCKING", "proceed", 3},
		{"validated fail", events.Validated{Level: risk.LevelBlocking}, "BLOCKING", "failed", 0},
		{"timeout fallback", events.Timeout{Budget: 5 * time.Millisecond}, "", "proceed", 5},
		{"timeout block", events.Timeout{Budget: 5 * time.Millisecond, Blocked: true}, "", "blocked", 5},
		{"bypass", events.Bypassed{Reason: "emergency_bypass"}, "", "proceed", 0},
		{"config", events.ConfigUpdated{Fields: []string{"enabled"}}, "", "", 0},
	}
	for _, tc := range cases {
		row := FromEnvelope(events.New(s, tc.payload))
		if row.EventType != string(tc.payload.Type()) {
			t.Errorf("%s: event type %q", tc.name, row.EventType)
		}
		if row.Level != tc.level || row.Outcome != tc.outcome || row.LatencyMs != tc.latency {
			t.Errorf("%s: got level=%q outcome=%q latency=%v", tc.name, row.Level, row.Outcome, row.LatencyMs)
		}
		if row.AgentID != "agent-1" || row.ToolName != "shell_exec" || row.RequestID != "r-1" {
			t.Errorf("%s: identity not carried: %+v", tc.name, row)
		}
		if row.PayloadJSON == "" {
			t.Errorf("%s: payload not serialized", tc.name)
		}
	}

	row := FromEnvelope(events.New(s, events.Intercepted{RiskScore: 0.85, Level: risk.LevelStrict}))
	if row.RiskScore != 0.85 || !strings.Contains(row.PayloadJSON, `"STRICT"`) {
		t.Fatalf("unexpected intercepted row %+v", row)
	}
}

type capture struct {
	mu      sync.Mutex
	batches [][]*PipelineEvent
}

func (c *capture) send(b []*PipelineEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, append([]*PipelineEvent(nil), b...))
}

func (c *capture) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches {
		n += len(b)
	}
	return n
}

func TestClickHouseWriter_DrainsOnClose(t *testing.T) {
	c := &capture{}
	w := newWriter(c.send, zap.NewNop())
	go w.flushLoop()

	for i := 0; i < 25; i++ {
		w.Write(&PipelineEvent{EventType: "VALIDATED"})
	}
	w.Close()

	if c.total() != 25 {
		t.Fatalf("expected 25 events flushed, got %d", c.total())
	}
}

func TestClickHouseWriter_FullBufferDrops(t *testing.T) {
	c := &capture{}
	core, logs := observer.New(zapcore.WarnLevel)
	w := newWriter(c.send, zap.New(core))

	// flush loop not started, so the buffer fills up
	for i := 0; i < bufferSize+3; i++ {
		w.Write(&PipelineEvent{EventType: "BLOCKED", RequestID: "r"})
	}
	if n := logs.FilterMessage("clickhouse buffer full, dropping event").Len(); n != 3 {
		t.Fatalf("expected 3 drop warnings, got %d", n)
	}
	if dropped, _ := w.Stats(); dropped != 3 {
		t.Fatalf("expected 3 dropped events counted, got %d", dropped)
	}

	go w.flushLoop()
	w.Close()
	if c.total() != bufferSize {
		t.Fatalf("expected %d buffered events flushed, got %d", bufferSize, c.total())
	}
}

func TestSinkWithBus(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	bus := events.NewBus(zap.NewNop())
	bus.Subscribe("log", 8, Sink(NewLogWriter(zap.New(core))))

	bus.Publish(events.New(events.Subject{ToolName: "delete_file"}, events.Blocked{Reason: "x", Level: risk.LevelStrict}))
	bus.Close()

	entries := logs.FilterMessage("tool_gate_event").All()
	if len(entries) != 1 {
		t.Fatalf("expected one logged event, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["outcome"]; got != OutcomeBlocked {
		t.Fatalf("unexpected outcome field %v", got)
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("blocked events should log at warn, got %v", entries[0].Level)
	}
}
