package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestBus_FanOut(t *testing.T) {
	b := NewBus(zap.NewNop())
	var mu sync.Mutex
	got := map[string][]Type{}
	for _, name := range []string{"a", "b"} {
		name := name
		b.Subscribe(name, 16, func(e Envelope) {
			mu.Lock()
			got[name] = append(got[name], e.Type())
			mu.Unlock()
		})
	}

	s := Subject{AgentID: "agent-1", ToolName: "t", RequestID: "r-1"}
	b.Publish(New(s, Intercepted{RiskScore: 0.4}))
	b.Publish(New(s, Blocked{Reason: "x"}))
	b.Close()

	for _, name := range []string{"a", "b"} {
		if len(got[name]) != 2 || got[name][0] != TypeIntercepted || got[name][1] != TypeBlocked {
			t.Fatalf("subscriber %s got %v", name, got[name])
		}
	}
	if pub, drop := b.Stats(); pub != 2 || drop != 0 {
		t.Fatalf("unexpected stats published=%d dropped=%d", pub, drop)
	}
}

func TestBus_PanickingSubscriberIsolated(t *testing.T) {
	b := NewBus(zap.NewNop())
	var ok atomic.Int32
	b.Subscribe("bad", 4, func(Envelope) { panic("boom") })
	b.Subscribe("good", 4, func(Envelope) { ok.Add(1) })

	for i := 0; i < 3; i++ {
		b.Publish(New(Subject{}, Bypassed{Reason: "disabled"}))
	}
	b.Close()
	if ok.Load() != 3 {
		t.Fatalf("healthy subscriber got %d events", ok.Load())
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	b := NewBus(zap.NewNop())
	release := make(chan struct{})
	b.Subscribe("stuck", 1, func(Envelope) { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(New(Subject{}, Timeout{Budget: time.Millisecond}))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(release)
	b.Close()

	if _, dropped := b.Stats(); dropped == 0 {
		t.Fatal("expected drops for the full queue")
	}
}

func TestBus_UnsubscribeAndClose(t *testing.T) {
	b := NewBus(zap.NewNop())
	var n atomic.Int32
	unsub := b.Subscribe("s", 4, func(Envelope) { n.Add(1) })
	b.Publish(New(Subject{}, ConfigUpdated{Fields: []string{"enabled"}}))
	unsub()
	unsub()
	b.Publish(New(Subject{}, ConfigUpdated{}))
	if n.Load() != 1 {
		t.Fatalf("expected 1 event before unsubscribe, got %d", n.Load())
	}

	b.Close()
	b.Close()
	b.Publish(New(Subject{}, ConfigUpdated{}))
	if unsub := b.Subscribe("late", 1, func(Envelope) {}); unsub == nil {
		t.Fatal("subscribe after close should return a no-op")
	}
}

func TestEnvelopeType(t *testing.T) {
	e := New(Subject{ToolName: "t"}, ExecutionCompleted{Success: true})
	if e.Type() != TypeExecutionCompleted || e.ID == "" || e.Timestamp.IsZero() {
		t.Fatalf("unexpected envelope %+v", e)
	}
	if (Envelope{}).Type() != "" {
		t.Fatal("empty envelope should have empty type")
	}
}
