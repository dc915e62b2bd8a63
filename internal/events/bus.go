package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 1024

// Handler consumes events on its subscriber's goroutine.
type Handler func(Envelope)

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(e Envelope)
}

// Bus fans events out to subscribers. Each subscriber has its own queue and
// goroutine; a slow or panicking subscriber never affects the publisher or
// other subscribers. Publish never blocks: when a queue is full the event
// is dropped for that subscriber and counted.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
	logger    *zap.Logger
}

type subscription struct {
	name    string
	ch      chan Envelope
	handler Handler
	done    chan struct{}
}

// NewBus creates a Bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{subs: make(map[int]*subscription), logger: logger}
}

// Subscribe registers h under name and returns a function that removes it.
// The returned function waits for queued events to be handled.
func (b *Bus) Subscribe(name string, buffer int, h Handler) (unsubscribe func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &subscription{
		name:    name,
		ch:      make(chan Envelope, buffer),
		handler: h,
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	go b.run(s)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			_, ok := b.subs[id]
			delete(b.subs, id)
			b.mu.Unlock()
			if ok {
				close(s.ch)
				<-s.done
			}
		})
	}
}

func (b *Bus) run(s *subscription) {
	defer close(s.done)
	for e := range s.ch {
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s *subscription, e Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				zap.String("subscriber", s.name),
				zap.String("event_type", string(e.Type())),
				zap.Any("panic", r),
			)
		}
	}()
	s.handler(e)
}

// Publish enqueues e for every subscriber without blocking.
func (b *Bus) Publish(e Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event subscriber queue full, dropping event",
				zap.String("subscriber", s.name),
				zap.String("event_type", string(e.Type())),
				zap.String("request_id", e.RequestID),
			)
		}
	}
}

// Stats returns the number of published events and per-subscriber drops.
func (b *Bus) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}

// Close stops accepting events and waits for subscribers to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*subscription)
	b.mu.Unlock()

	for _, s := range subs {
		close(s.ch)
	}
	for _, s := range subs {
		<-s.done
	}
}
