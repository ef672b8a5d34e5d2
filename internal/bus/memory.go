package bus

import (
	"context"
	"sync"

	"github.com/agriscope/gleaner/internal/metrics"
)

const memoryBufferSize = 64

// MemoryBus is an in-memory pub/sub used for unit tests and virtual runs.
// It is not durable and provides best-effort delivery: sends to a full
// subscriber buffer are dropped and counted.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscriber
	closed bool
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySubscriber)}
}

// Publish fans the payload out to all current subscribers of topic.
func (b *MemoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := append([]*memorySubscriber(nil), b.subs[topic]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(Delivery{Topic: topic, Body: payload})
	}
	metrics.IncBusPublished(topic, true)
	return nil
}

// Subscribe registers a buffered subscriber for topic.
func (b *MemoryBus) Subscribe(_ context.Context, topic string) (Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscriber{
		bus:   b,
		topic: topic,
		ch:    make(chan Delivery, memoryBufferSize),
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub, nil
}

// Close shuts the bus down and closes all subscriber channels.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.shutdown()
		}
	}
	b.subs = make(map[string][]*memorySubscriber)
	return nil
}

func (b *MemoryBus) remove(target *memorySubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lst := b.subs[target.topic]
	out := lst[:0]
	for _, s := range lst {
		if s != target {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		delete(b.subs, target.topic)
	} else {
		b.subs[target.topic] = out
	}
}

type memorySubscriber struct {
	bus   *MemoryBus
	topic string
	ch    chan Delivery

	mu     sync.Mutex
	closed bool
}

func (s *memorySubscriber) C() <-chan Delivery { return s.ch }

func (s *memorySubscriber) Close() error {
	s.bus.remove(s)
	s.shutdown()
	return nil
}

func (s *memorySubscriber) deliver(d Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- d:
	default:
		// drop on backpressure to avoid producer blockage
		metrics.IncBusDrop(s.topic)
	}
}

func (s *memorySubscriber) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
