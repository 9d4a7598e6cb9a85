package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/aescanero/stepflow/pkg/domain"
	"github.com/aescanero/stepflow/pkg/ports"
)

// ErrClosed is returned when subscribing to a closed bus
var ErrClosed = errors.New("event bus closed")

// DefaultSubscriberBuffer is the per-subscriber queue size
const DefaultSubscriberBuffer = 256

// InMemoryEventBus implements EventBus with one ordered queue per subscriber.
// Publish never blocks; events for a subscriber whose queue is full are
// dropped and counted. A terminal event evicts the oldest queued event
// instead, so subscribers always see the end of a run.
type InMemoryEventBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]*subscription
	nextID      uint64
	buffer      int
	closed      bool
	dropped     atomic.Int64
}

type subscription struct {
	events chan domain.Event
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// NewInMemoryEventBus creates a new in-memory event bus
func NewInMemoryEventBus() *InMemoryEventBus {
	return NewInMemoryEventBusWithBuffer(DefaultSubscriberBuffer)
}

// NewInMemoryEventBusWithBuffer creates a bus with a custom per-subscriber queue size
func NewInMemoryEventBusWithBuffer(buffer int) *InMemoryEventBus {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &InMemoryEventBus{
		subscribers: make(map[string]map[uint64]*subscription),
		buffer:      buffer,
	}
}

// Publish queues an event for every subscriber of a topic
func (e *InMemoryEventBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, sub := range e.subscribers[topic] {
		select {
		case sub.events <- event:
		default:
			if !event.IsTerminal() || !e.evictAndSend(sub, event) {
				e.dropped.Add(1)
			}
		}
	}
	return nil
}

// evictAndSend makes room in a full queue by discarding its oldest events
func (e *InMemoryEventBus) evictAndSend(sub *subscription, event domain.Event) bool {
	for i := 0; i <= e.buffer; i++ {
		select {
		case <-sub.events:
			e.dropped.Add(1)
		default:
		}
		select {
		case sub.events <- event:
			return true
		default:
		}
	}
	return false
}

// Subscribe delivers events on topic to handler, in publish order, until
// ctx is cancelled or the topic is unsubscribed
func (e *InMemoryEventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.nextID++
	id := e.nextID
	sub := &subscription{
		events: make(chan domain.Event, e.buffer),
		done:   make(chan struct{}),
	}
	if e.subscribers[topic] == nil {
		e.subscribers[topic] = make(map[uint64]*subscription)
	}
	e.subscribers[topic][id] = sub
	e.mu.Unlock()

	go func() {
		defer e.remove(topic, id)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case ev := <-sub.events:
				// Handler errors are the subscriber's concern
				_ = handler(ctx, ev)
			}
		}
	}()

	return nil
}

// Unsubscribe removes all subscriptions from a topic
func (e *InMemoryEventBus) Unsubscribe(ctx context.Context, topic string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, sub := range e.subscribers[topic] {
		sub.stop()
	}
	delete(e.subscribers, topic)
	return nil
}

// Close stops every subscription
func (e *InMemoryEventBus) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, subs := range e.subscribers {
		for _, sub := range subs {
			sub.stop()
		}
	}
	e.subscribers = make(map[string]map[uint64]*subscription)
	e.closed = true
	return nil
}

// Dropped returns how many events were discarded for full subscriber queues
func (e *InMemoryEventBus) Dropped() int64 {
	return e.dropped.Load()
}

// SubscriberCount returns the number of live subscriptions on topic
func (e *InMemoryEventBus) SubscriberCount(topic string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscribers[topic])
}

func (e *InMemoryEventBus) remove(topic string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.subscribers[topic]
	if sub, ok := subs[id]; ok {
		sub.stop()
		delete(subs, id)
	}
	if len(subs) == 0 {
		delete(e.subscribers, topic)
	}
}
