package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing events rather than blocking emitters.
const subscriberBuffer = 256

// Handler receives events for a subscription. Handlers for one subscription
// run sequentially in emission order; a panicking handler is recovered and
// never affects other subscribers.
type Handler func(Event)

type subscriber struct {
	eventType string // "" subscribes to every type
	handler   Handler
	once      bool
	ch        chan Event
	stopped   atomic.Bool
	removed   bool // guarded by the bus mutex
}

// Bus is the pub-sub fabric between the coordinator, the pool, the QA loop
// and external listeners. Emission is fire-and-forget: each subscriber owns
// a buffered channel drained by its own goroutine, so a slow or panicking
// subscriber cannot stall the emitting side.
type Bus struct {
	mu       sync.RWMutex
	subs     map[string][]*subscriber // event type -> subscribers
	anySubs  []*subscriber
	closed   bool
	draining sync.WaitGroup
	logger   *slog.Logger
}

// NewBus creates an event bus. A nil logger falls back to slog.Default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string][]*subscriber),
		logger: logger,
	}
}

// EmitOption customizes the envelope of a single emission.
type EmitOption func(*Event)

// WithSource stamps the emitting component's name on the envelope.
func WithSource(source string) EmitOption {
	return func(e *Event) { e.Source = source }
}

// WithCorrelationID links the event to a related chain of events.
func WithCorrelationID(id string) EmitOption {
	return func(e *Event) { e.CorrelationID = id }
}

// Emit publishes an event of the given type to every matching subscriber
// and returns the envelope it built. Never blocks: if a subscriber's buffer
// is full the event is dropped for that subscriber only.
func (b *Bus) Emit(eventType string, payload any, opts ...EmitOption) Event {
	ev := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	for _, opt := range opts {
		opt(&ev)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ev
	}
	for _, sub := range b.subs[eventType] {
		b.send(sub, ev)
	}
	for _, sub := range b.anySubs {
		b.send(sub, ev)
	}
	return ev
}

func (b *Bus) send(sub *subscriber, ev Event) {
	select {
	case sub.ch <- ev:
	default:
		// Buffer full, drop for this subscriber rather than block.
		b.logger.Warn("event dropped for slow subscriber", "type", ev.Type, "id", ev.ID)
	}
}

// On subscribes a handler to one event type and returns its unsubscribe
// function. Deliveries to a single subscription are FIFO in emission order.
func (b *Bus) On(eventType string, handler Handler) func() {
	return b.subscribe(eventType, handler, false)
}

// Once subscribes a handler that fires for exactly one event, then removes
// itself. The returned function cancels it early.
func (b *Bus) Once(eventType string, handler Handler) func() {
	return b.subscribe(eventType, handler, true)
}

// OnAny subscribes a handler to every event type.
func (b *Bus) OnAny(handler Handler) func() {
	return b.subscribe("", handler, false)
}

func (b *Bus) subscribe(eventType string, handler Handler, once bool) func() {
	sub := &subscriber{
		eventType: eventType,
		handler:   handler,
		once:      once,
		ch:        make(chan Event, subscriberBuffer),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	if eventType == "" {
		b.anySubs = append(b.anySubs, sub)
	} else {
		b.subs[eventType] = append(b.subs[eventType], sub)
	}
	b.draining.Add(1)
	b.mu.Unlock()

	go b.drain(sub)

	return func() { b.remove(sub) }
}

// drain delivers a subscriber's events one at a time, preserving emission
// order for that subscriber.
func (b *Bus) drain(sub *subscriber) {
	defer b.draining.Done()
	for ev := range sub.ch {
		if sub.stopped.Load() {
			continue // unsubscribed, flush silently until closed
		}
		b.dispatch(sub, ev)
		if sub.once {
			b.remove(sub)
		}
	}
}

func (b *Bus) dispatch(sub *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "type", ev.Type, "panic", r)
		}
	}()
	sub.handler(ev)
}

// remove unsubscribes. Safe to call more than once.
func (b *Bus) remove(sub *subscriber) {
	sub.stopped.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.removed {
		return
	}
	sub.removed = true
	if sub.eventType == "" {
		b.anySubs = without(b.anySubs, sub)
	} else {
		b.subs[sub.eventType] = without(b.subs[sub.eventType], sub)
		if len(b.subs[sub.eventType]) == 0 {
			delete(b.subs, sub.eventType)
		}
	}
	close(sub.ch)
}

func without(subs []*subscriber, target *subscriber) []*subscriber {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// Close shuts the bus down, flushing buffered events to their handlers
// before returning. Safe to call multiple times (idempotent). Emissions
// after Close are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			if !sub.removed {
				sub.removed = true
				close(sub.ch)
			}
		}
	}
	for _, sub := range b.anySubs {
		if !sub.removed {
			sub.removed = true
			close(sub.ch)
		}
	}
	b.subs = make(map[string][]*subscriber)
	b.anySubs = nil
	b.mu.Unlock()

	b.draining.Wait()
}
