// Package events carries bridge lifecycle notifications (session
// transitions, mode switches, probe outcomes, forwarding failures, output
// evictions, completed commands) to in-process observers.
package events

import (
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultBufferSize is the default per-subscriber channel capacity.
	DefaultBufferSize = 100

	// EventTypeSessionTransition identifies session lifecycle transitions.
	EventTypeSessionTransition = "SessionTransition"
	// EventTypeModeSwitch identifies applied target mode changes.
	EventTypeModeSwitch = "ModeSwitch"
	// EventTypeProbeResult identifies external peer probe outcomes.
	EventTypeProbeResult = "ProbeResult"
	// EventTypeForwardingFailure identifies failed forwards to the external peer.
	EventTypeForwardingFailure = "ForwardingFailure"
	// EventTypeOutputEvicted identifies output records dropped to stay under the cap.
	EventTypeOutputEvicted = "OutputEvicted"
	// EventTypeCommandCompleted identifies commands that reached a terminal result.
	EventTypeCommandCompleted = "CommandCompleted"
)

const (
	SeverityInfo  = "INFO"
	SeverityWarn  = "WARN"
	SeverityError = "ERROR"
)

// Event is one notification. EntityID names the session, command, output
// record or peer address the event is about.
type Event struct {
	Type       string
	Timestamp  time.Time
	EntityType string
	EntityID   string
	Payload    any
	Severity   string
}

// Handler consumes a published event. Handlers for one subscription run
// sequentially on their own goroutine.
type Handler func(Event)

// Bus defines event subscription and publish behavior.
type Bus interface {
	Subscribe(eventType string, handler Handler) (unsubscribe func())
	SubscribeAll(handler Handler) (unsubscribe func())
	Publish(event Event)
}

// Stats counts bus traffic since construction.
type Stats struct {
	Published   uint64
	Dropped     uint64
	Subscribers int
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithBufferSize configures per-subscriber channel capacity.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger configures where dropped events are reported.
func WithLogger(logger *log.Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(bus *InMemoryBus) {
		if now != nil {
			bus.now = now
		}
	}
}

// InMemoryBus delivers events through one buffered channel per
// subscriber. Publish never blocks: a full subscriber misses the event.
type InMemoryBus struct {
	bufferSize int
	logger     *log.Logger
	now        func() time.Time

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

type subscriber struct {
	id        uint64
	eventType string
	ch        chan Event
	done      chan struct{}
}

// New creates an in-memory event bus with optional configuration.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize: DefaultBufferSize,
		logger:     log.New(io.Discard),
		now:        func() time.Time { return time.Now().UTC() },
		subs:       make(map[uint64]*subscriber),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(bus)
	}
	return bus
}

// Subscribe registers handler for one event type. The returned function
// removes the subscription; events already buffered are still handled.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) func() {
	normalized := strings.TrimSpace(eventType)
	if normalized == "" || handler == nil {
		return func() {}
	}
	return b.subscribe(normalized, handler)
}

// SubscribeAll registers handler for every event type.
func (b *InMemoryBus) SubscribeAll(handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	return b.subscribe("", handler)
}

func (b *InMemoryBus) subscribe(eventType string, handler Handler) func() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.nextID++
	sub := &subscriber{
		id:        b.nextID,
		eventType: eventType,
		ch:        make(chan Event, b.bufferSize),
		done:      make(chan struct{}),
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go func() {
		defer close(sub.done)
		for event := range sub.ch {
			handler(event)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub.id) })
	}
}

func (b *InMemoryBus) remove(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// Publish delivers event to matching subscribers. Events published after
// Close are discarded.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	event.Type = strings.TrimSpace(event.Type)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, sub := range b.subs {
		if sub.eventType != "" && sub.eventType != event.Type {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Warn("dropping event for slow subscriber",
				"subscriber", sub.id,
				"type", event.Type,
				"entity_type", event.EntityType,
				"entity_id", event.EntityID,
			)
		}
	}
}

// Close stops accepting events, lets every subscriber drain what it has
// buffered and waits for their handlers to return.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	pending := make([]*subscriber, 0, len(b.subs))
	for id, sub := range b.subs {
		close(sub.ch)
		pending = append(pending, sub)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, sub := range pending {
		<-sub.done
	}
}

// Stats reports traffic counters.
func (b *InMemoryBus) Stats() Stats {
	b.mu.RLock()
	subscribers := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: subscribers,
	}
}
