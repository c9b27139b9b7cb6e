// Package events is the in-process pub/sub channel between command execution
// and its observers: streaming output consumers and lifecycle listeners.
package events

import (
	"log"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultBufferSize is the default per-subscriber channel capacity.
	DefaultBufferSize = 100

	// EventTypeSessionCreated identifies session creation lifecycle events.
	EventTypeSessionCreated = "SessionCreated"
	// EventTypeSessionRemoved identifies session teardown lifecycle events.
	EventTypeSessionRemoved = "SessionRemoved"
	// EventTypeCommandOutput identifies one line of in-session command output.
	EventTypeCommandOutput = "CommandOutput"
	// EventTypeCommandCompleted identifies command completion events.
	EventTypeCommandCompleted = "CommandCompleted"
	// EventTypeCommandTimedOut identifies command wall-clock expiry events.
	EventTypeCommandTimedOut = "CommandTimedOut"
)

const (
	// SeverityInfo indicates informational event severity.
	SeverityInfo = "INFO"
	// SeverityWarn indicates warning event severity.
	SeverityWarn = "WARN"
	// SeverityError indicates error event severity.
	SeverityError = "ERROR"
)

// wildcardKey is the internal subscription key for SubscribeAll handlers.
const wildcardKey = ""

// Event is the normalized message delivered through the bus.
type Event struct {
	Type       string
	Timestamp  time.Time
	EntityType string
	EntityID   string
	Payload    any
	Severity   string
}

// Handler consumes a published event.
type Handler func(Event)

// Logger captures warning logs for dropped events.
type Logger interface {
	Printf(format string, args ...any)
}

// Bus defines event subscription and publish behavior.
type Bus interface {
	Subscribe(eventType string, handler Handler)
	SubscribeAll(handler Handler)
	Publish(event Event)
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

// WithLogger configures the log sink used for dropped-event warnings.
func WithLogger(logger Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus is a thread-safe pub/sub bus backed by buffered channels.
// Publish never blocks: a subscriber whose buffer is full loses the event,
// with a warning logged. This keeps a slow output consumer from stalling an
// in-flight command.
type InMemoryBus struct {
	mu         sync.RWMutex
	bufferSize int
	logger     Logger
	subs       map[string][]*subscriber
	nextID     uint64
	closed     bool
	wg         sync.WaitGroup
}

type subscriber struct {
	id uint64
	ch chan Event
}

// New creates an in-memory event bus with optional configuration.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize: DefaultBufferSize,
		logger:     log.Default(),
		subs:       make(map[string][]*subscriber),
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	key := strings.TrimSpace(eventType)
	if key == wildcardKey || handler == nil {
		return
	}
	b.add(key, handler)
}

// SubscribeAll registers a handler that receives every published event.
func (b *InMemoryBus) SubscribeAll(handler Handler) {
	if handler == nil {
		return
	}
	b.add(wildcardKey, handler)
}

// Publish delivers an event to its typed subscribers and to wildcard
// subscribers, populating the timestamp when unset.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	targets := make([]*subscriber, 0, len(b.subs[event.Type])+len(b.subs[wildcardKey]))
	targets = append(targets, b.subs[strings.TrimSpace(event.Type)]...)
	targets = append(targets, b.subs[wildcardKey]...)

	for _, sub := range targets {
		select {
		case sub.ch <- event:
		default:
			b.logger.Printf(
				"events: dropping event for subscriber=%d type=%s entity_type=%s entity_id=%s",
				sub.id, event.Type, event.EntityType, event.EntityID,
			)
		}
	}
}

// Close stops delivery and waits until every buffered event has been handed
// to its handler. Publish after Close is a no-op.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *InMemoryBus) add(key string, handler Handler) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.nextID++
	sub := &subscriber{id: b.nextID, ch: make(chan Event, b.bufferSize)}
	b.subs[key] = append(b.subs[key], sub)
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		for event := range sub.ch {
			handler(event)
		}
	}()
}
