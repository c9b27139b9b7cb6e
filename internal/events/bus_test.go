package events

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishDeliversOnlyToMatchingSubscribers(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))

	outputEvents := make(chan Event, 1)
	completedEvents := make(chan Event, 1)

	bus.Subscribe(EventTypeCommandOutput, func(event Event) {
		outputEvents <- event
	})
	bus.Subscribe(EventTypeCommandCompleted, func(event Event) {
		completedEvents <- event
	})

	bus.Publish(Event{
		Type:       EventTypeCommandOutput,
		EntityType: "session",
		EntityID:   "s1",
		Payload:    "hello",
		Severity:   SeverityInfo,
	})

	select {
	case got := <-outputEvents:
		if got.Payload != "hello" {
			t.Fatalf("payload = %v, want hello", got.Payload)
		}
		if got.Timestamp.IsZero() {
			t.Fatal("timestamp not populated on publish")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for output event")
	}

	select {
	case got := <-completedEvents:
		t.Fatalf("unexpected completed event delivered: %#v", got)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesEveryEvent(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))
	all := make(chan Event, 2)

	bus.SubscribeAll(func(event Event) {
		all <- event
	})

	bus.Publish(Event{Type: EventTypeSessionCreated, EntityType: "session", EntityID: "s1"})
	bus.Publish(Event{Type: EventTypeCommandTimedOut, EntityType: "session", EntityID: "s1"})

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case event := <-all:
			got[event.Type] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d events: %v", i, got)
		}
	}
	if !got[EventTypeSessionCreated] || !got[EventTypeCommandTimedOut] {
		t.Fatalf("wildcard subscriber missed events: %v", got)
	}
}

func TestPublishDropsWhenSubscriberBufferIsFull(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{}
	bus := New(WithBufferSize(1), WithLogger(logger))

	started := make(chan struct{}, 1)
	unblock := make(chan struct{})

	bus.Subscribe(EventTypeCommandOutput, func(Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-unblock
	})

	event := Event{Type: EventTypeCommandOutput, EntityType: "session", EntityID: "s1"}

	bus.Publish(event)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler to block")
	}

	bus.Publish(event) // fills the buffer

	start := time.Now()
	bus.Publish(event) // must drop, not block
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("publish blocked for %s; expected non-blocking behavior", elapsed)
	}

	close(unblock)

	if !logger.contains("dropping event") {
		t.Fatalf("expected drop warning, got %v", logger.messages())
	}
}

func TestCloseDrainsBufferedEventsBeforeReturning(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))

	var handled atomic.Int64
	bus.Subscribe(EventTypeCommandOutput, func(Event) {
		handled.Add(1)
	})

	const published = 16
	for i := 0; i < published; i++ {
		bus.Publish(Event{Type: EventTypeCommandOutput, Payload: fmt.Sprintf("line %d", i)})
	}
	bus.Close()

	if got := handled.Load(); got != published {
		t.Fatalf("handled = %d events after Close, want %d", got, published)
	}

	// Publish and Close are both no-ops afterwards.
	bus.Publish(Event{Type: EventTypeCommandOutput, Payload: "late"})
	bus.Close()
	if got := handled.Load(); got != published {
		t.Fatalf("handled = %d events after post-Close publish, want %d", got, published)
	}
}

func TestBusSupportsConcurrentPublishAndSubscribe(t *testing.T) {
	t.Parallel()

	bus := New(WithBufferSize(5000), WithLogger(&captureLogger{}))
	const publisherCount = 20
	const eventsPerPublisher = 100

	var received atomic.Int64
	bus.SubscribeAll(func(Event) {
		received.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < publisherCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerPublisher; j++ {
				bus.Publish(Event{Type: EventTypeCommandOutput, EntityType: "session", EntityID: "s1"})
			}
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Subscribe(EventTypeCommandCompleted, func(Event) {})
		}()
	}
	wg.Wait()

	want := int64(publisherCount * eventsPerPublisher)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if received.Load() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("received count = %d, want at least %d", received.Load(), want)
}

type captureLogger struct {
	mu   sync.Mutex
	logs []string
}

func (c *captureLogger) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, fmt.Sprintf(format, args...))
}

func (c *captureLogger) contains(fragment string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, message := range c.logs {
		if strings.Contains(message, fragment) {
			return true
		}
	}
	return false
}

func (c *captureLogger) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.logs...)
}
