// Package events provides the in-process pub/sub bus that surfaces review
// lifecycle notifications to the IPC/UI layer.
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

	// EventTypeTaskEnteredReview identifies a task moving from running to review.
	EventTypeTaskEnteredReview = "TaskEnteredReview"
	// EventTypeFeedbackSubmitted identifies reviewer feedback creation.
	EventTypeFeedbackSubmitted = "FeedbackSubmitted"
	// EventTypeChangesApproved identifies a successful merge-back.
	EventTypeChangesApproved = "ChangesApproved"
	// EventTypeChangesDiscarded identifies a user discard.
	EventTypeChangesDiscarded = "ChangesDiscarded"
	// EventTypeProjectStarted identifies a dev-server process spawn.
	EventTypeProjectStarted = "ProjectStarted"
	// EventTypeProjectStopped identifies a dev-server process stop.
	EventTypeProjectStopped = "ProjectStopped"
	// EventTypeTerminalOpened identifies a terminal session creation.
	EventTypeTerminalOpened = "TerminalOpened"
	// EventTypeTerminalClosed identifies a terminal session close.
	EventTypeTerminalClosed = "TerminalClosed"
)

const (
	// SeverityInfo indicates informational event severity.
	SeverityInfo = "INFO"
	// SeverityWarn indicates warning event severity.
	SeverityWarn = "WARN"
	// SeverityError indicates error event severity.
	SeverityError = "ERROR"
)

// Event is the normalized message delivered through the in-process event bus.
type Event struct {
	Type      string
	Timestamp time.Time
	TaskID    string
	Payload   any
	Severity  string
}

// Handler consumes a published event.
type Handler func(Event)

// Logger captures warning logs for dropped events.
type Logger interface {
	Printf(format string, args ...any)
}

// Bus defines event subscription and publish behavior. Subscriptions return
// an unsubscribe func so callers can release their handler explicitly.
type Bus interface {
	Subscribe(eventType string, handler Handler) (unsubscribe func())
	SubscribeAll(handler Handler) (unsubscribe func())
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

// InMemoryBus is a thread-safe in-process pub/sub bus backed by buffered
// channels. Slow subscribers drop events rather than blocking publishers.
type InMemoryBus struct {
	mu             sync.RWMutex
	bufferSize     int
	logger         Logger
	typedSubs      map[string][]*subscriber
	wildcardSubs   []*subscriber
	nextSubscriber uint64
}

type subscriber struct {
	id     uint64
	ch     chan Event
	closed bool
}

// New creates an in-memory event bus with optional configuration.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize:   DefaultBufferSize,
		logger:       log.Default(),
		typedSubs:    make(map[string][]*subscriber),
		wildcardSubs: make([]*subscriber, 0),
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe registers a handler for a specific event type and returns an
// unsubscribe func. Unsubscribing more than once is safe.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) func() {
	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" || handler == nil {
		return func() {}
	}
	sub := b.newSubscriber()

	b.mu.Lock()
	b.typedSubs[normalizedType] = append(b.typedSubs[normalizedType], sub)
	b.mu.Unlock()

	go b.consume(sub, handler)

	return func() { b.removeTyped(normalizedType, sub) }
}

// SubscribeAll registers a handler that receives every published event and
// returns an unsubscribe func.
func (b *InMemoryBus) SubscribeAll(handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	sub := b.newSubscriber()

	b.mu.Lock()
	b.wildcardSubs = append(b.wildcardSubs, sub)
	b.mu.Unlock()

	go b.consume(sub, handler)

	return func() { b.removeWildcard(sub) }
}

// Publish delivers an event to typed subscribers and wildcard subscribers.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	typed, wildcard := b.snapshotSubscribers(strings.TrimSpace(event.Type))
	for _, sub := range typed {
		b.deliver(sub, event)
	}
	for _, sub := range wildcard {
		b.deliver(sub, event)
	}
}

func (b *InMemoryBus) snapshotSubscribers(eventType string) ([]*subscriber, []*subscriber) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	typed := make([]*subscriber, len(b.typedSubs[eventType]))
	copy(typed, b.typedSubs[eventType])

	wildcard := make([]*subscriber, len(b.wildcardSubs))
	copy(wildcard, b.wildcardSubs)

	return typed, wildcard
}

func (b *InMemoryBus) deliver(sub *subscriber, event Event) {
	// Publish holds no lock, so a concurrent unsubscribe may have closed the
	// channel between snapshot and send. Guard under the lock.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sub.closed {
		return
	}

	select {
	case sub.ch <- event:
	default:
		b.logger.Printf(
			"events: dropping event for subscriber=%d type=%s task_id=%s",
			sub.id,
			event.Type,
			event.TaskID,
		)
	}
}

func (b *InMemoryBus) removeTyped(eventType string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	subs := b.typedSubs[eventType]
	for i, candidate := range subs {
		if candidate.id == sub.id {
			b.typedSubs[eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	sub.closed = true
	close(sub.ch)
}

func (b *InMemoryBus) removeWildcard(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	for i, candidate := range b.wildcardSubs {
		if candidate.id == sub.id {
			b.wildcardSubs = append(b.wildcardSubs[:i], b.wildcardSubs[i+1:]...)
			break
		}
	}
	sub.closed = true
	close(sub.ch)
}

func (b *InMemoryBus) newSubscriber() *subscriber {
	b.mu.Lock()
	b.nextSubscriber++
	id := b.nextSubscriber
	b.mu.Unlock()

	return &subscriber{
		id: id,
		ch: make(chan Event, b.bufferSize),
	}
}

func (b *InMemoryBus) consume(sub *subscriber, handler Handler) {
	for event := range sub.ch {
		handler(event)
	}
}
