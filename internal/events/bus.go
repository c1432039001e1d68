// Package events is the in-process pub/sub bus for lifecycle notifications.
package events

import (
	"sync"
	"time"

	"github.com/msageha/orchestrator/internal/log"
)

// EventType represents the type of event being published.
type EventType string

const (
	EventTaskAdded     EventType = "task_added"
	EventTaskClaimed   EventType = "task_claimed"
	EventTaskCompleted EventType = "task_completed"
	// EventTaskReleased is published when a failed attempt returns a task to pending.
	EventTaskReleased EventType = "task_released"
	EventTaskFailed   EventType = "task_failed"
	EventIssueOpened  EventType = "issue_opened"
	// EventIssueRetried is published when an issue spawns a retry task.
	EventIssueRetried  EventType = "issue_retried"
	EventIssueResolved EventType = "issue_resolved"
	EventIssueFailed   EventType = "issue_failed"
	EventVerification  EventType = "verification"
)

// All lists every event type, in lifecycle order.
var All = []EventType{
	EventTaskAdded,
	EventTaskClaimed,
	EventTaskCompleted,
	EventTaskReleased,
	EventTaskFailed,
	EventIssueOpened,
	EventIssueRetried,
	EventIssueResolved,
	EventIssueFailed,
	EventVerification,
}

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Publisher is the publishing half of Bus.
type Publisher interface {
	Publish(eventType EventType, data map[string]any)
}

// Bus is a non-blocking event bus. Events are delivered asynchronously via
// buffered channels; when a subscriber's channel is full the event is dropped.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	logger      log.Logger
	wg          sync.WaitGroup
}

func NewBus(bufferSize int, logger log.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = log.Noop
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
		logger:      logger.WithValues(log.Kv{"svc": "events.Bus"}),
	}
}

// Subscribe registers fn for eventType and returns an unsubscribe function.
// fn runs on a dedicated goroutine.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for event := range ch {
			b.deliver(fn, event)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

func (b *Bus) deliver(fn Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("subscriber panic event=%s panic=%v", event.Type, r)
		}
	}()
	fn(event)
}

// Publish sends an event to all subscribers of the given type without blocking.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			b.logger.Warningf("subscriber full, event dropped event=%s", eventType)
		}
	}
}

// Close closes all subscriber channels and waits for pending deliveries.
func (b *Bus) Close() {
	b.mu.Lock()
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

type noop int

// Noop drops every event.
const Noop = noop(0)

func (noop) Publish(EventType, map[string]any) {}
