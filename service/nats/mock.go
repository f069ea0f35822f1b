package nats

import (
	"context"
	"sync"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu              sync.RWMutex
	publishedEvents []*DripEvent
	publishError    error
	closed          bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		publishedEvents: make([]*DripEvent, 0),
	}
}

// PublishDrip records the event and returns any configured error.
func (m *MockPublisher) PublishDrip(ctx context.Context, event *DripEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}

	m.publishedEvents = append(m.publishedEvents, event)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetPublishedEvents returns all published events (for testing).
func (m *MockPublisher) GetPublishedEvents() []*DripEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Return a copy to avoid race conditions
	events := make([]*DripEvent, len(m.publishedEvents))
	copy(events, m.publishedEvents)
	return events
}

// GetPublishedEventCount returns the number of published events.
func (m *MockPublisher) GetPublishedEventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.publishedEvents)
}

// GetPublishedEventsForRequester returns events published for a specific requester.
func (m *MockPublisher) GetPublishedEventsForRequester(requesterID string) []*DripEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*DripEvent, 0)
	for _, event := range m.publishedEvents {
		if event.RequesterID == requesterID {
			events = append(events, event)
		}
	}
	return events
}

// SetPublishError configures the mock to return an error on PublishDrip.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// Reset clears all published events and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishedEvents = make([]*DripEvent, 0)
	m.publishError = nil
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// MockSubscriber is a mock implementation of Subscriber for testing.
// Events passed to Emit are delivered to every live subscription whose
// status matches.
type MockSubscriber struct {
	mu        sync.Mutex
	subs      map[int]mockSubscription
	nextID    int
	subscribe chan struct{}
	err       error
	closed    bool
}

type mockSubscription struct {
	status string
	ch     chan *DripEvent
}

// NewMockSubscriber creates a new mock subscriber for testing.
func NewMockSubscriber() *MockSubscriber {
	return &MockSubscriber{
		subs:      make(map[int]mockSubscription),
		subscribe: make(chan struct{}, 16),
	}
}

// Subscribe registers a subscription that lives until ctx is done.
func (m *MockSubscriber) Subscribe(ctx context.Context, status string) (<-chan *DripEvent, error) {
	m.mu.Lock()
	if m.err != nil {
		m.mu.Unlock()
		return nil, m.err
	}
	id := m.nextID
	m.nextID++
	ch := make(chan *DripEvent, 10)
	m.subs[id] = mockSubscription{status: status, ch: ch}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, id)
		close(ch)
		m.mu.Unlock()
	}()

	select {
	case m.subscribe <- struct{}{}:
	default:
	}
	return ch, nil
}

// Subscribed returns a channel that receives once per successful Subscribe.
func (m *MockSubscriber) Subscribed() <-chan struct{} {
	return m.subscribe
}

// Emit delivers event to the matching subscriptions.
func (m *MockSubscriber) Emit(event *DripEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if sub.status == "" || sub.status == event.Status {
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// SetSubscribeError configures the mock to return an error on Subscribe.
func (m *MockSubscriber) SetSubscribeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Close marks the subscriber as closed.
func (m *MockSubscriber) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
