// Package events is the broker's internal operational-event bus: the
// broker shell publishes leadership acquired/lost events on it, and
// in-process observers (the admin process's event consumer, which
// counts them into /metrics) subscribe. The binding- and error-scoped
// types below are defined but no component publishes them, and
// `broker election-status --watch` polls HTTP rather than reading this
// bus. It is distinct from the subscriber-facing dissemination traffic
// in pkg/dissem, which never passes through here.
package events

import (
	"sync"
	"time"
)

// Type identifies the kind of operational event.
type Type string

const (
	TypeLeadershipAcquired Type = "leadership.acquired"
	TypeLeadershipLost     Type = "leadership.lost"
	TypeIngressBound       Type = "ingress.bound"
	TypeIngressClosed      Type = "ingress.closed"
	TypeEgressBound        Type = "egress.bound"
	TypeEgressClosed       Type = "egress.closed"
	TypeNotifyBound        Type = "notify.bound"
	TypeNotifyClosed       Type = "notify.closed"
	TypeRegistrationError  Type = "registration.error"
	TypeCoordinationError  Type = "coordination.error"
	TypeTransportFatal     Type = "transport.fatal"
)

// Event is one occurrence on the bus.
type Event struct {
	Type      Type
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. One Broker
// lives for the lifetime of the broker process.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates an event Broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker's distribution loop. Subscriber channels stay
// open; Unsubscribe closes them.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to every subscriber.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full; drop rather than block publication.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
