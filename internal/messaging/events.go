package messaging

import (
	"sync/atomic"
	"time"
)

// BrokerEventType identifies a broker lifecycle event.
type BrokerEventType string

const (
	// BrokerAvailable indicates the system session reached STOMP-connected
	BrokerAvailable BrokerEventType = "available"
	// BrokerUnavailable indicates the system session failed, closed, or the
	// relay is shutting down
	BrokerUnavailable BrokerEventType = "unavailable"
)

// BrokerEvent is a broker availability lifecycle event.
type BrokerEvent struct {
	Type BrokerEventType
	Time time.Time
}

// EventPublisher receives broker lifecycle events.
type EventPublisher interface {
	Publish(event BrokerEvent)
}

// EventPublisherFunc adapts a function to the EventPublisher interface.
type EventPublisherFunc func(event BrokerEvent)

// Publish implements EventPublisher.
func (f EventPublisherFunc) Publish(event BrokerEvent) {
	f(event)
}

// AvailabilityNotifier tracks broker availability and publishes transition
// events. Transitions are compare-and-swap guarded so each flip emits one
// event; consumers must still tolerate repeats across reconnect cycles.
type AvailabilityNotifier struct {
	publisher EventPublisher
	available atomic.Bool
}

// NewAvailabilityNotifier creates a notifier. The publisher may be nil, in
// which case only the availability flag is tracked.
func NewAvailabilityNotifier(publisher EventPublisher) *AvailabilityNotifier {
	return &AvailabilityNotifier{publisher: publisher}
}

// IsAvailable reports the last published availability state.
func (n *AvailabilityNotifier) IsAvailable() bool {
	return n.available.Load()
}

// NotifyAvailable publishes BrokerAvailable if the broker was unavailable.
func (n *AvailabilityNotifier) NotifyAvailable() {
	if n.available.CompareAndSwap(false, true) && n.publisher != nil {
		n.publisher.Publish(BrokerEvent{Type: BrokerAvailable, Time: time.Now()})
	}
}

// NotifyUnavailable publishes BrokerUnavailable if the broker was available.
func (n *AvailabilityNotifier) NotifyUnavailable() {
	if n.available.CompareAndSwap(true, false) && n.publisher != nil {
		n.publisher.Publish(BrokerEvent{Type: BrokerUnavailable, Time: time.Now()})
	}
}
