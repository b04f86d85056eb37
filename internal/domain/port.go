package domain

import (
	"context"
	"sync"
	"time"
)

// CapabilityPort is the contract the link core uses to reach one physical device.
// Implementations own the wire protocol, framing and socket I/O.
type CapabilityPort interface {
	// Discover locates the device on the network within timeout.
	Discover(ctx context.Context, timeout time.Duration) error

	// Connect opens the control connection. Success is also signalled by an EventConnected.
	Connect(ctx context.Context) error

	// Disconnect closes the control connection. An EventDisconnected follows.
	Disconnect() error

	// IsConnected reports whether the control connection is open.
	IsConnected() bool

	// Get reads the schema or a single data point.
	Get(ctx context.Context, opts GetOptions) (interface{}, error)

	// Set writes one or several data points.
	Set(ctx context.Context, req SetRequest) error

	// Toggle flips the primary output.
	Toggle(ctx context.Context) error

	// Subscribe registers for lifecycle and data events.
	// The returned function unregisters the subscription.
	Subscribe() (<-chan PortEvent, func())
}

// GetOptions selects what Get reads.
type GetOptions struct {
	// Schema requests every data point
	Schema bool

	// DPS reads a single data point when Schema is false
	DPS string
}

// SetRequest describes a write. An empty DPS targets the primary data point.
type SetRequest struct {
	DPS   string
	Value interface{}

	// Multiple writes every entry of Data in one request
	Multiple bool
	Data     map[string]interface{}
}

// PortEventType enumerates capability port events.
type PortEventType string

const (
	EventConnected    PortEventType = "connected"
	EventDisconnected PortEventType = "disconnected"
	EventError        PortEventType = "error"
	EventData         PortEventType = "data"
)

// PortEvent is one item of a capability port's event stream.
type PortEvent struct {
	Type PortEventType

	// Err is set for EventError, usually a *TransportError
	Err error

	// Data holds data point values for EventData
	Data map[string]interface{}

	// CommandByte is the protocol command that carried the data, if known
	CommandByte *int

	Time time.Time
}

// EventBroker fans port events out to subscribers.
// Ports embed it to implement Subscribe.
type EventBroker struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
}

type subscriber struct {
	ch   chan PortEvent
	done chan struct{}
	once sync.Once
}

// Subscribe registers a new buffered subscriber.
func (b *EventBroker) Subscribe() (<-chan PortEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs == nil {
		b.subs = make(map[int]*subscriber)
	}
	id := b.nextID
	b.nextID++
	sub := &subscriber{
		ch:   make(chan PortEvent, 64),
		done: make(chan struct{}),
	}
	b.subs[id] = sub

	return sub.ch, func() {
		sub.once.Do(func() { close(sub.done) })
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers ev to every subscriber in order. It blocks while a
// subscriber's buffer is full, unless that subscriber unsubscribes.
func (b *EventBroker) Publish(ev PortEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		case <-s.done:
		}
	}
}
