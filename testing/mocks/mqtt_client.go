// Package mocks provides mock implementations for testing.
package mocks

import (
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// MockToken is a completed paho token.
type MockToken struct {
	err  error
	done chan struct{}
}

// NewMockToken returns a token that is already complete with err.
func NewMockToken(err error) *MockToken {
	t := &MockToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *MockToken) Wait() bool                     { return true }
func (t *MockToken) WaitTimeout(time.Duration) bool { return true }
func (t *MockToken) Done() <-chan struct{}          { return t.done }
func (t *MockToken) Error() error                   { return t.err }

// MockMessage is an in-memory MQTT message.
type MockMessage struct {
	TopicName  string
	Body       []byte
	IsRetained bool
	QoSLevel   byte
}

func (m *MockMessage) Duplicate() bool   { return false }
func (m *MockMessage) Qos() byte         { return m.QoSLevel }
func (m *MockMessage) Retained() bool    { return m.IsRetained }
func (m *MockMessage) Topic() string     { return m.TopicName }
func (m *MockMessage) MessageID() uint16 { return 0 }
func (m *MockMessage) Payload() []byte   { return m.Body }
func (m *MockMessage) Ack()              {}

// PublishedMessage records one Publish call.
type PublishedMessage struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// MockMQTTClient is an in-memory pahomqtt.Client. Published messages are
// recorded and routed to matching subscriptions; retained messages are
// replayed to new subscribers.
type MockMQTTClient struct {
	mu sync.Mutex

	// Function overrides
	PublishErr   error
	SubscribeErr error
	ConnectErr   error

	// Call tracking
	Published       []PublishedMessage
	SubscribeCalls  []string
	UnsubscribeCall []string
	DisconnectCalls int

	connected bool
	handlers  map[string]pahomqtt.MessageHandler
	retained  map[string]*MockMessage

	// Loopback routes published messages to local subscriptions
	Loopback bool
}

// NewMockMQTTClient creates a connected mock client.
func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]pahomqtt.MessageHandler),
		retained:  make(map[string]*MockMessage),
	}
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) IsConnectionOpen() bool { return m.IsConnected() }

// SetConnected flips the connection state.
func (m *MockMQTTClient) SetConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *MockMQTTClient) Connect() pahomqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectErr == nil {
		m.connected = true
	}
	return NewMockToken(m.ConnectErr)
}

func (m *MockMQTTClient) Disconnect(quiesce uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DisconnectCalls++
	m.connected = false
}

func (m *MockMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case string:
		body = []byte(p)
	}

	m.mu.Lock()
	if m.PublishErr != nil {
		err := m.PublishErr
		m.mu.Unlock()
		return NewMockToken(err)
	}
	m.Published = append(m.Published, PublishedMessage{Topic: topic, QoS: qos, Retained: retained, Payload: body})
	loopback := m.Loopback
	m.mu.Unlock()

	if loopback {
		m.Deliver(topic, body, retained)
	}
	return NewMockToken(nil)
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	m.mu.Lock()
	m.SubscribeCalls = append(m.SubscribeCalls, topic)
	if m.SubscribeErr != nil {
		err := m.SubscribeErr
		m.mu.Unlock()
		return NewMockToken(err)
	}
	m.handlers[topic] = callback
	var replay []*MockMessage
	for t, msg := range m.retained {
		if TopicMatches(topic, t) {
			replay = append(replay, msg)
		}
	}
	m.mu.Unlock()

	for _, msg := range replay {
		callback(m, msg)
	}
	return NewMockToken(nil)
}

func (m *MockMQTTClient) SubscribeMultiple(filters map[string]byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	for topic, qos := range filters {
		if tok := m.Subscribe(topic, qos, callback); tok.Error() != nil {
			return tok
		}
	}
	return NewMockToken(nil)
}

func (m *MockMQTTClient) Unsubscribe(topics ...string) pahomqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range topics {
		m.UnsubscribeCall = append(m.UnsubscribeCall, t)
		delete(m.handlers, t)
	}
	return NewMockToken(nil)
}

func (m *MockMQTTClient) AddRoute(topic string, callback pahomqtt.MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = callback
}

func (m *MockMQTTClient) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

// Deliver routes an inbound message to every matching subscription.
func (m *MockMQTTClient) Deliver(topic string, payload []byte, retained bool) {
	msg := &MockMessage{TopicName: topic, Body: payload, IsRetained: retained}

	m.mu.Lock()
	if retained {
		m.retained[topic] = msg
	}
	var targets []pahomqtt.MessageHandler
	for filter, h := range m.handlers {
		if TopicMatches(filter, topic) {
			targets = append(targets, h)
		}
	}
	m.mu.Unlock()

	for _, h := range targets {
		h(m, msg)
	}
}

// DropSubscriptions forgets every subscription, as a clean-session reconnect does.
func (m *MockMQTTClient) DropSubscriptions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = make(map[string]pahomqtt.MessageHandler)
}

// PublishedTo returns the messages published to topic.
func (m *MockMQTTClient) PublishedTo(topic string) []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PublishedMessage
	for _, p := range m.Published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// Subscribed reports whether a subscription for topic is active.
func (m *MockMQTTClient) Subscribed(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[topic]
	return ok
}

// TopicMatches reports whether topic matches an MQTT filter with + and # wildcards.
func TopicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
