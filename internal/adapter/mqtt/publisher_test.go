package mqtt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nexus-edge/device-link/internal/domain"
	"github.com/nexus-edge/device-link/testing/mocks"
	"github.com/rs/zerolog"
)

func newTestPublisher(t *testing.T) (*Publisher, *mocks.MockMQTTClient) {
	t.Helper()
	p, err := NewPublisher(DefaultConfig(), zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	client := mocks.NewMockMQTTClient()
	p.attach(client)
	t.Cleanup(p.Disconnect)
	return p, client
}

func testDevice() *domain.Device {
	return &domain.Device{
		Identity:  domain.Identity{ID: "bf1234", Name: "Desk Lamp", Address: "192.168.1.40"},
		Transport: domain.TransportMQTT,
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewPublisher_InvalidQoS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QoS = 3
	if _, err := NewPublisher(cfg, zerolog.Nop(), nil); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("NewPublisher() error = %v, want ErrInvalidConfig", err)
	}
}

func TestNewPublisher_Defaults(t *testing.T) {
	p, err := NewPublisher(Config{BrokerURL: "tcp://broker:1883"}, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	if p.config.TopicPrefix != "devicelink" {
		t.Errorf("TopicPrefix = %q, want devicelink", p.config.TopicPrefix)
	}
	if cap(p.messageBuffer) != 10000 {
		t.Errorf("buffer capacity = %d, want 10000", cap(p.messageBuffer))
	}
}

func TestPublishEvent(t *testing.T) {
	p, client := newTestPublisher(t)
	device := testDevice()
	cb := 8
	event := &domain.OutputEvent{
		Device:      device.Snapshot(true),
		CommandByte: &cb,
		Payload:     map[string]interface{}{"power": true},
		Timestamp:   time.Now(),
	}

	if err := p.PublishEvent(device, event); err != nil {
		t.Fatalf("PublishEvent() error = %v", err)
	}

	msgs := client.PublishedTo("devicelink/bf1234/event")
	if len(msgs) != 1 {
		t.Fatalf("event messages = %d, want 1", len(msgs))
	}
	if msgs[0].Retained {
		t.Error("event should not be retained")
	}

	var decoded struct {
		Data struct {
			ID        string `json:"id"`
			IP        string `json:"ip"`
			Available bool   `json:"available"`
		} `json:"data"`
		CommandByte int                    `json:"commandByte"`
		Payload     map[string]interface{} `json:"payload"`
	}
	if err := json.Unmarshal(msgs[0].Payload, &decoded); err != nil {
		t.Fatalf("event payload is not JSON: %v", err)
	}
	if decoded.Data.ID != "bf1234" || decoded.Data.IP != "192.168.1.40" || !decoded.Data.Available {
		t.Errorf("device snapshot = %+v", decoded.Data)
	}
	if decoded.CommandByte != 8 {
		t.Errorf("commandByte = %d, want 8", decoded.CommandByte)
	}
	if decoded.Payload["power"] != true {
		t.Errorf("payload = %v", decoded.Payload)
	}
}

func TestPublishEvent_AvailabilityOnlyOnChange(t *testing.T) {
	p, client := newTestPublisher(t)
	device := testDevice()

	for _, available := range []bool{true, true, false, false, true} {
		event := &domain.OutputEvent{Device: device.Snapshot(available), Timestamp: time.Now()}
		if err := p.PublishEvent(device, event); err != nil {
			t.Fatalf("PublishEvent() error = %v", err)
		}
	}

	msgs := client.PublishedTo("devicelink/bf1234/available")
	want := []string{"online", "offline", "online"}
	if len(msgs) != len(want) {
		t.Fatalf("availability messages = %d, want %d", len(msgs), len(want))
	}
	for i, w := range want {
		if string(msgs[i].Payload) != w {
			t.Errorf("availability[%d] = %s, want %s", i, msgs[i].Payload, w)
		}
		if !msgs[i].Retained {
			t.Errorf("availability[%d] not retained", i)
		}
	}
}

func TestPublishStatus(t *testing.T) {
	p, client := newTestPublisher(t)
	status := domain.NewStatus(domain.FillGreen, domain.ShapeDot, domain.StatusConnected, "")

	if err := p.PublishStatus(testDevice(), status); err != nil {
		t.Fatalf("PublishStatus() error = %v", err)
	}

	msgs := client.PublishedTo("devicelink/bf1234/status")
	if len(msgs) != 1 {
		t.Fatalf("status messages = %d, want 1", len(msgs))
	}
	if !msgs[0].Retained {
		t.Error("status should be retained")
	}
	var decoded domain.Status
	if err := json.Unmarshal(msgs[0].Payload, &decoded); err != nil {
		t.Fatalf("status payload is not JSON: %v", err)
	}
	if decoded.Category != domain.StatusConnected || decoded.Fill != domain.FillGreen {
		t.Errorf("status = %+v", decoded)
	}
}

func TestPublish_BuffersWhileDisconnected(t *testing.T) {
	p, client := newTestPublisher(t)
	p.connected.Store(false)

	if err := p.Publish(context.Background(), "devicelink/x/event", []byte("queued"), false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := len(client.PublishedTo("devicelink/x/event")); got != 0 {
		t.Fatalf("published while disconnected: %d", got)
	}
	if p.stats.MessagesBuffered.Load() != 1 {
		t.Errorf("MessagesBuffered = %d, want 1", p.stats.MessagesBuffered.Load())
	}

	p.connected.Store(true)
	waitUntil(t, "buffered message", func() bool {
		return len(client.PublishedTo("devicelink/x/event")) == 1
	})
}

func TestBufferMessage_DropsOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferSize = 2
	p, err := NewPublisher(cfg, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}

	for _, body := range []string{"a", "b", "c"} {
		if err := p.Publish(context.Background(), "t", []byte(body), false); err != nil {
			t.Fatalf("Publish(%s) error = %v", body, err)
		}
	}

	if p.BufferSize() != 2 {
		t.Fatalf("BufferSize() = %d, want 2", p.BufferSize())
	}
	first := <-p.messageBuffer
	if string(first.Payload) != "b" {
		t.Errorf("oldest buffered = %s, want b", first.Payload)
	}
}

func TestPublish_Failure(t *testing.T) {
	p, client := newTestPublisher(t)
	client.PublishErr = errors.New("broker said no")

	err := p.Publish(context.Background(), "t", []byte("x"), false)
	if !errors.Is(err, domain.ErrMQTTPublishFailed) {
		t.Errorf("Publish() error = %v, want ErrMQTTPublishFailed", err)
	}
	if p.stats.MessagesFailed.Load() != 1 {
		t.Errorf("MessagesFailed = %d, want 1", p.stats.MessagesFailed.Load())
	}
}

func TestDisconnect_PublishesOffline(t *testing.T) {
	p, client := newTestPublisher(t)
	p.Disconnect()

	msgs := client.PublishedTo("devicelink/bridge/status")
	if len(msgs) != 1 || string(msgs[0].Payload) != "offline" || !msgs[0].Retained {
		t.Errorf("bridge status = %+v, want retained offline", msgs)
	}
	if client.DisconnectCalls != 1 {
		t.Errorf("DisconnectCalls = %d, want 1", client.DisconnectCalls)
	}
	if p.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}
}

func TestPublisher_ConnectionHooks(t *testing.T) {
	p, client := newTestPublisher(t)

	lost := make(chan error, 1)
	reconnected := make(chan struct{}, 1)
	p.OnConnectionLost(func(err error) { lost <- err })
	p.OnReconnect(func() { reconnected <- struct{}{} })

	// The first connect is not a reconnect.
	p.onConnect(client)
	select {
	case <-reconnected:
		t.Fatal("reconnect hook ran on initial connect")
	case <-time.After(50 * time.Millisecond):
	}

	p.onConnectionLost(client, errors.New("EOF"))
	select {
	case err := <-lost:
		if err == nil || err.Error() != "EOF" {
			t.Errorf("lost hook error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("connection lost hook not called")
	}
	if p.IsConnected() {
		t.Error("publisher still connected after loss")
	}

	p.onReconnecting(client, nil)
	p.onConnect(client)
	select {
	case <-reconnected:
	case <-time.After(time.Second):
		t.Fatal("reconnect hook not called")
	}
	if p.Stats()["reconnect_count"] != 1 {
		t.Errorf("stats = %v", p.Stats())
	}
}
