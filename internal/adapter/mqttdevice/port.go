// Package mqttdevice implements a capability port for devices exposed by an
// MQTT device bridge. The bridge announces availability on
// <base>/availability, reports data points on <base>/dps and accepts
// requests on <base>/get and <base>/set.
package mqttdevice

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/nexus-edge/device-link/internal/domain"
	"github.com/rs/zerolog"
)

// DefaultPrimaryDPS is the data point driven by boolean commands when none is configured.
const DefaultPrimaryDPS = "1"

// Config holds port settings.
type Config struct {
	QoS            byte
	PublishTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QoS:            1,
		PublishTimeout: 5 * time.Second,
	}
}

// Port reaches one device through the bridge topics under its base topic.
type Port struct {
	domain.EventBroker

	device  *domain.Device
	client  pahomqtt.Client
	config  Config
	base    string
	primary string
	logger  zerolog.Logger

	mu              sync.Mutex
	connected       bool
	online          bool
	onlineCh        chan struct{}
	availSubscribed bool
	values          map[string]interface{}
}

// NewPort creates a port for device on an already connected MQTT client.
func NewPort(device *domain.Device, client pahomqtt.Client, config Config, logger zerolog.Logger) *Port {
	if config.PublishTimeout == 0 {
		config.PublishTimeout = 5 * time.Second
	}
	primary := device.MQTT.PrimaryDPS
	if primary == "" {
		primary = DefaultPrimaryDPS
	}

	return &Port{
		device:   device,
		client:   client,
		config:   config,
		base:     device.MQTT.BaseTopic,
		primary:  primary,
		logger:   logger.With().Str("component", "mqtt-device-port").Str("base_topic", device.MQTT.BaseTopic).Logger(),
		onlineCh: make(chan struct{}),
		values:   make(map[string]interface{}),
	}
}

func (p *Port) availabilityTopic() string { return p.base + "/availability" }
func (p *Port) dpsTopic() string          { return p.base + "/dps" }
func (p *Port) getTopic() string          { return p.base + "/get" }
func (p *Port) setTopic() string          { return p.base + "/set" }

// Discover waits for the bridge to announce the device online.
func (p *Port) Discover(ctx context.Context, timeout time.Duration) error {
	p.mu.Lock()
	if p.online {
		p.mu.Unlock()
		return nil
	}
	wait := p.onlineCh
	subscribe := !p.availSubscribed
	p.availSubscribed = true
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if subscribe {
		token := p.client.Subscribe(p.availabilityTopic(), p.config.QoS, p.handleAvailability)
		if err := waitToken(ctx, token); err != nil {
			p.mu.Lock()
			p.availSubscribed = false
			p.mu.Unlock()
			return fmt.Errorf("%w: %v", domain.ErrDiscoveryFailed, err)
		}
	}

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s not announced within %s", domain.ErrDiscoveryFailed, p.device.ID, timeout)
	}
}

// Connect subscribes to the data point topic and signals EventConnected.
func (p *Port) Connect(ctx context.Context) error {
	if !p.client.IsConnected() {
		return fmt.Errorf("%w: %w", domain.ErrConnectFailed,
			&domain.TransportError{Kind: domain.KindNotConnected, Address: p.base, Err: domain.ErrMQTTNotConnected})
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
	defer cancel()

	token := p.client.Subscribe(p.dpsTopic(), p.config.QoS, p.handleData)
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConnectFailed, domain.NewTransportError(err, false, p.base))
	}

	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()

	p.logger.Debug().Msg("Subscribed to device data points")
	p.Publish(domain.PortEvent{Type: domain.EventConnected})
	return nil
}

// Disconnect drops the data point subscription.
func (p *Port) Disconnect() error {
	p.mu.Lock()
	was := p.connected
	p.connected = false
	p.mu.Unlock()

	if !was {
		return nil
	}

	token := p.client.Unsubscribe(p.dpsTopic())
	token.WaitTimeout(p.config.PublishTimeout)
	p.Publish(domain.PortEvent{Type: domain.EventDisconnected})
	return token.Error()
}

// IsConnected reports whether the data point subscription is live.
func (p *Port) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected && p.client.IsConnected()
}

// Get asks the bridge to refresh the requested data points and returns the
// last known values. Fresh values arrive as EventData.
func (p *Port) Get(ctx context.Context, opts domain.GetOptions) (interface{}, error) {
	var request map[string]interface{}
	if opts.Schema {
		request = map[string]interface{}{"schema": true}
	} else {
		request = map[string]interface{}{"dps": p.dpsOrPrimary(opts.DPS)}
	}
	if err := p.publish(ctx, p.getTopic(), request); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if opts.Schema {
		return copyValues(p.values), nil
	}
	return p.values[p.dpsOrPrimary(opts.DPS)], nil
}

// Set writes one or several data points.
func (p *Port) Set(ctx context.Context, req domain.SetRequest) error {
	if req.Multiple {
		return p.publish(ctx, p.setTopic(), map[string]interface{}{"multiple": true, "data": req.Data})
	}
	return p.publish(ctx, p.setTopic(), map[string]interface{}{"dps": p.dpsOrPrimary(req.DPS), "set": req.Value})
}

// Toggle inverts the last known primary value.
func (p *Port) Toggle(ctx context.Context) error {
	p.mu.Lock()
	current, _ := p.values[p.primary].(bool)
	p.mu.Unlock()

	return p.Set(ctx, domain.SetRequest{DPS: p.primary, Value: !current})
}

func (p *Port) dpsOrPrimary(dps string) string {
	if dps == "" {
		return p.primary
	}
	return dps
}

func (p *Port) publish(ctx context.Context, topic string, body map[string]interface{}) error {
	if !p.IsConnected() {
		return &domain.TransportError{Kind: domain.KindNotConnected, Address: p.base, Err: domain.ErrNotConnected}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidCommandData, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
	defer cancel()

	token := p.client.Publish(topic, p.config.QoS, false, payload)
	if err := waitToken(ctx, token); err != nil {
		return domain.NewTransportError(err, true, p.base)
	}
	return nil
}

// handleAvailability tracks bridge announcements. Going offline while
// connected is reported as a socket error followed by a disconnect.
func (p *Port) handleAvailability(_ pahomqtt.Client, msg pahomqtt.Message) {
	state := string(msg.Payload())

	p.mu.Lock()
	switch state {
	case "online":
		if !p.online {
			p.online = true
			close(p.onlineCh)
		}
		p.mu.Unlock()
		return
	case "offline":
		if p.online {
			p.online = false
			p.onlineCh = make(chan struct{})
		}
	default:
		p.mu.Unlock()
		p.logger.Warn().Str("payload", state).Msg("Unexpected availability payload")
		return
	}
	was := p.connected
	p.connected = false
	p.mu.Unlock()

	if !was {
		return
	}

	p.logger.Warn().Msg("Device went offline")
	p.client.Unsubscribe(p.dpsTopic())
	p.Publish(domain.PortEvent{
		Type: domain.EventError,
		Err:  &domain.TransportError{Kind: domain.KindNotConnected, Socket: true, Address: p.base, Err: domain.ErrNotConnected},
	})
	p.Publish(domain.PortEvent{Type: domain.EventDisconnected})
}

// BrokerLost resets the port after the shared broker connection dropped.
// Subscriptions do not survive a clean-session reconnect, so discovery
// subscribes again and a connected device is reported lost.
func (p *Port) BrokerLost(err error) {
	if err == nil {
		err = domain.ErrMQTTNotConnected
	}
	p.mu.Lock()
	p.availSubscribed = false
	if p.online {
		p.online = false
		p.onlineCh = make(chan struct{})
	}
	was := p.connected
	p.connected = false
	p.mu.Unlock()

	if !was {
		return
	}

	p.logger.Warn().Err(err).Msg("Broker connection lost")
	p.Publish(domain.PortEvent{
		Type: domain.EventError,
		Err:  &domain.TransportError{Kind: domain.KindConnectionReset, Socket: true, Address: p.base, Err: err},
	})
	p.Publish(domain.PortEvent{Type: domain.EventDisconnected})
}

type dpsMessage struct {
	DPS         map[string]interface{} `json:"dps"`
	CommandByte *int                   `json:"commandByte"`
}

// handleData decodes a data point report. Both {"dps": {...}, "commandByte": N}
// and a flat {"1": true} object are accepted.
func (p *Port) handleData(_ pahomqtt.Client, msg pahomqtt.Message) {
	var report dpsMessage
	if err := json.Unmarshal(msg.Payload(), &report); err != nil {
		p.logger.Warn().Err(err).Msg("Malformed data point report")
		p.Publish(domain.PortEvent{
			Type: domain.EventError,
			Err:  &domain.TransportError{Kind: domain.KindProtocol, Address: p.base, Err: err},
		})
		return
	}
	if report.DPS == nil {
		var flat map[string]interface{}
		if err := json.Unmarshal(msg.Payload(), &flat); err == nil {
			delete(flat, "commandByte")
			report.DPS = flat
		}
	}

	p.mu.Lock()
	for k, v := range report.DPS {
		p.values[k] = v
	}
	p.mu.Unlock()

	p.Publish(domain.PortEvent{
		Type:        domain.EventData,
		Data:        report.DPS,
		CommandByte: report.CommandByte,
	})
}

func waitToken(ctx context.Context, token pahomqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func copyValues(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ domain.CapabilityPort = (*Port)(nil)
