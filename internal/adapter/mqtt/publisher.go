// Package mqtt provides the host bridge: an MQTT publisher for device events
// and status with automatic reconnection and offline buffering, and the
// inbound command handler.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/nexus-edge/device-link/internal/domain"
	"github.com/nexus-edge/device-link/internal/metrics"
	"github.com/rs/zerolog"
)

// Publisher publishes device events, status and availability to the host broker.
type Publisher struct {
	config        Config
	client        pahomqtt.Client
	logger        zerolog.Logger
	metrics       *metrics.Registry
	mu            sync.RWMutex
	connected     atomic.Bool
	reconnecting  atomic.Bool
	messageBuffer chan *BufferedMessage
	done          chan struct{}
	wg            sync.WaitGroup
	stats         *PublisherStats

	availMu      sync.Mutex
	availability map[string]bool

	hooksMu     sync.Mutex
	onLost      []func(error)
	onReconnect []func()
}

// Config holds MQTT host bridge configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	CleanSession   bool
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	TLSEnabled     bool
	TLSCertFile    string
	TLSKeyFile     string
	TLSCAFile      string
	BufferSize     int
	PublishTimeout time.Duration

	// TopicPrefix is the root of every bridge topic
	// Default: "devicelink"
	TopicPrefix string
}

// BufferedMessage represents a message waiting to be published.
type BufferedMessage struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	Timestamp time.Time
}

// PublisherStats tracks publisher performance metrics.
type PublisherStats struct {
	MessagesPublished atomic.Uint64
	MessagesFailed    atomic.Uint64
	MessagesBuffered  atomic.Uint64
	BytesSent         atomic.Uint64
	ReconnectCount    atomic.Uint64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "device-link",
		CleanSession:   true,
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		BufferSize:     10000,
		PublishTimeout: 5 * time.Second,
		TopicPrefix:    "devicelink",
	}
}

// NewPublisher creates a new MQTT publisher.
func NewPublisher(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) (*Publisher, error) {
	// Apply defaults
	if config.BufferSize <= 0 {
		config.BufferSize = 10000
	}
	if config.PublishTimeout == 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if config.KeepAlive == 0 {
		config.KeepAlive = 30 * time.Second
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = "devicelink"
	}
	if config.QoS > 2 {
		return nil, fmt.Errorf("%w: mqtt qos must be 0, 1 or 2", domain.ErrInvalidConfig)
	}

	return &Publisher{
		config:        config,
		logger:        logger.With().Str("component", "mqtt-publisher").Logger(),
		metrics:       metricsReg,
		messageBuffer: make(chan *BufferedMessage, config.BufferSize),
		done:          make(chan struct{}),
		stats:         &PublisherStats{},
		availability:  make(map[string]bool),
	}, nil
}

// Connect establishes the connection to the MQTT broker.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.config.BrokerURL)
	opts.SetClientID(p.config.ClientID)
	opts.SetCleanSession(p.config.CleanSession)
	opts.SetKeepAlive(p.config.KeepAlive)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(p.config.ReconnectDelay)
	opts.SetWill(BridgeStatusTopic(p.config.TopicPrefix), "offline", 1, true)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	// TLS configuration
	if p.config.TLSEnabled {
		tlsConfig, err := p.createTLSConfig()
		if err != nil {
			return fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	// Connection handlers
	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)
	opts.SetReconnectingHandler(p.onReconnecting)

	client := pahomqtt.NewClient(opts)

	p.logger.Info().Str("broker", p.config.BrokerURL).Msg("Connecting to MQTT broker")

	token := client.Connect()

	// Wait for connection with context
	connectDone := make(chan bool, 1)
	go func() {
		connectDone <- token.WaitTimeout(p.config.ConnectTimeout)
	}()

	select {
	case success := <-connectDone:
		if !success {
			return fmt.Errorf("%w: connection timeout", domain.ErrMQTTConnectionFailed)
		}
		if token.Error() != nil {
			return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, token.Error())
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, ctx.Err())
	}

	p.attach(client)
	p.logger.Info().Msg("Connected to MQTT broker")
	return nil
}

// attach adopts a connected client and runs the buffer processor.
func (p *Publisher) attach(client pahomqtt.Client) {
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	// Ensure connected state is set (callback might not have fired yet)
	p.connected.Store(true)
	p.done = make(chan struct{})

	p.wg.Add(1)
	go p.processBuffer()
}

// Disconnect gracefully disconnects from the MQTT broker.
func (p *Publisher) Disconnect() {
	p.logger.Info().Msg("Disconnecting from MQTT broker")

	// Signal buffer processor to stop (safe close)
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil && p.client.IsConnected() {
		token := p.client.Publish(BridgeStatusTopic(p.config.TopicPrefix), 1, true, "offline")
		token.WaitTimeout(p.config.PublishTimeout)
		p.client.Disconnect(1000)
	}

	p.connected.Store(false)
	p.logger.Info().Msg("Disconnected from MQTT broker")
}

// PublishEvent publishes an output event and, when it changes, the device availability.
func (p *Publisher) PublishEvent(device *domain.Device, event *domain.OutputEvent) error {
	payload, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
	defer cancel()

	if err := p.Publish(ctx, EventTopic(p.config.TopicPrefix, device.ID), payload, false); err != nil {
		return err
	}
	return p.publishAvailability(ctx, device.ID, event.Device.Available)
}

// PublishStatus publishes the retained device status.
func (p *Publisher) PublishStatus(device *domain.Device, status domain.Status) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to serialize status: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
	defer cancel()
	return p.Publish(ctx, StatusTopic(p.config.TopicPrefix, device.ID), payload, true)
}

func (p *Publisher) publishAvailability(ctx context.Context, deviceID string, available bool) error {
	p.availMu.Lock()
	prev, known := p.availability[deviceID]
	p.availability[deviceID] = available
	p.availMu.Unlock()

	if known && prev == available {
		return nil
	}
	payload := "offline"
	if available {
		payload = "online"
	}
	return p.Publish(ctx, AvailableTopic(p.config.TopicPrefix, deviceID), []byte(payload), true)
}

// Publish sends payload to topic, buffering it while the broker is unreachable.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	if !p.connected.Load() {
		return p.bufferMessage(topic, payload, retained)
	}
	return p.publishRaw(ctx, topic, payload, p.config.QoS, retained)
}

// publishRaw publishes raw payload to a topic.
func (p *Publisher) publishRaw(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil {
		return domain.ErrMQTTNotConnected
	}

	start := time.Now()
	token := client.Publish(topic, qos, retained, payload)

	// Wait for publish with context
	publishDone := make(chan bool, 1)
	go func() {
		publishDone <- token.WaitTimeout(p.config.PublishTimeout)
	}()

	select {
	case success := <-publishDone:
		if !success {
			p.stats.MessagesFailed.Add(1)
			p.metrics.RecordMQTTPublish(false, p.config.PublishTimeout.Seconds())
			return fmt.Errorf("%w: publish timeout", domain.ErrMQTTPublishFailed)
		}
		if token.Error() != nil {
			p.stats.MessagesFailed.Add(1)
			p.metrics.RecordMQTTPublish(false, time.Since(start).Seconds())
			return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, token.Error())
		}
	case <-ctx.Done():
		p.stats.MessagesFailed.Add(1)
		p.metrics.RecordMQTTPublish(false, time.Since(start).Seconds())
		return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, ctx.Err())
	}

	p.stats.MessagesPublished.Add(1)
	p.stats.BytesSent.Add(uint64(len(payload)))
	p.metrics.RecordMQTTPublish(true, time.Since(start).Seconds())
	return nil
}

// bufferMessage adds a message to the buffer for later publishing.
// When the buffer is full the oldest message is dropped.
func (p *Publisher) bufferMessage(topic string, payload []byte, retained bool) error {
	msg := &BufferedMessage{
		Topic:     topic,
		Payload:   payload,
		QoS:       p.config.QoS,
		Retained:  retained,
		Timestamp: time.Now(),
	}

	defer func() { p.metrics.UpdateMQTTBufferSize(len(p.messageBuffer)) }()

	select {
	case p.messageBuffer <- msg:
		p.stats.MessagesBuffered.Add(1)
		return nil
	default:
		select {
		case <-p.messageBuffer:
			p.messageBuffer <- msg
			p.logger.Warn().Msg("Buffer full, dropped oldest message")
			return nil
		default:
			return fmt.Errorf("%w: message buffer full", domain.ErrMQTTPublishFailed)
		}
	}
}

// processBuffer publishes buffered messages once connected.
func (p *Publisher) processBuffer() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			p.drainBuffer()
			return

		case msg := <-p.messageBuffer:
			if !p.connected.Load() {
				// Re-buffer until the connection is back
				select {
				case p.messageBuffer <- msg:
				default:
				}
				select {
				case <-p.done:
				case <-time.After(100 * time.Millisecond):
				}
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
			if err := p.publishRaw(ctx, msg.Topic, msg.Payload, msg.QoS, msg.Retained); err != nil {
				p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to publish buffered message")
			}
			cancel()
			p.metrics.UpdateMQTTBufferSize(len(p.messageBuffer))
		}
	}
}

// drainBuffer attempts to publish all remaining buffered messages.
func (p *Publisher) drainBuffer() {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-p.messageBuffer:
			if p.connected.Load() {
				ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
				if err := p.publishRaw(ctx, msg.Topic, msg.Payload, msg.QoS, msg.Retained); err != nil {
					p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to drain buffered message")
				}
				cancel()
			}
		case <-timeout:
			if remaining := len(p.messageBuffer); remaining > 0 {
				p.logger.Warn().Int("count", remaining).Msg("Timeout draining buffer, messages dropped")
			}
			return
		default:
			return
		}
	}
}

// createTLSConfig creates TLS configuration for secure connections.
func (p *Publisher) createTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if p.config.TLSCAFile != "" {
		caCert, err := os.ReadFile(p.config.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	if p.config.TLSCertFile != "" && p.config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(p.config.TLSCertFile, p.config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// OnConnectionLost registers fn to run whenever the broker connection drops.
func (p *Publisher) OnConnectionLost(fn func(error)) {
	p.hooksMu.Lock()
	defer p.hooksMu.Unlock()
	p.onLost = append(p.onLost, fn)
}

// OnReconnect registers fn to run after the client reconnected to the broker.
func (p *Publisher) OnReconnect(fn func()) {
	p.hooksMu.Lock()
	defer p.hooksMu.Unlock()
	p.onReconnect = append(p.onReconnect, fn)
}

// onConnect is called when the client connects to the broker.
func (p *Publisher) onConnect(client pahomqtt.Client) {
	p.connected.Store(true)
	reconnected := p.reconnecting.Swap(false)
	if reconnected {
		p.metrics.RecordMQTTReconnect()
	}
	client.Publish(BridgeStatusTopic(p.config.TopicPrefix), 1, true, "online")
	p.logger.Info().Msg("MQTT connection established")

	if !reconnected {
		return
	}
	p.hooksMu.Lock()
	hooks := append([]func(){}, p.onReconnect...)
	p.hooksMu.Unlock()
	for _, fn := range hooks {
		go fn()
	}
}

// onConnectionLost is called when the connection is lost.
func (p *Publisher) onConnectionLost(client pahomqtt.Client, err error) {
	p.connected.Store(false)
	p.logger.Warn().Err(err).Msg("MQTT connection lost")

	p.hooksMu.Lock()
	hooks := append([]func(error){}, p.onLost...)
	p.hooksMu.Unlock()
	for _, fn := range hooks {
		go fn(err)
	}
}

// onReconnecting is called when the client is attempting to reconnect.
func (p *Publisher) onReconnecting(client pahomqtt.Client, opts *pahomqtt.ClientOptions) {
	p.reconnecting.Store(true)
	p.stats.ReconnectCount.Add(1)
	p.logger.Info().Msg("Attempting to reconnect to MQTT broker")
}

// IsConnected returns true if the publisher is connected to the broker.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// Stats returns a snapshot of publisher statistics.
func (p *Publisher) Stats() map[string]uint64 {
	return map[string]uint64{
		"messages_published": p.stats.MessagesPublished.Load(),
		"messages_failed":    p.stats.MessagesFailed.Load(),
		"messages_buffered":  p.stats.MessagesBuffered.Load(),
		"bytes_sent":         p.stats.BytesSent.Load(),
		"reconnect_count":    p.stats.ReconnectCount.Load(),
	}
}

// BufferSize returns the current number of buffered messages.
func (p *Publisher) BufferSize() int {
	return len(p.messageBuffer)
}

// HealthCheck implements the health.Checker interface.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if !p.connected.Load() {
		return domain.ErrMQTTNotConnected
	}
	return nil
}

// Client returns the underlying MQTT client.
// The command handler subscribes through it.
func (p *Publisher) Client() pahomqtt.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}
