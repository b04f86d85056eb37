package mqtt

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nexus-edge/device-link/internal/domain"
	"github.com/nexus-edge/device-link/internal/metrics"
	"github.com/rs/zerolog"
)

// CommandRouter delivers a parsed command to a device link.
type CommandRouter interface {
	Enqueue(deviceID string, cmd domain.Command) error
}

// CommandConfig holds configuration for the command handler.
type CommandConfig struct {
	// TopicPrefix is the MQTT topic prefix shared with the publisher
	// Default: "devicelink"
	TopicPrefix string

	// QoS is the MQTT QoS level for command messages
	QoS byte

	// EnableAcknowledgement determines if responses should be published
	EnableAcknowledgement bool

	// ResponseTimeout bounds publishing one acknowledgement
	ResponseTimeout time.Duration
}

// DefaultCommandConfig returns sensible defaults for command handling.
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{
		TopicPrefix:           "devicelink",
		QoS:                   1,
		EnableAcknowledgement: true,
		ResponseTimeout:       5 * time.Second,
	}
}

// CommandStats tracks command handling statistics.
type CommandStats struct {
	CommandsReceived atomic.Uint64
	CommandsAccepted atomic.Uint64
	CommandsRejected atomic.Uint64
}

// CommandResponse acknowledges a host command.
type CommandResponse struct {
	RequestID string    `json:"request_id"`
	DeviceID  string    `json:"device_id"`
	Command   string    `json:"command,omitempty"`
	Accepted  bool      `json:"accepted"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandHandler receives host commands over MQTT and routes them to device links.
// Commands are only queued here; dispatch happens on each link's own queue.
type CommandHandler struct {
	client  pahomqtt.Client
	router  CommandRouter
	config  CommandConfig
	logger  zerolog.Logger
	metrics *metrics.Registry
	stats   *CommandStats
	running atomic.Bool
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(
	client pahomqtt.Client,
	router CommandRouter,
	config CommandConfig,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *CommandHandler {
	if config.TopicPrefix == "" {
		config.TopicPrefix = "devicelink"
	}
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = 5 * time.Second
	}

	return &CommandHandler{
		client:  client,
		router:  router,
		config:  config,
		logger:  logger.With().Str("component", "command-handler").Logger(),
		metrics: metricsReg,
		stats:   &CommandStats{},
	}
}

// SubscribedTopic returns the MQTT topic pattern this handler subscribes to.
func (h *CommandHandler) SubscribedTopic() string {
	return CommandTopic(h.config.TopicPrefix, "+")
}

// Start subscribes to the command topic.
func (h *CommandHandler) Start() error {
	if h.running.Load() {
		return nil
	}

	topic := h.SubscribedTopic()
	h.logger.Info().Str("topic", topic).Msg("Starting command handler")

	token := h.client.Subscribe(topic, h.config.QoS, h.handleMessage)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("%w: %v", domain.ErrMQTTSubscribeFailed, token.Error())
	}

	h.running.Store(true)
	return nil
}

// Resubscribe restores the command subscription after a clean-session reconnect.
func (h *CommandHandler) Resubscribe() {
	if !h.running.Load() {
		return
	}
	token := h.client.Subscribe(h.SubscribedTopic(), h.config.QoS, h.handleMessage)
	if !token.WaitTimeout(h.config.ResponseTimeout) || token.Error() != nil {
		h.logger.Error().Err(token.Error()).Msg("Failed to restore command subscription")
		return
	}
	h.logger.Info().Msg("Command subscription restored")
}

// Stop unsubscribes from the command topic.
func (h *CommandHandler) Stop() error {
	if !h.running.Load() {
		return nil
	}

	token := h.client.Unsubscribe(h.SubscribedTopic())
	token.WaitTimeout(h.config.ResponseTimeout)
	h.running.Store(false)

	h.logger.Info().Msg("Command handler stopped")
	return nil
}

// handleMessage handles one command message.
// Topic: <prefix>/{device_id}/command
func (h *CommandHandler) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	h.stats.CommandsReceived.Add(1)

	deviceID, ok := ParseCommandTopic(h.config.TopicPrefix, msg.Topic())
	if !ok {
		h.logger.Warn().Str("topic", msg.Topic()).Msg("Invalid command topic format")
		h.reject("invalid_topic")
		return
	}

	requestID := uuid.NewString()
	cmd, err := domain.ParseCommand(msg.Payload())
	if err != nil {
		h.logger.Warn().
			Err(err).
			Str("device_id", deviceID).
			Str("payload", string(msg.Payload())).
			Msg("Rejected command payload")
		h.reject("invalid_payload")
		h.sendResponse(CommandResponse{RequestID: requestID, DeviceID: deviceID, Error: err.Error()})
		return
	}
	cmd.RequestID = requestID
	cmd.Source = "mqtt"

	if err := h.router.Enqueue(deviceID, cmd); err != nil {
		h.logger.Warn().Err(err).Str("device_id", deviceID).Str("command", cmd.String()).Msg("Command not queued")
		h.reject("not_queued")
		h.sendResponse(CommandResponse{RequestID: requestID, DeviceID: deviceID, Command: cmd.String(), Error: err.Error()})
		return
	}

	h.stats.CommandsAccepted.Add(1)
	h.metrics.RecordMQTTCommand("accepted")
	h.sendResponse(CommandResponse{RequestID: requestID, DeviceID: deviceID, Command: cmd.String(), Accepted: true})
}

func (h *CommandHandler) reject(reason string) {
	h.stats.CommandsRejected.Add(1)
	h.metrics.RecordMQTTCommand(reason)
}

// sendResponse publishes a command acknowledgement.
func (h *CommandHandler) sendResponse(resp CommandResponse) {
	if !h.config.EnableAcknowledgement {
		return
	}
	resp.Timestamp = time.Now()

	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal response")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.ResponseTimeout)
	defer cancel()

	token := h.client.Publish(CommandResponseTopic(h.config.TopicPrefix, resp.DeviceID), h.config.QoS, false, payload)
	select {
	case <-token.Done():
		if token.Error() != nil {
			h.logger.Error().Err(token.Error()).Msg("Failed to publish response")
		}
	case <-ctx.Done():
		h.logger.Warn().Str("device_id", resp.DeviceID).Msg("Timed out publishing response")
	}
}

// Stats returns a snapshot of command handling statistics.
func (h *CommandHandler) Stats() map[string]uint64 {
	return map[string]uint64{
		"commands_received": h.stats.CommandsReceived.Load(),
		"commands_accepted": h.stats.CommandsAccepted.Load(),
		"commands_rejected": h.stats.CommandsRejected.Load(),
	}
}
