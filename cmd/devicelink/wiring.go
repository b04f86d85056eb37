package main

import (
	"fmt"

	"github.com/nexus-edge/device-link/internal/adapter/config"
	"github.com/nexus-edge/device-link/internal/adapter/discovery"
	"github.com/nexus-edge/device-link/internal/adapter/modbus"
	"github.com/nexus-edge/device-link/internal/adapter/mqtt"
	"github.com/nexus-edge/device-link/internal/adapter/mqttdevice"
	"github.com/nexus-edge/device-link/internal/domain"
	"github.com/nexus-edge/device-link/internal/metrics"
	"github.com/nexus-edge/device-link/internal/service"
	"github.com/nexus-edge/device-link/pkg/logging"
	"github.com/rs/zerolog"
)

func logConfig(cfg config.LoggingConfig) logging.LogConfig {
	return logging.LogConfig{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		TimeFormat: cfg.TimeFormat,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}

func publisherConfig(cfg config.MQTTConfig) mqtt.Config {
	return mqtt.Config{
		BrokerURL:      cfg.BrokerURL,
		ClientID:       cfg.ClientID,
		Username:       cfg.Username,
		Password:       cfg.Password,
		CleanSession:   cfg.CleanSession,
		QoS:            cfg.QoS,
		KeepAlive:      cfg.KeepAlive,
		ConnectTimeout: cfg.ConnectTimeout,
		ReconnectDelay: cfg.ReconnectDelay,
		TLSEnabled:     cfg.TLSEnabled,
		TLSCertFile:    cfg.TLSCertFile,
		TLSKeyFile:     cfg.TLSKeyFile,
		TLSCAFile:      cfg.TLSCAFile,
		BufferSize:     cfg.BufferSize,
		PublishTimeout: cfg.PublishTimeout,
		TopicPrefix:    cfg.TopicPrefix,
	}
}

func commandConfig(cfg config.MQTTConfig) mqtt.CommandConfig {
	return mqtt.CommandConfig{
		TopicPrefix:           cfg.TopicPrefix,
		QoS:                   cfg.QoS,
		EnableAcknowledgement: cfg.CommandAcks,
		ResponseTimeout:       cfg.PublishTimeout,
	}
}

func linkConfig(cfg config.LinkConfig) service.LinkConfig {
	return service.LinkConfig{
		Supervisor: service.SupervisorConfig{
			ReconnectDelay:      cfg.ReconnectDelay,
			DiscoveryRetryDelay: cfg.DiscoveryRetryDelay,
			BackoffStep:         cfg.BackoffStep,
			MaxAttempts:         cfg.MaxAttempts,
			ReconnectTimeout:    cfg.ReconnectTimeout,
			ConnectTimeout:      cfg.DeviceConnectTimeout,
		},
		Queue: service.QueueConfig{
			CommandInterval: cfg.CommandInterval,
			CommandTimeout:  cfg.CommandTimeout,
			ConnectTimeout:  cfg.ConnectTimeout,
			RecoveryTimeout: cfg.RecoveryTimeout,
		},
		DeployTimeout: cfg.DeployTimeout,
		AutoOffDPS:    cfg.AutoOffDPS,
	}
}

func relayConfig(cfg config.ModbusConfig) modbus.PortConfig {
	return modbus.PortConfig{
		Timeout:         cfg.Timeout,
		PollInterval:    cfg.PollInterval,
		MaxRetries:      cfg.RetryAttempts,
		RetryDelay:      cfg.RetryDelay,
		DefaultPort:     cfg.DefaultPort,
		BreakerFailures: cfg.BreakerFailures,
		BreakerTimeout:  cfg.BreakerTimeout,
	}
}

// portFactory builds the capability port for each device transport.
type portFactory struct {
	cfg       *config.Config
	publisher *mqtt.Publisher
	resolver  discovery.Resolver
	logger    zerolog.Logger
	metrics   *metrics.Registry
}

func (f *portFactory) newPort(device *domain.Device) (domain.CapabilityPort, error) {
	logger := logging.WithDeviceContext(f.logger, device.ID, device.Name)

	switch device.Transport {
	case domain.TransportMQTT:
		port := mqttdevice.NewPort(device, f.publisher.Client(), mqttdevice.Config{
			QoS:            f.cfg.MQTT.QoS,
			PublishTimeout: f.cfg.MQTT.PublishTimeout,
		}, logger)
		f.publisher.OnConnectionLost(port.BrokerLost)
		return port, nil

	case domain.TransportModbus:
		port, err := modbus.NewRelayPort(device, relayConfig(f.cfg.Modbus), f.resolver, logger, f.metrics)
		if err != nil {
			return nil, err
		}
		return port, nil

	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrTransportNotSupported, device.Transport)
	}
}
