// Package main is the entry point for the device-link service.
// It initializes all components and manages the application lifecycle.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexus-edge/device-link/internal/adapter/config"
	"github.com/nexus-edge/device-link/internal/adapter/discovery"
	"github.com/nexus-edge/device-link/internal/adapter/mqtt"
	"github.com/nexus-edge/device-link/internal/api"
	"github.com/nexus-edge/device-link/internal/domain"
	"github.com/nexus-edge/device-link/internal/health"
	"github.com/nexus-edge/device-link/internal/metrics"
	"github.com/nexus-edge/device-link/internal/service"
	"github.com/nexus-edge/device-link/pkg/logging"
)

const (
	serviceName    = "device-link"
	serviceVersion = "1.0.0"
)

func loadConfig() (*config.Config, error) {
	if path := os.Getenv("DEVICELINK_CONFIG_FILE"); path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func main() {
	// Bootstrap logger until the configuration is known
	logger := logging.New(serviceName, serviceVersion)

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger = logging.NewWithConfig(serviceName, serviceVersion, logConfig(cfg.Logging))
	logger.Info().Str("env", cfg.Environment).Msg("Starting device-link")

	metricsRegistry := metrics.NewRegistry()

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// =============================================================
	// Host bridge
	// =============================================================

	publisher, err := mqtt.NewPublisher(publisherConfig(cfg.MQTT), logger, metricsRegistry)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create MQTT publisher")
	}
	if err := publisher.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to MQTT broker")
	}

	manager := service.NewManager(logger, metricsRegistry)

	cmdHandler := mqtt.NewCommandHandler(publisher.Client(), manager, commandConfig(cfg.MQTT), logger, metricsRegistry)
	if err := cmdHandler.Start(); err != nil {
		logger.Warn().Err(err).Msg("Failed to start command handler (MQTT commands disabled)")
	}
	publisher.OnReconnect(cmdHandler.Resubscribe)

	// =============================================================
	// Device links
	// =============================================================

	devices, err := config.LoadDevices(cfg.DevicesConfigPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DevicesConfigPath).Msg("Failed to load device configurations")
	}
	logger.Info().Int("count", len(devices)).Msg("Loaded device configurations")

	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	healthChecker.AddCheck("mqtt", publisher)

	factory := &portFactory{
		cfg:       cfg,
		publisher: publisher,
		resolver:  discovery.NewMDNSResolver(discovery.Config{Domain: cfg.Discovery.Domain, Interface: cfg.Discovery.Interface}, logger),
		logger:    logger,
		metrics:   metricsRegistry,
	}
	linkCfg := linkConfig(cfg.Link)

	transportCounts := make(map[domain.Transport]int)
	for _, device := range devices {
		if !device.Enabled {
			logger.Info().Str("device_id", device.ID).Msg("Device disabled, skipping")
			continue
		}

		port, err := factory.newPort(device)
		if err != nil {
			logger.Error().Err(err).Str("device_id", device.ID).Msg("Failed to create capability port")
			continue
		}

		link := service.NewLink(device, port, linkCfg, publisher, publisher, logger, metricsRegistry)
		if err := manager.Add(link); err != nil {
			logger.Error().Err(err).Str("device_id", device.ID).Msg("Failed to register device link")
			continue
		}
		if err := link.Start(ctx); err != nil {
			logger.Error().Err(err).Str("device_id", device.ID).Msg("Failed to start device link")
			continue
		}
		healthChecker.AddOptionalCheck("device:"+device.ID, link)
		transportCounts[device.Transport]++
	}

	// Device gauges follow state changes between explicit registrations
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				manager.RefreshMetrics()
			}
		}
	}()

	// =============================================================
	// HTTP server
	// =============================================================

	router := api.NewRouter(api.RouterDeps{
		Handler:    api.NewAPIHandler(manager, logger),
		Middleware: api.NewMiddleware(cfg.API, logger),
		Health:     healthChecker,
		Metrics:    metricsRegistry.Handler(),
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	logger.Info().
		Int("mqtt_devices", transportCounts[domain.TransportMQTT]).
		Int("modbus_devices", transportCounts[domain.TransportModbus]).
		Int("http_port", cfg.HTTP.Port).
		Str("mqtt_broker", cfg.MQTT.BrokerURL).
		Msg("device-link started successfully")

	// =============================================================
	// Shutdown Handling
	// =============================================================

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting commands before links go away
	if err := cmdHandler.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping command handler")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	manager.CloseAll()
	publisher.Disconnect()

	logger.Info().Msg("device-link shutdown complete")
}
