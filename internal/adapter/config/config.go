// Package config provides configuration management for device-link.
// It supports environment variables, config files (YAML/JSON), and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nexus-edge/device-link/internal/domain"
	"github.com/spf13/viper"
)

// Config holds all configuration for device-link.
type Config struct {
	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`

	// DevicesConfigPath is the path to the device configurations file
	DevicesConfigPath string `mapstructure:"devices_config_path"`

	// HTTP server configuration
	HTTP HTTPConfig `mapstructure:"http"`

	// API configuration (authentication, request limits)
	API APIConfig `mapstructure:"api"`

	// MQTT host bridge configuration
	MQTT MQTTConfig `mapstructure:"mqtt"`

	// Link timings shared by every device
	Link LinkConfig `mapstructure:"link"`

	// Modbus relay port configuration
	Modbus ModbusConfig `mapstructure:"modbus"`

	// mDNS discovery configuration
	Discovery DiscoveryConfig `mapstructure:"discovery"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// APIConfig holds API security configuration.
type APIConfig struct {
	// AuthEnabled requires an API key on command endpoints
	AuthEnabled bool `mapstructure:"auth_enabled"`

	// APIKey is the secret key required for authenticated endpoints
	APIKey string `mapstructure:"api_key"`

	// MaxRequestBodySize is the maximum allowed request body size in bytes
	MaxRequestBodySize int64 `mapstructure:"max_request_body_size"`
}

// MQTTConfig holds MQTT host bridge configuration.
type MQTTConfig struct {
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	CleanSession   bool          `mapstructure:"clean_session"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	TLSEnabled     bool          `mapstructure:"tls_enabled"`
	TLSCertFile    string        `mapstructure:"tls_cert_file"`
	TLSKeyFile     string        `mapstructure:"tls_key_file"`
	TLSCAFile      string        `mapstructure:"tls_ca_file"`
	BufferSize     int           `mapstructure:"buffer_size"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`

	// CommandAcks publishes an acknowledgement for every inbound command
	CommandAcks bool `mapstructure:"command_acks"`
}

// LinkConfig holds the connection, queue and telemetry timings of every link.
type LinkConfig struct {
	CommandInterval     time.Duration `mapstructure:"command_interval"`
	CommandTimeout      time.Duration `mapstructure:"command_timeout"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	RecoveryTimeout     time.Duration `mapstructure:"recovery_timeout"`
	DeployTimeout       time.Duration `mapstructure:"deploy_timeout"`
	ReconnectDelay      time.Duration `mapstructure:"reconnect_delay"`
	ReconnectTimeout    time.Duration `mapstructure:"reconnect_timeout"`
	DiscoveryRetryDelay time.Duration `mapstructure:"discovery_retry_delay"`
	BackoffStep         time.Duration `mapstructure:"backoff_step"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	DeviceConnectTimeout time.Duration `mapstructure:"device_connect_timeout"`
	AutoOffDPS          string        `mapstructure:"auto_off_dps"`
}

// ModbusConfig holds Modbus relay port configuration.
type ModbusConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	DefaultPort     int           `mapstructure:"default_port"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// DiscoveryConfig holds mDNS settings.
type DiscoveryConfig struct {
	Domain    string `mapstructure:"domain"`
	Interface string `mapstructure:"interface"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	Output     string `mapstructure:"output"` // stdout, stderr, or file path
	TimeFormat string `mapstructure:"time_format"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Load loads configuration from the default search paths and environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/device-link")
	return load(v)
}

// LoadFile loads configuration from an explicit file plus environment variables.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	// Read config file (optional when searched, required when explicit)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment variable binding
	v.SetEnvPrefix("DEVICELINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Environment
	v.SetDefault("environment", "development")
	v.SetDefault("devices_config_path", "./config/devices.yaml")

	// HTTP
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 15*time.Second)

	// API security
	v.SetDefault("api.auth_enabled", false)
	v.SetDefault("api.api_key", "")
	v.SetDefault("api.max_request_body_size", 65536)

	// MQTT
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "device-link")
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)
	v.SetDefault("mqtt.publish_timeout", 5*time.Second)
	v.SetDefault("mqtt.buffer_size", 10000)
	v.SetDefault("mqtt.topic_prefix", "devicelink")
	v.SetDefault("mqtt.command_acks", true)

	// Link
	v.SetDefault("link.command_interval", 2*time.Second)
	v.SetDefault("link.command_timeout", 10*time.Second)
	v.SetDefault("link.connect_timeout", 5*time.Second)
	v.SetDefault("link.recovery_timeout", 3*time.Second)
	v.SetDefault("link.deploy_timeout", 5*time.Second)
	v.SetDefault("link.reconnect_delay", 5*time.Second)
	v.SetDefault("link.reconnect_timeout", 5*time.Second)
	v.SetDefault("link.discovery_retry_delay", 5*time.Second)
	v.SetDefault("link.backoff_step", 5*time.Second)
	v.SetDefault("link.max_attempts", 10)
	v.SetDefault("link.device_connect_timeout", 10*time.Second)
	v.SetDefault("link.auto_off_dps", "20")

	// Modbus
	v.SetDefault("modbus.timeout", 5*time.Second)
	v.SetDefault("modbus.poll_interval", 1*time.Second)
	v.SetDefault("modbus.retry_attempts", 2)
	v.SetDefault("modbus.retry_delay", 100*time.Millisecond)
	v.SetDefault("modbus.default_port", 502)
	v.SetDefault("modbus.breaker_failures", 5)
	v.SetDefault("modbus.breaker_timeout", 30*time.Second)

	// Discovery
	v.SetDefault("discovery.domain", "local.")
	v.SetDefault("discovery.interface", "")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", false)
}

// bindEnvVars binds environment variables to config keys.
func bindEnvVars(v *viper.Viper) {
	// MQTT environment variables
	_ = v.BindEnv("mqtt.broker_url", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "MQTT_PASSWORD")
	_ = v.BindEnv("mqtt.client_id", "MQTT_CLIENT_ID")

	// General environment variables
	_ = v.BindEnv("environment", "ENVIRONMENT")
	_ = v.BindEnv("devices_config_path", "DEVICES_CONFIG_PATH")

	// HTTP
	_ = v.BindEnv("http.port", "HTTP_PORT")

	// API security
	_ = v.BindEnv("api.auth_enabled", "API_AUTH_ENABLED")
	_ = v.BindEnv("api.api_key", "API_KEY")

	// Logging
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
	_ = v.BindEnv("logging.output", "LOG_OUTPUT")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.MQTT.BrokerURL == "" {
		return fmt.Errorf("%w: MQTT broker URL is required", domain.ErrInvalidConfig)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("%w: MQTT qos must be 0, 1 or 2, got %d", domain.ErrInvalidConfig, c.MQTT.QoS)
	}
	if c.MQTT.TopicPrefix == "" || strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
		return fmt.Errorf("%w: invalid MQTT topic prefix %q", domain.ErrInvalidConfig, c.MQTT.TopicPrefix)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("%w: invalid HTTP port: %d", domain.ErrInvalidConfig, c.HTTP.Port)
	}
	if c.API.AuthEnabled && c.API.APIKey == "" {
		return fmt.Errorf("%w: api key is required when auth is enabled", domain.ErrInvalidConfig)
	}
	if c.Link.MaxAttempts <= 0 {
		return fmt.Errorf("%w: link max attempts must be positive", domain.ErrInvalidConfig)
	}
	if c.Link.AutoOffDPS == "" {
		return fmt.Errorf("%w: link auto_off_dps is required", domain.ErrInvalidConfig)
	}

	durations := map[string]time.Duration{
		"link.command_interval":       c.Link.CommandInterval,
		"link.command_timeout":        c.Link.CommandTimeout,
		"link.connect_timeout":        c.Link.ConnectTimeout,
		"link.recovery_timeout":       c.Link.RecoveryTimeout,
		"link.deploy_timeout":         c.Link.DeployTimeout,
		"link.reconnect_delay":        c.Link.ReconnectDelay,
		"link.reconnect_timeout":      c.Link.ReconnectTimeout,
		"link.discovery_retry_delay":  c.Link.DiscoveryRetryDelay,
		"link.backoff_step":           c.Link.BackoffStep,
		"link.device_connect_timeout": c.Link.DeviceConnectTimeout,
		"modbus.timeout":              c.Modbus.Timeout,
		"modbus.poll_interval":        c.Modbus.PollInterval,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", domain.ErrInvalidConfig, key, d)
		}
	}

	return nil
}
