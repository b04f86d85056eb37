// Package domain contains core business entities.
package domain

import "errors"

// Device configuration errors.
var (
	ErrDeviceIDRequired      = errors.New("device ID is required")
	ErrDeviceNameRequired    = errors.New("device name is required")
	ErrTransportRequired     = errors.New("transport is required")
	ErrTransportNotSupported = errors.New("transport not supported")
	ErrAddressRequired       = errors.New("device address is required")
	ErrInvalidSlaveID        = errors.New("invalid slave ID")
	ErrInvalidAutoOff        = errors.New("auto-off duration must not be negative")
	ErrInvalidConfig         = errors.New("invalid configuration")
)

// Connection errors.
var (
	ErrDiscoveryFailed    = errors.New("device not found")
	ErrConnectFailed      = errors.New("connection failed")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrNotConnected       = errors.New("device not connected")
	ErrTransport          = errors.New("transport error")
	ErrRetriesExhausted   = errors.New("maximum retry attempts exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
)

// Command errors.
var (
	ErrUnknownCommand     = errors.New("unknown command")
	ErrInvalidCommandData = errors.New("invalid command data")
	ErrCommandDispatch    = errors.New("command dispatch failed")
	ErrCommandTimeout     = errors.New("command timed out")
	ErrUnknownDataPoint   = errors.New("unknown data point")
)

// Telemetry errors.
var (
	ErrInvalidRenameSchema = errors.New("invalid rename schema")
	ErrInvalidFilter       = errors.New("invalid command byte filter")
)

// MQTT errors.
var (
	ErrMQTTConnectionFailed = errors.New("MQTT connection failed")
	ErrMQTTPublishFailed    = errors.New("MQTT publish failed")
	ErrMQTTNotConnected     = errors.New("MQTT client not connected")
	ErrMQTTSubscribeFailed  = errors.New("MQTT subscribe failed")
)

// Service errors.
var (
	ErrLinkClosed     = errors.New("device link is closed")
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceExists   = errors.New("device already exists")
)
