// Package domain contains the core business entities and interfaces.
// These are transport-agnostic and represent the core concepts of the system.
package domain

import (
	"fmt"
	"time"
)

// ConnectionState represents the presumed state of the control connection to a device.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateFailed       ConnectionState = "failed"
)

// Transport selects the capability port implementation used to reach a device.
type Transport string

const (
	TransportMQTT   Transport = "mqtt"
	TransportModbus Transport = "modbus"
)

// Identity is the immutable identity of a device, supplied once at startup.
type Identity struct {
	// ID is the device identifier assigned by the vendor cloud
	ID string `json:"id" yaml:"id"`

	// Name is a human-readable name for the device
	Name string `json:"name" yaml:"name"`

	// Address is the network address (IP or host[:port]) of the device
	Address string `json:"address" yaml:"address"`

	// Key is the local authentication key. Never serialized to JSON.
	Key string `json:"-" yaml:"key"`

	// ProtocolVersion is the device firmware protocol version, e.g. "3.3"
	ProtocolVersion string `json:"protocol_version" yaml:"protocol_version"`
}

// Device is the full configuration of one managed device.
type Device struct {
	Identity `yaml:",inline"`

	// Transport specifies how the device is reached
	Transport Transport `json:"transport" yaml:"transport"`

	// Enabled indicates whether a link should be started for this device
	Enabled bool `json:"enabled" yaml:"enabled"`

	// RenameSchema is an optional JSON object mapping raw field keys to display keys
	RenameSchema string `json:"rename_schema,omitempty" yaml:"rename_schema,omitempty"`

	// CommandByteFilter restricts forwarded telemetry to the listed command bytes
	// (comma separated, e.g. "8,10"). Empty forwards everything.
	CommandByteFilter string `json:"filter_command_byte,omitempty" yaml:"filter_command_byte,omitempty"`

	// AutoOff turns the primary output off this long after each data event. Zero disables it.
	AutoOff time.Duration `json:"auto_off,omitempty" yaml:"auto_off,omitempty"`

	// MQTT holds settings for devices reached through an MQTT device bridge
	MQTT MQTTDeviceConfig `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`

	// Modbus holds settings for Modbus-TCP relay modules
	Modbus ModbusDeviceConfig `json:"modbus,omitempty" yaml:"modbus,omitempty"`

	// Metadata contains additional key-value pairs for this device
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// MQTTDeviceConfig holds settings for a device exposed by an MQTT bridge.
type MQTTDeviceConfig struct {
	// BaseTopic is the bridge topic root for this device, e.g. "tuya/<id>"
	BaseTopic string `json:"base_topic,omitempty" yaml:"base_topic,omitempty"`

	// PrimaryDPS is the data point driven by boolean commands and toggle
	PrimaryDPS string `json:"primary_dps,omitempty" yaml:"primary_dps,omitempty"`
}

// ModbusDeviceConfig holds settings for a Modbus-TCP relay module.
type ModbusDeviceConfig struct {
	// SlaveID is the Modbus unit ID (1-247)
	SlaveID uint8 `json:"slave_id,omitempty" yaml:"slave_id,omitempty"`

	// Coils maps data point ids to coil addresses
	Coils map[string]uint16 `json:"coils,omitempty" yaml:"coils,omitempty"`

	// PrimaryDPS is the data point driven by boolean commands and toggle
	PrimaryDPS string `json:"primary_dps,omitempty" yaml:"primary_dps,omitempty"`

	// PollInterval is how often coils are read to detect changes
	PollInterval time.Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`

	// MDNSInstance resolves the address through mDNS when Address is empty
	MDNSInstance string `json:"mdns_instance,omitempty" yaml:"mdns_instance,omitempty"`

	// MDNSService is the mDNS service type browsed for MDNSInstance
	MDNSService string `json:"mdns_service,omitempty" yaml:"mdns_service,omitempty"`
}

// Validate performs validation on the device configuration.
func (d *Device) Validate() error {
	if d.ID == "" {
		return ErrDeviceIDRequired
	}
	if d.Name == "" {
		return ErrDeviceNameRequired
	}
	if d.AutoOff < 0 {
		return ErrInvalidAutoOff
	}

	switch d.Transport {
	case TransportMQTT:
		if d.MQTT.BaseTopic == "" {
			return fmt.Errorf("%w: mqtt base_topic is required for device %q", ErrInvalidConfig, d.ID)
		}
	case TransportModbus:
		if d.Address == "" && d.Modbus.MDNSInstance == "" {
			return fmt.Errorf("%w: device %q", ErrAddressRequired, d.ID)
		}
		if d.Modbus.SlaveID == 0 || d.Modbus.SlaveID > 247 {
			return ErrInvalidSlaveID
		}
		if len(d.Modbus.Coils) == 0 {
			return fmt.Errorf("%w: at least one coil must be mapped for device %q", ErrInvalidConfig, d.ID)
		}
	case "":
		return ErrTransportRequired
	default:
		return fmt.Errorf("%w: %s", ErrTransportNotSupported, d.Transport)
	}
	return nil
}

// Snapshot returns the device snapshot embedded in output events.
func (d *Device) Snapshot(available bool) DeviceSnapshot {
	return DeviceSnapshot{
		Name:      d.Name,
		Address:   d.Address,
		ID:        d.ID,
		Available: available,
	}
}
