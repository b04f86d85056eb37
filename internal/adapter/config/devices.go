package config

import (
	"fmt"
	"os"
	"time"

	"github.com/nexus-edge/device-link/internal/domain"
	"gopkg.in/yaml.v3"
)

// DeviceConfig represents the YAML structure for device configuration.
type DeviceConfig struct {
	ID                string            `yaml:"id"`
	Name              string            `yaml:"name"`
	Key               string            `yaml:"key,omitempty"`
	Address           string            `yaml:"address,omitempty"`
	ProtocolVersion   string            `yaml:"protocol_version,omitempty"`
	Transport         string            `yaml:"transport"`
	Enabled           *bool             `yaml:"enabled,omitempty"`
	RenameSchema      string            `yaml:"rename_schema,omitempty"`
	FilterCommandByte string            `yaml:"filter_command_byte,omitempty"`
	AutoOffSeconds    int               `yaml:"auto_off_seconds,omitempty"`
	MQTT              MQTTDeviceYAML    `yaml:"mqtt,omitempty"`
	Modbus            ModbusDeviceYAML  `yaml:"modbus,omitempty"`
	Metadata          map[string]string `yaml:"metadata,omitempty"`
}

// MQTTDeviceYAML holds the mqtt section of a device entry.
type MQTTDeviceYAML struct {
	BaseTopic  string `yaml:"base_topic,omitempty"`
	PrimaryDPS string `yaml:"primary_dps,omitempty"`
}

// ModbusDeviceYAML holds the modbus section of a device entry.
type ModbusDeviceYAML struct {
	SlaveID      int               `yaml:"slave_id,omitempty"`
	Coils        map[string]uint16 `yaml:"coils,omitempty"`
	PrimaryDPS   string            `yaml:"primary_dps,omitempty"`
	PollInterval string            `yaml:"poll_interval,omitempty"`
	MDNSInstance string            `yaml:"mdns_instance,omitempty"`
	MDNSService  string            `yaml:"mdns_service,omitempty"`
}

// DevicesFile represents the top-level devices configuration file.
type DevicesFile struct {
	Version string         `yaml:"version"`
	Devices []DeviceConfig `yaml:"devices"`
}

// LoadDevices loads device configurations from a YAML file.
func LoadDevices(path string) ([]*domain.Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read devices file: %w", err)
	}
	return ParseDevices(data)
}

// ParseDevices decodes and validates a devices document.
func ParseDevices(data []byte) ([]*domain.Device, error) {
	var file DevicesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse devices file: %w", err)
	}

	// Track seen IDs to detect duplicates
	seenIDs := make(map[string]int)
	devices := make([]*domain.Device, 0, len(file.Devices))

	for idx, dc := range file.Devices {
		if prevIdx, exists := seenIDs[dc.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate device ID '%s' at index %d (first seen at index %d)",
				domain.ErrInvalidConfig, dc.ID, idx, prevIdx)
		}
		seenIDs[dc.ID] = idx

		device, err := convertDeviceConfig(dc)
		if err != nil {
			return nil, fmt.Errorf("error in device %s: %w", dc.ID, err)
		}
		if err := device.Validate(); err != nil {
			return nil, fmt.Errorf("error in device %s: %w", dc.ID, err)
		}
		devices = append(devices, device)
	}

	return devices, nil
}

// convertDeviceConfig converts a DeviceConfig to a domain.Device.
func convertDeviceConfig(dc DeviceConfig) (*domain.Device, error) {
	if dc.AutoOffSeconds < 0 {
		return nil, domain.ErrInvalidAutoOff
	}
	if dc.Modbus.SlaveID < 0 || dc.Modbus.SlaveID > 255 {
		return nil, domain.ErrInvalidSlaveID
	}

	var poll time.Duration
	if dc.Modbus.PollInterval != "" {
		d, err := time.ParseDuration(dc.Modbus.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid poll_interval %q", domain.ErrInvalidConfig, dc.Modbus.PollInterval)
		}
		poll = d
	}

	enabled := true
	if dc.Enabled != nil {
		enabled = *dc.Enabled
	}

	return &domain.Device{
		Identity: domain.Identity{
			ID:              dc.ID,
			Name:            dc.Name,
			Address:         dc.Address,
			Key:             dc.Key,
			ProtocolVersion: dc.ProtocolVersion,
		},
		Transport:         domain.Transport(dc.Transport),
		Enabled:           enabled,
		RenameSchema:      dc.RenameSchema,
		CommandByteFilter: dc.FilterCommandByte,
		AutoOff:           time.Duration(dc.AutoOffSeconds) * time.Second,
		MQTT: domain.MQTTDeviceConfig{
			BaseTopic:  dc.MQTT.BaseTopic,
			PrimaryDPS: dc.MQTT.PrimaryDPS,
		},
		Modbus: domain.ModbusDeviceConfig{
			SlaveID:      uint8(dc.Modbus.SlaveID),
			Coils:        dc.Modbus.Coils,
			PrimaryDPS:   dc.Modbus.PrimaryDPS,
			PollInterval: poll,
			MDNSInstance: dc.Modbus.MDNSInstance,
			MDNSService:  dc.Modbus.MDNSService,
		},
		Metadata: dc.Metadata,
	}, nil
}

// SaveDevices saves device configurations to a YAML file.
func SaveDevices(path string, devices []*domain.Device) error {
	configs := make([]DeviceConfig, 0, len(devices))
	for _, device := range devices {
		configs = append(configs, convertToDeviceConfig(device))
	}

	file := DevicesFile{
		Version: "1.0",
		Devices: configs,
	}

	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("failed to marshal devices: %w", err)
	}

	// Local keys are stored in this file
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write devices file: %w", err)
	}

	return nil
}

// convertToDeviceConfig converts a domain.Device to a DeviceConfig.
func convertToDeviceConfig(device *domain.Device) DeviceConfig {
	enabled := device.Enabled
	dc := DeviceConfig{
		ID:                device.ID,
		Name:              device.Name,
		Key:               device.Key,
		Address:           device.Address,
		ProtocolVersion:   device.ProtocolVersion,
		Transport:         string(device.Transport),
		Enabled:           &enabled,
		RenameSchema:      device.RenameSchema,
		FilterCommandByte: device.CommandByteFilter,
		AutoOffSeconds:    int(device.AutoOff / time.Second),
		MQTT: MQTTDeviceYAML{
			BaseTopic:  device.MQTT.BaseTopic,
			PrimaryDPS: device.MQTT.PrimaryDPS,
		},
		Modbus: ModbusDeviceYAML{
			SlaveID:      int(device.Modbus.SlaveID),
			Coils:        device.Modbus.Coils,
			PrimaryDPS:   device.Modbus.PrimaryDPS,
			MDNSInstance: device.Modbus.MDNSInstance,
			MDNSService:  device.Modbus.MDNSService,
		},
		Metadata: device.Metadata,
	}
	if device.Modbus.PollInterval > 0 {
		dc.Modbus.PollInterval = device.Modbus.PollInterval.String()
	}
	return dc
}
