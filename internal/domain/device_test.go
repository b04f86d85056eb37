package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/nexus-edge/device-link/internal/domain"
)

func TestDevice_Validate(t *testing.T) {
	mqttDevice := func() domain.Device {
		return domain.Device{
			Identity:  domain.Identity{ID: "bf1234", Name: "Desk Lamp", Address: "192.168.1.40"},
			Transport: domain.TransportMQTT,
			MQTT:      domain.MQTTDeviceConfig{BaseTopic: "tuya/bf1234"},
		}
	}
	modbusDevice := func() domain.Device {
		return domain.Device{
			Identity:  domain.Identity{ID: "relay-1", Name: "Pump Relay", Address: "10.0.0.5:502"},
			Transport: domain.TransportModbus,
			Modbus: domain.ModbusDeviceConfig{
				SlaveID: 1,
				Coils:   map[string]uint16{"1": 0},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(d *domain.Device)
		base    func() domain.Device
		wantErr error
	}{
		{name: "valid mqtt device", base: mqttDevice},
		{name: "valid modbus device", base: modbusDevice},
		{
			name: "modbus device resolved by mdns",
			base: modbusDevice,
			mutate: func(d *domain.Device) {
				d.Address = ""
				d.Modbus.MDNSInstance = "relay-1"
			},
		},
		{
			name:    "missing device ID",
			base:    mqttDevice,
			mutate:  func(d *domain.Device) { d.ID = "" },
			wantErr: domain.ErrDeviceIDRequired,
		},
		{
			name:    "missing device name",
			base:    mqttDevice,
			mutate:  func(d *domain.Device) { d.Name = "" },
			wantErr: domain.ErrDeviceNameRequired,
		},
		{
			name:    "negative auto off",
			base:    mqttDevice,
			mutate:  func(d *domain.Device) { d.AutoOff = -time.Second },
			wantErr: domain.ErrInvalidAutoOff,
		},
		{
			name:    "missing transport",
			base:    mqttDevice,
			mutate:  func(d *domain.Device) { d.Transport = "" },
			wantErr: domain.ErrTransportRequired,
		},
		{
			name:    "unsupported transport",
			base:    mqttDevice,
			mutate:  func(d *domain.Device) { d.Transport = "zigbee" },
			wantErr: domain.ErrTransportNotSupported,
		},
		{
			name:    "mqtt without base topic",
			base:    mqttDevice,
			mutate:  func(d *domain.Device) { d.MQTT.BaseTopic = "" },
			wantErr: domain.ErrInvalidConfig,
		},
		{
			name: "modbus without address",
			base: modbusDevice,
			mutate: func(d *domain.Device) {
				d.Address = ""
			},
			wantErr: domain.ErrAddressRequired,
		},
		{
			name:    "modbus slave id zero",
			base:    modbusDevice,
			mutate:  func(d *domain.Device) { d.Modbus.SlaveID = 0 },
			wantErr: domain.ErrInvalidSlaveID,
		},
		{
			name:    "modbus slave id out of range",
			base:    modbusDevice,
			mutate:  func(d *domain.Device) { d.Modbus.SlaveID = 248 },
			wantErr: domain.ErrInvalidSlaveID,
		},
		{
			name:    "modbus without coils",
			base:    modbusDevice,
			mutate:  func(d *domain.Device) { d.Modbus.Coils = nil },
			wantErr: domain.ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device := tt.base()
			if tt.mutate != nil {
				tt.mutate(&device)
			}
			err := device.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Device.Validate() unexpected error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Device.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDevice_Snapshot(t *testing.T) {
	device := &domain.Device{
		Identity: domain.Identity{ID: "bf1234", Name: "Desk Lamp", Address: "192.168.1.40", Key: "secret"},
	}

	snap := device.Snapshot(true)
	want := domain.DeviceSnapshot{Name: "Desk Lamp", Address: "192.168.1.40", ID: "bf1234", Available: true}
	if snap != want {
		t.Errorf("Snapshot() = %+v, want %+v", snap, want)
	}
	if device.Snapshot(false).Available {
		t.Error("Snapshot(false).Available = true, want false")
	}
}
