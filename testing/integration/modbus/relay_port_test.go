//go:build integration
// +build integration

// Package modbus_test runs the relay port against a Modbus-TCP simulator.
package modbus_test

import (
	"testing"
	"time"

	"github.com/nexus-edge/device-link/internal/adapter/modbus"
	"github.com/nexus-edge/device-link/internal/domain"
	"github.com/nexus-edge/device-link/testing/integration"
	"github.com/rs/zerolog"
)

func newRelayPort(t *testing.T, cfg integration.TestConfig) *modbus.RelayPort {
	t.Helper()
	integration.SkipIfUnreachable(t, cfg.ModbusHost, cfg.ModbusPort)

	device := &domain.Device{
		Identity:  domain.Identity{ID: "relay-it", Name: "Simulator relay", Address: cfg.ModbusAddress()},
		Transport: domain.TransportModbus,
		Modbus: domain.ModbusDeviceConfig{
			SlaveID:      1,
			Coils:        map[string]uint16{"1": 0, "2": 1, "20": 8},
			PollInterval: 100 * time.Millisecond,
		},
	}
	port, err := modbus.NewRelayPort(device, modbus.DefaultPortConfig(), nil, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewRelayPort() error = %v", err)
	}
	return port
}

func TestRelayPortLifecycle(t *testing.T) {
	port := newRelayPort(t, integration.DefaultConfig())
	events, unsubscribe := port.Subscribe()
	defer unsubscribe()

	ctx, cancel := integration.ContextWithTestTimeout(t)
	defer cancel()

	if err := port.Discover(ctx, 5*time.Second); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if err := port.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer port.Disconnect()

	integration.WaitForCondition(t, port.IsConnected, 5*time.Second, "port connected")

	if err := port.Set(ctx, domain.SetRequest{DPS: "2", Value: true}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	value, err := port.Get(ctx, domain.GetOptions{DPS: "2"})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if value != true {
		t.Errorf("coil 2 = %v, want true", value)
	}

	if err := port.Set(ctx, domain.SetRequest{Multiple: true, Data: map[string]interface{}{"1": false, "20": "on"}}); err != nil {
		t.Fatalf("Set(multiple) error = %v", err)
	}
	if err := port.Toggle(ctx); err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	value, err = port.Get(ctx, domain.GetOptions{})
	if err != nil {
		t.Fatalf("Get(primary) error = %v", err)
	}
	if value != true {
		t.Errorf("primary after toggle = %v, want true", value)
	}

	sawData := false
	integration.WaitForCondition(t, func() bool {
		for {
			select {
			case ev := <-events:
				if ev.Type == domain.EventData {
					sawData = true
				}
			default:
				return sawData
			}
		}
	}, 5*time.Second, "data event after writes")
}
