//go:build integration
// +build integration

// Package mqtt_test runs the host bridge and the MQTT device port against a real broker.
package mqtt_test

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-edge/device-link/internal/adapter/mqtt"
	"github.com/nexus-edge/device-link/internal/adapter/mqttdevice"
	"github.com/nexus-edge/device-link/internal/domain"
	"github.com/nexus-edge/device-link/testing/integration"
	"github.com/rs/zerolog"
)

type recordingRouter struct {
	mu   sync.Mutex
	cmds []domain.Command
}

func (r *recordingRouter) Enqueue(_ string, cmd domain.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
	return nil
}

func (r *recordingRouter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cmds)
}

func newPublisher(t *testing.T, cfg integration.TestConfig) *mqtt.Publisher {
	t.Helper()
	integration.SkipIfUnreachable(t, cfg.MQTTHost, cfg.MQTTPort)

	pubCfg := mqtt.DefaultConfig()
	pubCfg.BrokerURL = cfg.MQTTBrokerURL()
	pubCfg.ClientID = "devicelink-it-" + uuid.NewString()[:8]
	pubCfg.TopicPrefix = "devicelink-it"

	p, err := mqtt.NewPublisher(pubCfg, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	ctx, cancel := integration.ContextWithTestTimeout(t)
	defer cancel()
	if err := p.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(p.Disconnect)
	return p
}

func TestCommandRoundTrip(t *testing.T) {
	p := newPublisher(t, integration.DefaultConfig())
	router := &recordingRouter{}

	cmdCfg := mqtt.DefaultCommandConfig()
	cmdCfg.TopicPrefix = "devicelink-it"
	h := mqtt.NewCommandHandler(p.Client(), router, cmdCfg, zerolog.Nop(), nil)
	if err := h.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.Stop()

	token := p.Client().Publish(mqtt.CommandTopic("devicelink-it", "lamp"), 1, false, `"toggle"`)
	token.Wait()
	if token.Error() != nil {
		t.Fatalf("publish command: %v", token.Error())
	}

	integration.WaitForCondition(t, func() bool { return router.count() == 1 }, 5*time.Second, "command routed")
}

func TestDevicePortOverBroker(t *testing.T) {
	p := newPublisher(t, integration.DefaultConfig())
	base := "devicelink-it/bridge/" + uuid.NewString()[:8]

	device := &domain.Device{
		Identity:  domain.Identity{ID: "lamp", Name: "Lamp"},
		Transport: domain.TransportMQTT,
		MQTT:      domain.MQTTDeviceConfig{BaseTopic: base},
	}
	port := mqttdevice.NewPort(device, p.Client(), mqttdevice.DefaultConfig(), zerolog.Nop())
	events, unsubscribe := port.Subscribe()
	defer unsubscribe()

	// Retained announcement from the device bridge
	p.Client().Publish(base+"/availability", 1, true, "online").Wait()
	defer p.Client().Publish(base+"/availability", 1, true, "").Wait()

	ctx, cancel := integration.ContextWithTestTimeout(t)
	defer cancel()

	if err := port.Discover(ctx, 5*time.Second); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if err := port.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer port.Disconnect()

	p.Client().Publish(base+"/dps", 1, false, `{"dps":{"1":true},"commandByte":8}`).Wait()

	integration.WaitForCondition(t, func() bool {
		for {
			select {
			case ev := <-events:
				if ev.Type == domain.EventData && ev.CommandByte != nil && *ev.CommandByte == 8 {
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, "data event from bridge")
}
