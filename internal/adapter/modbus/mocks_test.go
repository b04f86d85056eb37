package modbus

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/nexus-edge/device-link/internal/domain"
	"github.com/rs/zerolog"
)

// fakeBus is an in-memory relay module.
type fakeBus struct {
	mu       sync.Mutex
	coils    map[uint16]bool
	readErr  error
	writeErr error
	reads    int
	writes   []coilWrite
	closed   bool
}

type coilWrite struct {
	address uint16
	value   uint16
}

func newFakeBus() *fakeBus {
	return &fakeBus{coils: make(map[uint16]bool)}
}

func (b *fakeBus) ReadCoils(address, quantity uint16) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads++
	if b.readErr != nil {
		return nil, b.readErr
	}
	out := make([]byte, (quantity+7)/8)
	for i := uint16(0); i < quantity; i++ {
		if b.coils[address+i] {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out, nil
}

func (b *fakeBus) WriteSingleCoil(address, value uint16) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return nil, b.writeErr
	}
	b.writes = append(b.writes, coilWrite{address: address, value: value})
	b.coils[address] = value == coilOn
	return nil, nil
}

func (b *fakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBus) set(address uint16, on bool) {
	b.mu.Lock()
	b.coils[address] = on
	b.mu.Unlock()
}

func (b *fakeBus) setReadErr(err error) {
	b.mu.Lock()
	b.readErr = err
	b.mu.Unlock()
}

func (b *fakeBus) setWriteErr(err error) {
	b.mu.Lock()
	b.writeErr = err
	b.mu.Unlock()
}

func (b *fakeBus) Writes() []coilWrite {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]coilWrite(nil), b.writes...)
}

func (b *fakeBus) Reads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reads
}

func (b *fakeBus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// fakeDialer hands out the same fakeBus on every dial.
type fakeDialer struct {
	mu    sync.Mutex
	bus   *fakeBus
	err   error
	dials int
}

func (d *fakeDialer) dial(ctx context.Context, config ClientConfig) (bus, io.Closer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, nil, d.err
	}
	return d.bus, d.bus, nil
}

type fakeResolver struct {
	address string
	err     error
	calls   []string
}

func (r *fakeResolver) Resolve(ctx context.Context, service, instance string) (string, error) {
	r.calls = append(r.calls, service+"/"+instance)
	return r.address, r.err
}

func relayDevice() *domain.Device {
	return &domain.Device{
		Identity:  domain.Identity{ID: "relay1", Name: "Garden Relay", Address: "10.0.0.20"},
		Transport: domain.TransportModbus,
		Modbus: domain.ModbusDeviceConfig{
			SlaveID:      1,
			Coils:        map[string]uint16{"1": 0, "2": 1, "20": 5},
			PollInterval: 10 * time.Millisecond,
		},
	}
}

func testPortConfig() PortConfig {
	cfg := DefaultPortConfig()
	cfg.MaxRetries = 0
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func newTestRelay(t *testing.T) (*RelayPort, *fakeBus, *fakeDialer, <-chan domain.PortEvent) {
	t.Helper()
	port, err := NewRelayPort(relayDevice(), testPortConfig(), nil, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewRelayPort() error = %v", err)
	}
	b := newFakeBus()
	dialer := &fakeDialer{bus: b}
	port.dial = dialer.dial
	port.probe = func(ctx context.Context, address string) error { return nil }

	events, unsubscribe := port.Subscribe()
	t.Cleanup(func() {
		port.Disconnect()
		unsubscribe()
	})
	return port, b, dialer, events
}

func nextEvent(t *testing.T, events <-chan domain.PortEvent) domain.PortEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no port event")
		return domain.PortEvent{}
	}
}

func waitForEvent(t *testing.T, events <-chan domain.PortEvent, typ domain.PortEventType) domain.PortEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
			return domain.PortEvent{}
		}
	}
}
