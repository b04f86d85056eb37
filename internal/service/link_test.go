package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nexus-edge/device-link/internal/domain"
)

func newTestLink(t *testing.T, device *domain.Device) (*Link, *mockPort, *fakeClock, *sinkRecorder) {
	t.Helper()
	clock := newFakeClock()
	port := newMockPort(clock)
	sink := &sinkRecorder{}
	link := NewLink(device, port, DefaultLinkConfig(), sink, sink, testLogger(), nil, WithClock(clock))
	t.Cleanup(func() { link.Close(false) })
	return link, port, clock, sink
}

func TestLink_StartConnects(t *testing.T) {
	link, port, _, sink := newTestLink(t, testDevice())

	if err := link.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "connected state", func() bool { return link.State() == domain.StateConnected })

	if got := len(port.Calls("Discover")); got != 1 {
		t.Errorf("Discover calls = %d, want 1", got)
	}
	waitFor(t, "connected status", func() bool { return sink.Has(domain.StatusConnected) })

	snap := link.Snapshot()
	if snap.Status.Category != domain.StatusConnected {
		t.Errorf("Snapshot().Status = %+v", snap.Status)
	}
	if snap.Device.ID != "bf1234" || snap.MaxAttempts != 10 {
		t.Errorf("Snapshot() = %+v", snap)
	}
}

func TestLink_DataEventsReachSink(t *testing.T) {
	device := testDevice()
	device.RenameSchema = `{"1":"power"}`
	link, port, _, sink := newTestLink(t, device)
	link.Start(context.Background())
	waitFor(t, "connected state", func() bool { return link.State() == domain.StateConnected })

	port.Publish(domain.PortEvent{Type: domain.EventData, Data: map[string]interface{}{"1": true}, CommandByte: intPtr(8)})

	waitFor(t, "data event", func() bool { return len(sink.Events()) == 1 })
	ev := sink.Events()[0]
	if ev.Payload["power"] != true || !ev.Device.Available {
		t.Errorf("event = %+v", ev)
	}
	if !link.Snapshot().Available {
		t.Error("Snapshot().Available = false after data")
	}
}

func TestLink_DisconnectEventSchedulesReconnect(t *testing.T) {
	link, port, clock, sink := newTestLink(t, testDevice())
	link.Start(context.Background())
	waitFor(t, "connected state", func() bool { return link.State() == domain.StateConnected })

	port.SetConnected(false)
	port.Publish(domain.PortEvent{Type: domain.EventDisconnected})

	waitFor(t, "unavailable event", func() bool {
		events := sink.Events()
		return len(events) == 1 && !events[0].Device.Available
	})
	waitFor(t, "reconnect timer", func() bool { return len(clock.Pending()) == 1 })

	clock.Advance(5 * time.Second)
	if got := len(port.Calls("Discover")); got != 2 {
		t.Errorf("Discover calls = %d, want 2", got)
	}
}

func TestLink_EnqueueDispatches(t *testing.T) {
	link, port, _, _ := newTestLink(t, testDevice())
	link.Start(context.Background())

	if err := link.Enqueue(domain.Toggle()); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitFor(t, "toggle", func() bool { return len(port.Calls("Toggle")) == 1 })
}

func TestLink_CloseTearsDown(t *testing.T) {
	link, port, clock, _ := newTestLink(t, testDevice())
	link.Start(context.Background())
	waitFor(t, "connected state", func() bool { return link.State() == domain.StateConnected })

	link.Close(true)

	if got := len(port.Calls("Disconnect")); got != 1 {
		t.Errorf("Disconnect calls = %d, want 1", got)
	}
	if got := clock.Pending(); len(got) != 0 {
		t.Errorf("pending timers after Close = %v, want none", got)
	}
	if err := link.Enqueue(domain.Toggle()); !errors.Is(err, domain.ErrLinkClosed) {
		t.Errorf("Enqueue() after Close error = %v, want ErrLinkClosed", err)
	}
	if err := link.HealthCheck(context.Background()); !errors.Is(err, domain.ErrLinkClosed) {
		t.Errorf("HealthCheck() after Close error = %v, want ErrLinkClosed", err)
	}

	// Idempotent.
	link.Close(true)
}

func TestLink_CloseWhenNotConnected(t *testing.T) {
	link, port, _, _ := newTestLink(t, testDevice())

	link.Close(false)

	if got := len(port.Calls("Disconnect")); got != 0 {
		t.Errorf("Disconnect calls = %d, want 0", got)
	}
}

func TestLink_HealthCheckFailsWhenExhausted(t *testing.T) {
	link, port, _, _ := newTestLink(t, testDevice())
	link.Start(context.Background())
	waitFor(t, "connected state", func() bool { return link.State() == domain.StateConnected })

	port.SetConnected(false)
	for i := 0; i <= link.config.Supervisor.MaxAttempts; i++ {
		port.Publish(domain.PortEvent{Type: domain.EventError, Err: refused(true)})
	}
	waitFor(t, "failed state", func() bool { return link.State() == domain.StateFailed })

	if err := link.HealthCheck(context.Background()); !errors.Is(err, domain.ErrRetriesExhausted) {
		t.Errorf("HealthCheck() error = %v, want ErrRetriesExhausted", err)
	}

	if err := link.Reconnect(); err != nil {
		t.Fatalf("Reconnect() error = %v", err)
	}
	waitFor(t, "reconnected", func() bool { return link.State() == domain.StateConnected })
}
