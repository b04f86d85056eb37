package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nexus-edge/device-link/internal/domain"
	"github.com/rs/zerolog"
)

// fakeClock is a manually advanced clock. Timers fire synchronously inside
// Advance; Sleep advances virtual time and returns immediately.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	sleeps []time.Duration
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return nil
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

// Pending returns the delays of timers that are neither stopped nor fired.
func (c *fakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.delay)
		}
	}
	return out
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// portCall records one call on mockPort.
type portCall struct {
	Method string
	Get    domain.GetOptions
	Set    domain.SetRequest
	At     time.Time
}

// mockPort is a CapabilityPort with configurable responses and call tracking.
// Connect and Disconnect publish the matching lifecycle event.
type mockPort struct {
	domain.EventBroker

	mu          sync.Mutex
	clock       Clock
	connected   bool
	calls       []portCall
	inFlight    int
	maxInFlight int

	DiscoverFunc   func(ctx context.Context, timeout time.Duration) error
	ConnectFunc    func(ctx context.Context) error
	DisconnectFunc func() error
	GetFunc        func(ctx context.Context, opts domain.GetOptions) (interface{}, error)
	SetFunc        func(ctx context.Context, req domain.SetRequest) error
	ToggleFunc     func(ctx context.Context) error
}

func newMockPort(clock Clock) *mockPort {
	return &mockPort{clock: clock}
}

func (m *mockPort) record(call portCall) func() {
	m.mu.Lock()
	if m.clock != nil {
		call.At = m.clock.Now()
	}
	m.calls = append(m.calls, call)
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}
}

func (m *mockPort) Discover(ctx context.Context, timeout time.Duration) error {
	defer m.record(portCall{Method: "Discover"})()
	if m.DiscoverFunc != nil {
		return m.DiscoverFunc(ctx, timeout)
	}
	return nil
}

func (m *mockPort) Connect(ctx context.Context) error {
	defer m.record(portCall{Method: "Connect"})()
	if m.ConnectFunc != nil {
		if err := m.ConnectFunc(ctx); err != nil {
			return err
		}
	}
	m.SetConnected(true)
	m.Publish(domain.PortEvent{Type: domain.EventConnected})
	return nil
}

func (m *mockPort) Disconnect() error {
	defer m.record(portCall{Method: "Disconnect"})()
	if m.DisconnectFunc != nil {
		if err := m.DisconnectFunc(); err != nil {
			return err
		}
	}
	m.SetConnected(false)
	m.Publish(domain.PortEvent{Type: domain.EventDisconnected})
	return nil
}

func (m *mockPort) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockPort) SetConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *mockPort) Get(ctx context.Context, opts domain.GetOptions) (interface{}, error) {
	defer m.record(portCall{Method: "Get", Get: opts})()
	if m.GetFunc != nil {
		return m.GetFunc(ctx, opts)
	}
	return map[string]interface{}{}, nil
}

func (m *mockPort) Set(ctx context.Context, req domain.SetRequest) error {
	defer m.record(portCall{Method: "Set", Set: req})()
	if m.SetFunc != nil {
		return m.SetFunc(ctx, req)
	}
	return nil
}

func (m *mockPort) Toggle(ctx context.Context) error {
	defer m.record(portCall{Method: "Toggle"})()
	if m.ToggleFunc != nil {
		return m.ToggleFunc(ctx)
	}
	return nil
}

// Calls returns the recorded calls, optionally filtered by method.
func (m *mockPort) Calls(method string) []portCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []portCall
	for _, c := range m.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (m *mockPort) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

// connectCall records one call on mockConnector.
type connectCall struct {
	Method  string
	Timeout time.Duration
	Reason  string
}

type mockConnector struct {
	mu    sync.Mutex
	calls []connectCall
	err   error
}

func (c *mockConnector) RequestConnect(timeout time.Duration, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, connectCall{Method: "RequestConnect", Timeout: timeout, Reason: reason})
	return c.err
}

func (c *mockConnector) ManualConnect(timeout time.Duration, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, connectCall{Method: "ManualConnect", Timeout: timeout, Reason: reason})
	return c.err
}

func (c *mockConnector) Disconnect(teardown bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	reason := "keep-reconnect"
	if teardown {
		reason = "teardown"
	}
	c.calls = append(c.calls, connectCall{Method: "Disconnect", Reason: reason})
	return nil
}

func (c *mockConnector) Calls() []connectCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]connectCall(nil), c.calls...)
}

// statusRecorder collects reported statuses.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []domain.Status
}

func (r *statusRecorder) report(s domain.Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, s)
	r.mu.Unlock()
}

func (r *statusRecorder) Categories() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.statuses))
	for i, s := range r.statuses {
		out[i] = s.Category
	}
	return out
}

func (r *statusRecorder) Has(category string) bool {
	for _, c := range r.Categories() {
		if c == category {
			return true
		}
	}
	return false
}

// sinkRecorder implements EventSink and StatusSink.
type sinkRecorder struct {
	statusRecorder
	mu     sync.Mutex
	events []*domain.OutputEvent
}

func (s *sinkRecorder) PublishEvent(_ *domain.Device, ev *domain.OutputEvent) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *sinkRecorder) PublishStatus(_ *domain.Device, st domain.Status) error {
	s.report(st)
	return nil
}

func (s *sinkRecorder) Events() []*domain.OutputEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.OutputEvent(nil), s.events...)
}

func testDevice() *domain.Device {
	return &domain.Device{
		Identity:  domain.Identity{ID: "bf1234", Name: "Desk Lamp", Address: "192.168.1.40", Key: "secret"},
		Transport: domain.TransportMQTT,
		Enabled:   true,
		MQTT:      domain.MQTTDeviceConfig{BaseTopic: "tuya/bf1234"},
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
