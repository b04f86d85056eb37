// Package service provides the per-device link core: connection supervision,
// the serialized command queue and telemetry adaptation.
package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/device-link/internal/domain"
	"github.com/nexus-edge/device-link/internal/metrics"
	"github.com/nexus-edge/device-link/pkg/logging"
	"github.com/rs/zerolog"
)

// EventSink receives output events for the host.
type EventSink interface {
	PublishEvent(device *domain.Device, event *domain.OutputEvent) error
}

// StatusSink receives status updates for the host.
type StatusSink interface {
	PublishStatus(device *domain.Device, status domain.Status) error
}

// LinkConfig holds the timings for a device link.
type LinkConfig struct {
	Supervisor SupervisorConfig
	Queue      QueueConfig

	// DeployTimeout is the discovery timeout of the initial connection request
	DeployTimeout time.Duration

	// AutoOffDPS is the data point switched off by the auto-off timer
	AutoOffDPS string
}

// DefaultLinkConfig returns the standard link timings.
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		Supervisor:    DefaultSupervisorConfig(),
		Queue:         DefaultQueueConfig(),
		DeployTimeout: 5 * time.Second,
		AutoOffDPS:    DefaultAutoOffDPS,
	}
}

// LinkOption customizes a Link.
type LinkOption func(*Link)

// WithClock replaces the wall clock.
func WithClock(clock Clock) LinkOption {
	return func(l *Link) { l.clock = clock }
}

// LinkSnapshot is the externally visible state of a link.
type LinkSnapshot struct {
	Device      domain.Identity        `json:"device"`
	Transport   domain.Transport       `json:"transport"`
	State       domain.ConnectionState `json:"state"`
	Available   bool                   `json:"available"`
	Attempts    int                    `json:"attempts"`
	MaxAttempts int                    `json:"max_attempts"`
	Status      domain.Status          `json:"status"`
	QueueDepth  int                    `json:"queue_depth"`
	Draining    bool                   `json:"draining"`
	LastEvent   time.Time              `json:"last_event,omitempty"`
	Stats       map[string]uint64      `json:"stats"`
	Port        interface{}            `json:"port,omitempty"`
}

// diagnoser is implemented by ports that expose transport diagnostics.
type diagnoser interface {
	Diagnostics() interface{}
}

// Link owns everything attached to one device: the capability port
// subscription, the supervisor, the command queue and the telemetry adapter.
type Link struct {
	device     *domain.Device
	port       domain.CapabilityPort
	config     LinkConfig
	clock      Clock
	events     EventSink
	statuses   StatusSink
	logger     zerolog.Logger
	metrics    *metrics.Registry
	supervisor *Supervisor
	queue      *CommandQueue
	telemetry  *TelemetryAdapter

	started atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
	unsub   func()
	wg      sync.WaitGroup

	mu         sync.RWMutex
	lastStatus domain.Status
	lastEvent  time.Time
}

// NewLink wires a link for device over port. Sinks may be nil.
func NewLink(
	device *domain.Device,
	port domain.CapabilityPort,
	config LinkConfig,
	events EventSink,
	statuses StatusSink,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
	opts ...LinkOption,
) *Link {
	l := &Link{
		device:   device,
		port:     port,
		config:   config,
		clock:    RealClock(),
		events:   events,
		statuses: statuses,
		logger:   logging.WithDeviceContext(logger, device.ID, device.Name).With().Str("component", "link").Logger(),
		metrics:  metricsReg,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	base := logging.WithDeviceContext(logger, device.ID, device.Name)
	l.supervisor = NewSupervisor(device, port, config.Supervisor, l.clock, l.reportStatus, base, metricsReg)
	l.queue = NewCommandQueue(device, port, l.supervisor, config.Queue, l.clock, l.reportStatus, base, metricsReg)
	l.telemetry = NewTelemetryAdapter(device, TelemetryConfig{
		RenameSchema:      device.RenameSchema,
		CommandByteFilter: device.CommandByteFilter,
		AutoOff:           device.AutoOff,
		AutoOffDPS:        config.AutoOffDPS,
	}, l.queue.Enqueue, l.emitEvent, l.clock, l.reportStatus, base, metricsReg)

	return l
}

// Device returns the device configuration.
func (l *Link) Device() *domain.Device {
	return l.device
}

// Start subscribes to the port and issues the deploy connection request.
// It does not wait for the connection.
func (l *Link) Start(ctx context.Context) error {
	if l.closed.Load() {
		return domain.ErrLinkClosed
	}
	if !l.started.CompareAndSwap(false, true) {
		return nil
	}

	events, unsubscribe := l.port.Subscribe()
	l.unsub = unsubscribe

	l.wg.Add(2)
	go l.pump(events)
	go func() {
		defer l.wg.Done()
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := l.supervisor.RequestConnect(l.config.DeployTimeout, "deploy"); err != nil {
			l.logger.Debug().Err(err).Msg("Initial connection request did not succeed")
		}
	}()

	l.logger.Info().Str("transport", string(l.device.Transport)).Msg("Device link started")
	return nil
}

// Enqueue queues a command for the device.
func (l *Link) Enqueue(cmd domain.Command) error {
	if l.closed.Load() {
		return domain.ErrLinkClosed
	}
	return l.queue.Enqueue(cmd)
}

// Reconnect queues a manual connect, which also resets an exhausted retry budget.
func (l *Link) Reconnect() error {
	cmd := domain.Connect()
	cmd.Source = "manual"
	return l.Enqueue(cmd)
}

// State returns the supervisor's connection state.
func (l *Link) State() domain.ConnectionState {
	return l.supervisor.State()
}

// Snapshot returns the link state for the API.
func (l *Link) Snapshot() LinkSnapshot {
	l.mu.RLock()
	status := l.lastStatus
	lastEvent := l.lastEvent
	l.mu.RUnlock()

	snap := LinkSnapshot{
		Device:      l.device.Identity,
		Transport:   l.device.Transport,
		State:       l.supervisor.State(),
		Available:   l.telemetry.Available(),
		Attempts:    l.supervisor.Attempts(),
		MaxAttempts: l.config.Supervisor.MaxAttempts,
		Status:      status,
		QueueDepth:  l.queue.Len(),
		Draining:    l.queue.Draining(),
		LastEvent:   lastEvent,
		Stats:       l.queue.Stats(),
	}
	if d, ok := l.port.(diagnoser); ok {
		snap.Port = d.Diagnostics()
	}
	return snap
}

// HealthCheck fails when the link gave up reconnecting or was closed.
func (l *Link) HealthCheck(ctx context.Context) error {
	if l.closed.Load() {
		return domain.ErrLinkClosed
	}
	if l.supervisor.State() == domain.StateFailed {
		return domain.ErrRetriesExhausted
	}
	return nil
}

// Close tears the link down. removed distinguishes device removal from a redeploy.
func (l *Link) Close(removed bool) {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}

	l.logger.Info().Bool("removed", removed).Msg("Closing device link")
	if l.port.IsConnected() {
		if err := l.supervisor.Disconnect(true); err != nil {
			l.logger.Warn().Err(err).Msg("Disconnect during teardown failed")
		}
	} else {
		l.logger.Info().Msg("Device not connected, nothing to disconnect")
	}

	l.supervisor.Close()
	l.queue.Close()
	l.telemetry.Close()

	close(l.done)
	if l.unsub != nil {
		l.unsub()
	}
	l.wg.Wait()
}

// pump handles port events strictly in arrival order.
func (l *Link) pump(events <-chan domain.PortEvent) {
	defer l.wg.Done()

	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			l.handleEvent(ev)
		}
	}
}

func (l *Link) handleEvent(ev domain.PortEvent) {
	l.mu.Lock()
	l.lastEvent = ev.Time
	l.mu.Unlock()

	switch ev.Type {
	case domain.EventConnected:
		l.supervisor.OnConnected()
	case domain.EventDisconnected:
		l.supervisor.OnDisconnected()
		l.telemetry.OnDisconnected()
	case domain.EventError:
		l.supervisor.OnError(ev.Err)
	case domain.EventData:
		l.telemetry.OnData(ev.Data, ev.CommandByte)
	default:
		l.logger.Debug().Str("type", string(ev.Type)).Msg("Ignoring unknown port event")
	}
}

func (l *Link) reportStatus(status domain.Status) {
	l.mu.Lock()
	l.lastStatus = status
	l.mu.Unlock()

	l.logger.Debug().Str("status", status.Text()).Msg("Status updated")
	if l.statuses == nil {
		return
	}
	if err := l.statuses.PublishStatus(l.device, status); err != nil {
		l.logger.Debug().Err(err).Msg("Failed to publish status")
	}
}

func (l *Link) emitEvent(event *domain.OutputEvent) {
	if l.events == nil {
		return
	}
	if err := l.events.PublishEvent(l.device, event); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to publish event")
	}
}
