package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-edge/device-link/internal/domain"
	"github.com/nexus-edge/device-link/internal/metrics"
	"github.com/rs/zerolog"
)

// SupervisorConfig holds the connection supervisor timings.
type SupervisorConfig struct {
	// ReconnectDelay is the delay of the single reconnect scheduled after a disconnect
	ReconnectDelay time.Duration

	// DiscoveryRetryDelay is the fixed delay between failed discovery attempts
	DiscoveryRetryDelay time.Duration

	// BackoffStep is multiplied by the attempt number for network-error retries
	BackoffStep time.Duration

	// MaxAttempts bounds consecutive network-error retries
	MaxAttempts int

	// ReconnectTimeout is the discovery timeout used by scheduled reconnects
	ReconnectTimeout time.Duration

	// ConnectTimeout bounds the Connect call after a successful discovery
	ConnectTimeout time.Duration
}

// DefaultSupervisorConfig returns the standard timings.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		ReconnectDelay:      5 * time.Second,
		DiscoveryRetryDelay: 5 * time.Second,
		BackoffStep:         5 * time.Second,
		MaxAttempts:         10,
		ReconnectTimeout:    5 * time.Second,
		ConnectTimeout:      10 * time.Second,
	}
}

// Supervisor owns the connection lifecycle of one device: discovery and connect
// attempts, reconnect scheduling and the retry budget.
type Supervisor struct {
	device  *domain.Device
	port    domain.CapabilityPort
	config  SupervisorConfig
	clock   Clock
	report  func(domain.Status)
	logger  zerolog.Logger
	metrics *metrics.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      domain.ConnectionState
	attempts   int
	exhausted  bool
	teardown   bool
	closed     bool
	connecting bool

	// reconnectTimer is the disconnect-path timer; at most one is pending.
	reconnectTimer Timer
	discoveryTimer Timer
	backoffTimers  []Timer
}

// NewSupervisor creates a supervisor in the Disconnected state.
func NewSupervisor(
	device *domain.Device,
	port domain.CapabilityPort,
	config SupervisorConfig,
	clock Clock,
	report func(domain.Status),
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *Supervisor {
	if clock == nil {
		clock = RealClock()
	}
	if report == nil {
		report = func(domain.Status) {}
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Supervisor{
		device:  device,
		port:    port,
		config:  config,
		clock:   clock,
		report:  report,
		logger:  logger.With().Str("component", "supervisor").Logger(),
		metrics: metricsReg,
		ctx:     ctx,
		cancel:  cancel,
		state:   domain.StateDisconnected,
	}
}

// State returns the presumed connection state.
func (s *Supervisor) State() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the consumed retry budget.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// RequestConnect runs discovery followed by connect. It is a no-op while an
// attempt is already in flight or the device is connected. A discovery failure
// schedules a retry after DiscoveryRetryDelay; a connect failure is reported
// and not retried.
func (s *Supervisor) RequestConnect(timeout time.Duration, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrLinkClosed
	}
	if s.connecting || (s.state == domain.StateConnected && s.port.IsConnected()) {
		s.mu.Unlock()
		return nil
	}
	s.connecting = true
	s.setStateLocked(domain.StateConnecting)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.connecting = false
		s.mu.Unlock()
	}()

	s.logger.Info().
		Str("reason", reason).
		Dur("timeout", timeout).
		Msg("Requesting device connection")
	s.report(domain.NewStatus(domain.FillYellow, domain.ShapeDot, domain.StatusConnecting, ""))

	start := s.clock.Now()
	discoverCtx, cancel := context.WithTimeout(s.ctx, timeout)
	err := s.port.Discover(discoverCtx, timeout)
	cancel()
	if err != nil {
		s.metrics.RecordConnectionAttempt(s.device.ID, "discovery_failed", s.clock.Now().Sub(start).Seconds())
		s.logger.Warn().Err(err).Msg("Device not found")
		s.report(domain.NewStatus(domain.FillRed, domain.ShapeRing, domain.StatusNotFound, err.Error()))

		s.mu.Lock()
		s.restoreIdleLocked()
		s.scheduleDiscoveryRetryLocked(timeout)
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", domain.ErrDiscoveryFailed, err)
	}

	connectCtx, cancel := context.WithTimeout(s.ctx, s.config.ConnectTimeout)
	err = s.port.Connect(connectCtx)
	cancel()
	if err != nil {
		s.metrics.RecordConnectionAttempt(s.device.ID, "connect_failed", s.clock.Now().Sub(start).Seconds())
		s.logger.Error().Err(err).Msg("Failed to connect to device")
		s.report(domain.NewStatus(domain.FillRed, domain.ShapeRing, domain.StatusFailed, err.Error()))

		s.mu.Lock()
		s.restoreIdleLocked()
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", domain.ErrConnectFailed, err)
	}

	s.metrics.RecordConnectionAttempt(s.device.ID, "success", s.clock.Now().Sub(start).Seconds())
	return nil
}

// ManualConnect resets an exhausted retry budget and re-arms auto-reconnect
// before requesting a connection.
func (s *Supervisor) ManualConnect(timeout time.Duration, reason string) error {
	s.mu.Lock()
	if s.exhausted || s.attempts > 0 {
		s.logger.Info().Int("attempts", s.attempts).Msg("Retry budget reset by manual connect")
	}
	s.attempts = 0
	s.exhausted = false
	if !s.closed {
		s.teardown = false
	}
	if s.state == domain.StateFailed {
		s.setStateLocked(domain.StateDisconnected)
	}
	s.mu.Unlock()

	return s.RequestConnect(timeout, reason)
}

// Disconnect closes the connection. With teardown set, every pending and
// future automatic reconnect is suppressed.
func (s *Supervisor) Disconnect(teardown bool) error {
	s.mu.Lock()
	s.teardown = teardown
	if teardown {
		s.stopTimersLocked()
	}
	s.mu.Unlock()

	s.logger.Info().Bool("teardown", teardown).Msg("Disconnecting device")
	if err := s.port.Disconnect(); err != nil {
		s.logger.Warn().Err(err).Msg("Disconnect failed")
		s.report(domain.NewStatus(domain.FillRed, domain.ShapeRing, domain.StatusDisconnectFailure, err.Error()))
		return err
	}
	return nil
}

// OnConnected handles the port's connected event.
func (s *Supervisor) OnConnected() {
	s.mu.Lock()
	s.stopTimersLocked()
	s.attempts = 0
	s.exhausted = false
	s.setStateLocked(domain.StateConnected)
	s.mu.Unlock()

	now := s.clock.Now()
	s.logger.Info().Str("address", s.device.Address).Msg("Connected to device")
	s.report(domain.NewStatus(domain.FillGreen, domain.ShapeDot, domain.StatusConnected,
		fmt.Sprintf("%s at %s", s.device.Address, now.Format(time.RFC3339))))
}

// OnDisconnected handles the port's disconnected event. Unless the link is
// being torn down, exactly one reconnect is scheduled after ReconnectDelay.
func (s *Supervisor) OnDisconnected() {
	s.mu.Lock()
	s.setStateLocked(s.idleStateLocked())
	scheduled := false
	if !s.teardown && !s.closed && !s.exhausted {
		if s.reconnectTimer != nil {
			s.reconnectTimer.Stop()
		}
		timeout := s.config.ReconnectTimeout
		s.reconnectTimer = s.scheduleLocked(s.config.ReconnectDelay, func() {
			s.RequestConnect(timeout, "reconnect after disconnect")
		})
		scheduled = true
	}
	s.mu.Unlock()

	s.logger.Info().Bool("reconnect_scheduled", scheduled).Msg("Disconnected from device")
	s.report(domain.NewStatus(domain.FillRed, domain.ShapeRing, domain.StatusDisconnected, ""))
	if scheduled {
		s.metrics.RecordReconnectScheduled(s.device.ID, "disconnect")
	}
}

// OnError handles the port's error event. Network-class errors consume the
// retry budget and schedule a reconnect after BackoffStep times the attempt.
func (s *Supervisor) OnError(err error) {
	var te *domain.TransportError
	if !errors.As(err, &te) {
		te = domain.NewTransportError(err, false, "")
	}

	s.metrics.RecordTransportError(s.device.ID, string(te.Kind))
	s.logger.Warn().Err(err).Str("kind", string(te.Kind)).Bool("socket", te.Socket).Msg("Transport error")
	s.report(domain.NewStatus(domain.FillRed, domain.ShapeRing, domain.StatusError, err.Error()))

	if te.Kind == domain.KindConnectionRefused {
		addr := te.Address
		if addr == "" {
			addr = s.device.Address
		}
		s.report(domain.NewStatus(domain.FillRed, domain.ShapeRing, domain.StatusRefused, addr))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A socket error invalidates the pending disconnect-path reconnect.
	if te.Socket && s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}

	if !te.Kind.IsNetwork() || s.teardown || s.closed {
		return
	}

	if s.attempts >= s.config.MaxAttempts {
		s.exhaustLocked()
		return
	}

	s.attempts++
	delay := s.config.BackoffStep * time.Duration(s.attempts)
	timeout := s.config.ReconnectTimeout
	attempt := s.attempts
	reason := fmt.Sprintf("retry %d after %s", attempt, te.Kind)

	var timer Timer
	timer = s.scheduleLocked(delay, func() {
		s.mu.Lock()
		s.dropBackoffTimerLocked(timer)
		s.mu.Unlock()

		err := s.RequestConnect(timeout, reason)
		if err == nil || attempt < s.config.MaxAttempts {
			return
		}

		// The last budgeted retry failed.
		s.mu.Lock()
		if s.attempts >= s.config.MaxAttempts && !s.teardown && !s.closed {
			s.exhaustLocked()
		}
		s.mu.Unlock()
	})
	s.backoffTimers = append(s.backoffTimers, timer)
	s.metrics.RecordReconnectScheduled(s.device.ID, "backoff")
	s.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnect scheduled")
}

// exhaustLocked enters the terminal Failed state. Only a manual connect or a
// connected event leaves it.
func (s *Supervisor) exhaustLocked() {
	if s.exhausted {
		return
	}
	s.exhausted = true
	if s.discoveryTimer != nil {
		s.discoveryTimer.Stop()
		s.discoveryTimer = nil
	}
	s.setStateLocked(domain.StateFailed)
	s.metrics.RecordRetriesExhausted(s.device.ID)
	s.logger.Error().Int("max_attempts", s.config.MaxAttempts).Msg("Max retries reached")
	s.report(domain.NewStatus(domain.FillRed, domain.ShapeRing, domain.StatusRetriesExhausted,
		fmt.Sprintf("gave up after %d attempts", s.config.MaxAttempts)))
}

func (s *Supervisor) dropBackoffTimerLocked(timer Timer) {
	for i, t := range s.backoffTimers {
		if t == timer {
			s.backoffTimers = append(s.backoffTimers[:i], s.backoffTimers[i+1:]...)
			return
		}
	}
}

// Close cancels every timer and in-flight attempt and waits for running callbacks.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.teardown = true
	s.stopTimersLocked()
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Supervisor) scheduleDiscoveryRetryLocked(timeout time.Duration) {
	if s.teardown || s.closed || s.exhausted {
		return
	}
	if s.discoveryTimer != nil {
		s.discoveryTimer.Stop()
	}
	s.discoveryTimer = s.scheduleLocked(s.config.DiscoveryRetryDelay, func() {
		s.RequestConnect(timeout, "retry discovery")
	})
	s.metrics.RecordReconnectScheduled(s.device.ID, "discovery")
}

// scheduleLocked arms a timer whose callback is skipped once the link is torn down.
func (s *Supervisor) scheduleLocked(d time.Duration, fn func()) Timer {
	return s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		if s.teardown || s.closed {
			s.mu.Unlock()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()

		defer s.wg.Done()
		fn()
	})
}

func (s *Supervisor) stopTimersLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.discoveryTimer != nil {
		s.discoveryTimer.Stop()
		s.discoveryTimer = nil
	}
	for _, t := range s.backoffTimers {
		t.Stop()
	}
	s.backoffTimers = nil
}

func (s *Supervisor) idleStateLocked() domain.ConnectionState {
	if s.exhausted {
		return domain.StateFailed
	}
	return domain.StateDisconnected
}

// restoreIdleLocked leaves Connecting after a failed attempt unless an event
// already moved the state on.
func (s *Supervisor) restoreIdleLocked() {
	if s.state == domain.StateConnecting {
		s.setStateLocked(s.idleStateLocked())
	}
}

func (s *Supervisor) setStateLocked(state domain.ConnectionState) {
	if s.state == state {
		return
	}
	s.logger.Debug().Str("from", string(s.state)).Str("to", string(state)).Msg("Connection state changed")
	s.state = state
	s.metrics.SetLinkState(s.device.ID, string(state))
}
