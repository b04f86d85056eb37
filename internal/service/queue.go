package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/device-link/internal/domain"
	"github.com/nexus-edge/device-link/internal/metrics"
	"github.com/rs/zerolog"
)

// QueueConfig holds configuration for the command queue.
type QueueConfig struct {
	// CommandInterval is the minimum gap between two dispatches
	// Default: 2s
	CommandInterval time.Duration

	// CommandTimeout bounds a single get/set/toggle call on the port
	CommandTimeout time.Duration

	// ConnectTimeout is the discovery timeout of the "connect" command
	ConnectTimeout time.Duration

	// RecoveryTimeout is the discovery timeout of the reconnect issued after a dispatch failure
	RecoveryTimeout time.Duration
}

// DefaultQueueConfig returns the standard queue timings.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		CommandInterval: 2 * time.Second,
		CommandTimeout:  10 * time.Second,
		ConnectTimeout:  5 * time.Second,
		RecoveryTimeout: 3 * time.Second,
	}
}

// CommandStats tracks command queue statistics.
type CommandStats struct {
	CommandsReceived  atomic.Uint64
	CommandsSucceeded atomic.Uint64
	CommandsFailed    atomic.Uint64
	CommandsAbandoned atomic.Uint64
	CommandsIgnored   atomic.Uint64
}

// connector is the slice of the Supervisor the queue drives.
type connector interface {
	RequestConnect(timeout time.Duration, reason string) error
	ManualConnect(timeout time.Duration, reason string) error
	Disconnect(teardown bool) error
}

// CommandQueue serializes commands to one device. Commands run in FIFO order,
// at most one drain runs at a time and consecutive dispatches are spaced by
// CommandInterval. A dispatch failure aborts the drain, drops what is left and
// hands off to the supervisor for recovery.
type CommandQueue struct {
	device    *domain.Device
	port      domain.CapabilityPort
	connector connector
	config    QueueConfig
	clock     Clock
	report    func(domain.Status)
	logger    zerolog.Logger
	metrics   *metrics.Registry
	stats     *CommandStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	pending  []domain.Command
	draining bool
	closed   bool
}

// NewCommandQueue creates an idle command queue.
func NewCommandQueue(
	device *domain.Device,
	port domain.CapabilityPort,
	conn connector,
	config QueueConfig,
	clock Clock,
	report func(domain.Status),
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *CommandQueue {
	if clock == nil {
		clock = RealClock()
	}
	if report == nil {
		report = func(domain.Status) {}
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &CommandQueue{
		device:    device,
		port:      port,
		connector: conn,
		config:    config,
		clock:     clock,
		report:    report,
		logger:    logger.With().Str("component", "command-queue").Logger(),
		metrics:   metricsReg,
		stats:     &CommandStats{},
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Enqueue appends cmd and starts a drain if none is running. It never blocks
// on dispatch.
func (q *CommandQueue) Enqueue(cmd domain.Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.ErrLinkClosed
	}

	q.pending = append(q.pending, cmd)
	q.stats.CommandsReceived.Add(1)
	q.metrics.UpdateQueueDepth(q.device.ID, len(q.pending))
	q.logger.Info().
		Str("command", cmd.String()).
		Str("source", cmd.Source).
		Int("queue_depth", len(q.pending)).
		Msg("Command queued")

	if !q.draining {
		q.draining = true
		q.wg.Add(1)
		go q.drain()
	}
	return nil
}

// Len returns the number of commands waiting.
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Draining reports whether a drain is in progress.
func (q *CommandQueue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// Stats returns a snapshot of queue statistics.
func (q *CommandQueue) Stats() map[string]uint64 {
	return map[string]uint64{
		"commands_received":  q.stats.CommandsReceived.Load(),
		"commands_succeeded": q.stats.CommandsSucceeded.Load(),
		"commands_failed":    q.stats.CommandsFailed.Load(),
		"commands_abandoned": q.stats.CommandsAbandoned.Load(),
		"commands_ignored":   q.stats.CommandsIgnored.Load(),
	}
}

// Close drops pending commands, cancels the in-flight dispatch and waits for the drain to exit.
func (q *CommandQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := len(q.pending)
	q.pending = nil
	q.mu.Unlock()

	if dropped > 0 {
		q.logger.Info().Int("dropped", dropped).Msg("Command queue closed with pending commands")
	}
	q.metrics.UpdateQueueDepth(q.device.ID, 0)
	q.cancel()
	q.wg.Wait()
}

func (q *CommandQueue) drain() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if q.closed || len(q.pending) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		cmd := q.pending[0]
		q.pending = q.pending[1:]
		q.metrics.UpdateQueueDepth(q.device.ID, len(q.pending))
		q.mu.Unlock()

		// A failed dispatch still counts toward the interval; commands
		// enqueued after the abort wait for it like any other.
		if err := q.dispatch(cmd); err != nil {
			q.abort(cmd, err)
		}

		if err := q.clock.Sleep(q.ctx, q.config.CommandInterval); err != nil {
			q.mu.Lock()
			q.draining = false
			q.mu.Unlock()
			return
		}
	}
}

// abort drops the commands queued behind a failed dispatch and triggers
// recovery. The drain itself keeps running so the interval is honored.
func (q *CommandQueue) abort(cmd domain.Command, err error) {
	q.mu.Lock()
	abandoned := len(q.pending)
	q.pending = nil
	closed := q.closed
	q.mu.Unlock()

	q.stats.CommandsAbandoned.Add(uint64(abandoned))
	q.metrics.RecordCommandsAbandoned(q.device.ID, abandoned)
	q.metrics.UpdateQueueDepth(q.device.ID, 0)

	if closed {
		return
	}

	q.logger.Error().
		Err(err).
		Str("command", cmd.String()).
		Int("abandoned", abandoned).
		Msg("Command dispatch failed, queue aborted")
	q.report(domain.NewStatus(domain.FillRed, domain.ShapeDot, domain.StatusCommandFailed, err.Error()))

	if err := q.connector.RequestConnect(q.config.RecoveryTimeout, "retry connection after command failure"); err != nil {
		q.logger.Debug().Err(err).Msg("Recovery connect did not succeed")
	}
}

// dispatch executes one command against the port.
func (q *CommandQueue) dispatch(cmd domain.Command) error {
	start := q.clock.Now()
	ctx, cancel := context.WithTimeout(q.ctx, q.config.CommandTimeout)
	defer cancel()

	var err error
	switch cmd.Kind {
	case domain.CommandPollSchema:
		_, err = q.port.Get(ctx, domain.GetOptions{Schema: true})

	case domain.CommandConnect:
		// Connection failures are reported and retried by the supervisor.
		if cerr := q.connector.ManualConnect(q.config.ConnectTimeout, "connect command"); cerr != nil {
			q.logger.Warn().Err(cerr).Msg("Connect command did not succeed")
		}

	case domain.CommandDisconnect:
		// Reported by the supervisor; not retried.
		_ = q.connector.Disconnect(false)

	case domain.CommandToggle:
		err = q.port.Toggle(ctx)

	case domain.CommandSetBoolean:
		err = q.port.Set(ctx, domain.SetRequest{Value: cmd.Value})
		if err == nil {
			q.report(domain.NewStatus(domain.FillGreen, domain.ShapeDot, domain.StatusSetSuccess,
				"at: "+q.clock.Now().Format(time.RFC3339)))
		}

	case domain.CommandSetKeyed:
		err = q.port.Set(ctx, domain.SetRequest{DPS: cmd.DPS, Value: cmd.Set})

	case domain.CommandSetMultiple:
		err = q.port.Set(ctx, domain.SetRequest{Multiple: true, Data: cmd.Data})

	default:
		q.stats.CommandsIgnored.Add(1)
		q.metrics.RecordCommand(q.device.ID, string(cmd.Kind), "ignored", 0)
		q.logger.Warn().Str("kind", string(cmd.Kind)).Msg("Ignoring unknown command")
		return nil
	}

	duration := q.clock.Now().Sub(start)
	if err != nil {
		q.stats.CommandsFailed.Add(1)
		q.metrics.RecordCommand(q.device.ID, string(cmd.Kind), "error", duration.Seconds())
		return fmt.Errorf("%w: %s: %v", domain.ErrCommandDispatch, cmd, err)
	}

	q.stats.CommandsSucceeded.Add(1)
	q.metrics.RecordCommand(q.device.ID, string(cmd.Kind), "success", duration.Seconds())
	q.logger.Debug().
		Str("command", cmd.String()).
		Dur("duration", duration).
		Msg("Command dispatched")
	return nil
}
