// Package modbus implements a capability port for Modbus-TCP relay modules.
// Data point ids map to coil addresses; a poll loop turns coil changes into
// data events, and every bus operation runs through a per-device circuit breaker.
package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"github.com/nexus-edge/device-link/internal/domain"
	"github.com/rs/zerolog"
)

// bus is the subset of modbus.Client the relay driver uses.
type bus interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
}

type dialFunc func(ctx context.Context, config ClientConfig) (bus, io.Closer, error)

// dialTCP opens a goburrow TCP handler.
func dialTCP(ctx context.Context, config ClientConfig) (bus, io.Closer, error) {
	handler := modbus.NewTCPClientHandler(config.Address)
	handler.Timeout = config.Timeout
	handler.SlaveId = config.SlaveID
	handler.IdleTimeout = config.IdleTimeout

	connectDone := make(chan error, 1)
	go func() {
		connectDone <- handler.Connect()
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			return nil, nil, err
		}
	case <-ctx.Done():
		go func() {
			if <-connectDone == nil {
				handler.Close()
			}
		}()
		return nil, nil, ctx.Err()
	}

	return modbus.NewClient(handler), handler, nil
}

// Client is a Modbus connection to a single relay module.
type Client struct {
	config              ClientConfig
	dial                dialFunc
	bus                 bus
	closer              io.Closer
	logger              zerolog.Logger
	mu                  sync.RWMutex
	opMu                sync.Mutex // goburrow clients are not safe for concurrent use
	connected           atomic.Bool
	lastError           error
	lastUsed            time.Time
	stats               *ClientStats
	deviceID            string
	consecutiveFailures atomic.Int32
}

// NewClient creates a new Modbus client with the given configuration.
func NewClient(deviceID string, config ClientConfig, logger zerolog.Logger) (*Client, error) {
	if config.Address == "" {
		return nil, domain.ErrAddressRequired
	}
	if config.SlaveID == 0 || config.SlaveID > 247 {
		return nil, domain.ErrInvalidSlaveID
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = 30 * time.Second
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 100 * time.Millisecond
	}

	return &Client{
		config:   config,
		dial:     dialTCP,
		logger:   logger.With().Str("device_id", deviceID).Str("address", config.Address).Logger(),
		stats:    &ClientStats{},
		deviceID: deviceID,
		lastUsed: time.Now(),
	}, nil
}

// Connect establishes the connection to the relay module.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}

	c.logger.Debug().Msg("Connecting to Modbus device")

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	b, closer, err := c.dial(ctx, c.config)
	if err != nil {
		c.lastError = err
		return domain.NewTransportError(err, false, c.config.Address)
	}

	c.bus = b
	c.closer = closer
	c.connected.Store(true)
	c.lastError = nil
	c.lastUsed = time.Now()
	c.consecutiveFailures.Store(0)

	c.logger.Info().Msg("Connected to Modbus device")
	return nil
}

// Disconnect closes the connection to the relay module.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected.Load() {
		return nil
	}

	if c.closer != nil {
		if err := c.closer.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Error closing Modbus connection")
		}
	}

	c.connected.Store(false)
	c.bus = nil
	c.closer = nil

	c.logger.Debug().Msg("Disconnected from Modbus device")
	return nil
}

// IsConnected returns true if the client is currently connected.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// ReadCoils reads quantity coils starting at address.
func (c *Client) ReadCoils(ctx context.Context, address, quantity uint16) ([]bool, error) {
	start := time.Now()
	defer func() {
		c.stats.TotalReadTime.Add(time.Since(start).Nanoseconds())
	}()

	var data []byte
	err := c.withRetry(ctx, "read", func(b bus) error {
		var err error
		data, err = b.ReadCoils(address, quantity)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.stats.ReadCount.Add(1)
	return unpackCoils(data, quantity), nil
}

// WriteCoil switches a single coil.
func (c *Client) WriteCoil(ctx context.Context, address uint16, on bool) error {
	start := time.Now()
	defer func() {
		c.stats.TotalWriteTime.Add(time.Since(start).Nanoseconds())
	}()

	err := c.withRetry(ctx, "write", func(b bus) error {
		_, err := b.WriteSingleCoil(address, coilValue(on))
		return err
	})
	if err != nil {
		return err
	}

	c.stats.WriteCount.Add(1)
	return nil
}

// withRetry runs op with exponential backoff on transient failures.
func (c *Client) withRetry(ctx context.Context, what string, op func(bus) error) error {
	var err error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.stats.RetryCount.Add(1)
			delay := c.calculateBackoff(attempt)
			c.logger.Debug().
				Str("op", what).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Retrying Modbus request")

			select {
			case <-ctx.Done():
				return c.fail(ctx.Err())
			case <-time.After(delay):
			}
		}

		err = c.do(op)
		if err == nil {
			c.consecutiveFailures.Store(0)
			return nil
		}
		if !isRetryableError(err) {
			break
		}
	}
	return c.fail(err)
}

func (c *Client) do(op func(bus) error) error {
	c.mu.Lock()
	c.lastUsed = time.Now()
	b := c.bus
	c.mu.Unlock()

	if b == nil || !c.connected.Load() {
		return &domain.TransportError{Kind: domain.KindNotConnected, Socket: true, Address: c.config.Address, Err: domain.ErrNotConnected}
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := op(b); err != nil {
		return c.translateError(err)
	}
	return nil
}

func (c *Client) fail(err error) error {
	c.stats.ErrorCount.Add(1)
	c.consecutiveFailures.Add(1)
	c.mu.Lock()
	c.lastError = err
	c.mu.Unlock()
	return err
}

// calculateBackoff calculates exponential backoff delay.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := c.config.RetryDelay * time.Duration(1<<uint(attempt-1))
	maxDelay := 5 * time.Second
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// isRetryableError reports whether a failure is transient. Exceptions
// returned by the device, refused connections and closed clients are final.
func isRetryableError(err error) bool {
	switch kind := domain.ClassifyError(err); kind {
	case domain.KindConnectionRefused, domain.KindNotConnected:
		return false
	default:
		return kind.IsNetwork()
	}
}

// translateError converts Modbus library errors to transport errors.
func (c *Client) translateError(err error) error {
	var te *domain.TransportError
	if errors.As(err, &te) {
		return err
	}
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return &domain.TransportError{
			Kind:    domain.KindProtocol,
			Address: c.config.Address,
			Err:     fmt.Errorf("modbus exception %d on function %d: %w", mbErr.ExceptionCode, mbErr.FunctionCode, err),
		}
	}
	return domain.NewTransportError(err, true, c.config.Address)
}
