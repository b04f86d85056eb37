package modbus

import (
	"sync/atomic"
	"time"
)

// ClientConfig holds configuration for a Modbus client.
type ClientConfig struct {
	// Address is the host:port of the relay module
	Address string

	// SlaveID is the Modbus slave/unit ID (1-247)
	SlaveID byte

	// Timeout is the connection and response timeout
	Timeout time.Duration

	// IdleTimeout is how long the handler keeps an unused connection open
	IdleTimeout time.Duration

	// MaxRetries is the number of retry attempts on transient failures
	MaxRetries int

	// RetryDelay is the base delay between retries (exponential backoff applied)
	RetryDelay time.Duration
}

// ClientStats tracks client performance metrics.
type ClientStats struct {
	ReadCount      atomic.Uint64
	WriteCount     atomic.Uint64
	ErrorCount     atomic.Uint64
	RetryCount     atomic.Uint64
	TotalReadTime  atomic.Int64 // nanoseconds
	TotalWriteTime atomic.Int64 // nanoseconds
}

// PortConfig holds relay port settings shared by every Modbus device.
type PortConfig struct {
	// Timeout bounds one bus request
	Timeout time.Duration

	// PollInterval is used when a device does not set its own
	PollInterval time.Duration

	// MaxRetries and RetryDelay configure the client retry loop
	MaxRetries int
	RetryDelay time.Duration

	// DefaultPort is appended to addresses without a port
	DefaultPort int

	// BreakerFailures is the number of consecutive failures that open the breaker
	BreakerFailures uint32

	// BreakerTimeout is how long the breaker stays open
	BreakerTimeout time.Duration
}

// DefaultPortConfig returns a PortConfig with sensible defaults.
func DefaultPortConfig() PortConfig {
	return PortConfig{
		Timeout:         5 * time.Second,
		PollInterval:    time.Second,
		MaxRetries:      2,
		RetryDelay:      100 * time.Millisecond,
		DefaultPort:     502,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// maxCoilSpan is the largest coil range one read request may cover.
const maxCoilSpan = 2000
