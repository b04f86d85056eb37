package modbus

import (
	"errors"
	"fmt"
	"time"

	"github.com/nexus-edge/device-link/internal/domain"
	"github.com/nexus-edge/device-link/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// newCircuitBreaker creates the per-device breaker guarding bus operations.
func newCircuitBreaker(deviceID string, config PortConfig, logger zerolog.Logger, metricsReg *metrics.Registry) *gobreaker.CircuitBreaker {
	failures := config.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("modbus-%s", deviceID),
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			// Device exceptions prove the bus is alive
			return err == nil || domain.ClassifyError(err) == domain.KindProtocol
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Modbus circuit breaker state changed")
			metricsReg.SetBreakerState(deviceID, int(to))
		},
	})
}

// breakerError maps gobreaker rejections to ErrCircuitBreakerOpen.
func breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", domain.ErrCircuitBreakerOpen, err)
	}
	return err
}
