package modbus

import "time"

// Stats returns a snapshot of client statistics.
func (c *Client) Stats() map[string]uint64 {
	return map[string]uint64{
		"read_count":  c.stats.ReadCount.Load(),
		"write_count": c.stats.WriteCount.Load(),
		"error_count": c.stats.ErrorCount.Load(),
		"retry_count": c.stats.RetryCount.Load(),
	}
}

// LastUsed returns when the client last issued a request.
func (c *Client) LastUsed() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUsed
}

// LastError returns the most recent failure, if any.
func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

// ConsecutiveFailures returns failures since the last success.
func (c *Client) ConsecutiveFailures() int32 {
	return c.consecutiveFailures.Load()
}

// DeviceHealth describes the transport side of a relay port.
type DeviceHealth struct {
	Address             string            `json:"address"`
	Connected           bool              `json:"connected"`
	BreakerState        string            `json:"breaker_state"`
	ConsecutiveFailures int32             `json:"consecutive_failures"`
	LastError           string            `json:"last_error,omitempty"`
	LastUsed            time.Time         `json:"last_used,omitempty"`
	Stats               map[string]uint64 `json:"stats,omitempty"`
}

// Diagnostics reports the port's transport health.
func (p *RelayPort) Diagnostics() interface{} {
	p.mu.Lock()
	client := p.client
	h := DeviceHealth{
		Address:      p.address,
		Connected:    p.connected,
		BreakerState: p.breaker.State().String(),
	}
	p.mu.Unlock()

	if client != nil {
		h.ConsecutiveFailures = client.ConsecutiveFailures()
		h.LastUsed = client.LastUsed()
		h.Stats = client.Stats()
		if err := client.LastError(); err != nil {
			h.LastError = err.Error()
		}
	}
	return h
}
