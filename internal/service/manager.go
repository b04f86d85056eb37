package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nexus-edge/device-link/internal/domain"
	"github.com/nexus-edge/device-link/internal/metrics"
	"github.com/rs/zerolog"
)

// Manager is a registry of device links keyed by device id.
// Thread-safe for concurrent access.
type Manager struct {
	links   map[string]*Link
	mu      sync.RWMutex
	logger  zerolog.Logger
	metrics *metrics.Registry
}

// NewManager creates an empty link manager.
func NewManager(logger zerolog.Logger, metricsReg *metrics.Registry) *Manager {
	return &Manager{
		links:   make(map[string]*Link),
		logger:  logger.With().Str("component", "link-manager").Logger(),
		metrics: metricsReg,
	}
}

// Add registers a link. Thread-safe.
func (m *Manager) Add(link *Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := link.Device().ID
	if _, exists := m.links[id]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDeviceExists, id)
	}
	m.links[id] = link
	m.updateGaugesLocked()
	m.logger.Debug().Str("device_id", id).Msg("Registered device link")
	return nil
}

// Get returns the link for a device. Thread-safe.
func (m *Manager) Get(deviceID string) (*Link, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	link, ok := m.links[deviceID]
	return link, ok
}

// Enqueue routes a command to the device's link.
func (m *Manager) Enqueue(deviceID string, cmd domain.Command) error {
	link, ok := m.Get(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, deviceID)
	}
	return link.Enqueue(cmd)
}

// Reconnect triggers a manual reconnect on the device's link.
func (m *Manager) Reconnect(deviceID string) error {
	link, ok := m.Get(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, deviceID)
	}
	return link.Reconnect()
}

// Snapshot returns the state of one link.
func (m *Manager) Snapshot(deviceID string) (LinkSnapshot, bool) {
	link, ok := m.Get(deviceID)
	if !ok {
		return LinkSnapshot{}, false
	}
	return link.Snapshot(), true
}

// Snapshots returns the state of every link ordered by device id.
func (m *Manager) Snapshots() []LinkSnapshot {
	links := m.List()
	out := make([]LinkSnapshot, 0, len(links))
	for _, link := range links {
		out = append(out, link.Snapshot())
	}
	return out
}

// Remove tears down and unregisters a link as a device removal.
func (m *Manager) Remove(deviceID string) error {
	m.mu.Lock()
	link, ok := m.links[deviceID]
	if ok {
		delete(m.links, deviceID)
		m.updateGaugesLocked()
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, deviceID)
	}
	link.Close(true)
	return nil
}

// CloseAll tears down every link as a redeploy.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	links := make([]*Link, 0, len(m.links))
	for id, link := range m.links {
		links = append(links, link)
		delete(m.links, id)
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, link := range links {
		wg.Add(1)
		go func(l *Link) {
			defer wg.Done()
			l.Close(false)
		}(link)
	}
	wg.Wait()
}

// List returns all links ordered by device id. Thread-safe.
func (m *Manager) List() []*Link {
	m.mu.RLock()
	defer m.mu.RUnlock()

	links := make([]*Link, 0, len(m.links))
	for _, link := range m.links {
		links = append(links, link)
	}
	sort.Slice(links, func(i, j int) bool {
		return links[i].Device().ID < links[j].Device().ID
	})
	return links
}

// Count returns the registered and connected link counts.
func (m *Manager) Count() (registered, connected int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, link := range m.links {
		if link.State() == domain.StateConnected {
			connected++
		}
	}
	return len(m.links), connected
}

// RefreshMetrics updates the device gauges.
func (m *Manager) RefreshMetrics() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.updateGaugesLocked()
}

// HealthCheck reports the first failed link. Thread-safe.
func (m *Manager) HealthCheck(ctx context.Context) error {
	for _, link := range m.List() {
		if err := link.HealthCheck(ctx); err != nil {
			return fmt.Errorf("device %s: %w", link.Device().ID, err)
		}
	}
	return nil
}

func (m *Manager) updateGaugesLocked() {
	connected := 0
	for _, link := range m.links {
		if link.State() == domain.StateConnected {
			connected++
		}
	}
	m.metrics.UpdateDeviceCount(len(m.links), connected)
}
