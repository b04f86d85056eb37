package modbus

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nexus-edge/device-link/internal/adapter/discovery"
	"github.com/nexus-edge/device-link/internal/domain"
	"github.com/nexus-edge/device-link/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

type coilRef struct {
	dps     string
	address uint16
}

// RelayPort drives a Modbus-TCP relay module as a capability port.
type RelayPort struct {
	domain.EventBroker

	device   *domain.Device
	config   PortConfig
	resolver discovery.Resolver
	breaker  *gobreaker.CircuitBreaker
	logger   zerolog.Logger
	metrics  *metrics.Registry

	dial  dialFunc
	probe func(ctx context.Context, address string) error

	coils     []coilRef
	coilIndex map[string]uint16
	primary   string
	first     uint16
	span      uint16
	interval  time.Duration

	mu         sync.Mutex
	address    string
	client     *Client
	connected  bool
	values     map[string]bool
	pollCancel context.CancelFunc
}

// NewRelayPort creates a port for a Modbus relay device. resolver may be nil
// when every device has a static address.
func NewRelayPort(
	device *domain.Device,
	config PortConfig,
	resolver discovery.Resolver,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) (*RelayPort, error) {
	if len(device.Modbus.Coils) == 0 {
		return nil, fmt.Errorf("%w: no coils mapped for device %q", domain.ErrInvalidConfig, device.ID)
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.DefaultPort == 0 {
		config.DefaultPort = 502
	}
	if config.BreakerTimeout == 0 {
		config.BreakerTimeout = 30 * time.Second
	}

	coils := make([]coilRef, 0, len(device.Modbus.Coils))
	for dps, addr := range device.Modbus.Coils {
		coils = append(coils, coilRef{dps: dps, address: addr})
	}
	sort.Slice(coils, func(i, j int) bool { return coils[i].address < coils[j].address })

	first := coils[0].address
	span := int(coils[len(coils)-1].address) - int(first) + 1
	if span > maxCoilSpan {
		return nil, fmt.Errorf("%w: coils of device %q span %d addresses, max %d", domain.ErrInvalidConfig, device.ID, span, maxCoilSpan)
	}

	primary := device.Modbus.PrimaryDPS
	if primary == "" {
		primary = coils[0].dps
	}
	if _, ok := device.Modbus.Coils[primary]; !ok {
		return nil, fmt.Errorf("%w: primary dps %q is not mapped for device %q", domain.ErrInvalidConfig, primary, device.ID)
	}

	interval := device.Modbus.PollInterval
	if interval <= 0 {
		interval = config.PollInterval
	}
	if interval <= 0 {
		interval = time.Second
	}

	logger = logger.With().Str("component", "modbus-relay").Str("device_id", device.ID).Logger()
	return &RelayPort{
		device:    device,
		config:    config,
		resolver:  resolver,
		breaker:   newCircuitBreaker(device.ID, config, logger, metricsReg),
		logger:    logger,
		metrics:   metricsReg,
		dial:      dialTCP,
		probe:     probeTCP,
		coils:     coils,
		coilIndex: device.Modbus.Coils,
		primary:   primary,
		first:     first,
		span:      uint16(span),
		interval:  interval,
		values:    make(map[string]bool),
	}, nil
}

// Discover resolves the module address (through mDNS when no static address
// is configured) and checks that it accepts TCP connections.
func (p *RelayPort) Discover(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	address := p.device.Address
	if address == "" {
		if p.resolver == nil || p.device.Modbus.MDNSInstance == "" {
			return fmt.Errorf("%w: device %q has no address and no mdns instance", domain.ErrDiscoveryFailed, p.device.ID)
		}
		resolved, err := p.resolver.Resolve(ctx, p.device.Modbus.MDNSService, p.device.Modbus.MDNSInstance)
		if err != nil {
			return err
		}
		address = resolved
	}
	address = withDefaultPort(address, p.config.DefaultPort)

	if err := p.probe(ctx, address); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrDiscoveryFailed, domain.NewTransportError(err, false, address))
	}

	p.mu.Lock()
	p.address = address
	p.mu.Unlock()
	return nil
}

// Connect opens the Modbus connection and starts the poll loop.
func (p *RelayPort) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.connected {
		p.mu.Unlock()
		return nil
	}
	address := p.address
	p.mu.Unlock()

	if address == "" {
		if p.device.Address == "" {
			return fmt.Errorf("%w: device %q was not discovered", domain.ErrConnectFailed, p.device.ID)
		}
		address = withDefaultPort(p.device.Address, p.config.DefaultPort)
	}

	client, err := NewClient(p.device.ID, ClientConfig{
		Address:    address,
		SlaveID:    p.device.Modbus.SlaveID,
		Timeout:    p.config.Timeout,
		MaxRetries: p.config.MaxRetries,
		RetryDelay: p.config.RetryDelay,
	}, p.logger)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConnectFailed, err)
	}
	client.dial = p.dial

	if _, err := p.execute("connect", func() (interface{}, error) {
		return nil, client.Connect(ctx)
	}); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConnectFailed, err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.client = client
	p.connected = true
	p.values = make(map[string]bool)
	p.pollCancel = cancel
	p.mu.Unlock()

	p.Publish(domain.PortEvent{Type: domain.EventConnected})
	go p.pollLoop(pollCtx, client)
	return nil
}

// Disconnect stops polling and closes the connection.
func (p *RelayPort) Disconnect() error {
	p.mu.Lock()
	was := p.connected
	client := p.client
	cancel := p.pollCancel
	p.connected = false
	p.client = nil
	p.pollCancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if client != nil {
		err = client.Disconnect()
	}
	if was {
		p.Publish(domain.PortEvent{Type: domain.EventDisconnected})
	}
	return err
}

// IsConnected reports whether the Modbus connection is open.
func (p *RelayPort) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected && p.client != nil && p.client.IsConnected()
}

// Get reads every mapped coil. A schema read also emits the full state as data.
func (p *RelayPort) Get(ctx context.Context, opts domain.GetOptions) (interface{}, error) {
	client, err := p.activeClient()
	if err != nil {
		return nil, err
	}

	state, err := p.readState(ctx, client)
	if err != nil {
		return nil, p.opFailed(client, err)
	}
	p.remember(state)

	if opts.Schema {
		p.Publish(domain.PortEvent{Type: domain.EventData, Data: toData(state)})
		return toData(state), nil
	}

	dps := opts.DPS
	if dps == "" {
		dps = p.primary
	}
	value, ok := state[dps]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownDataPoint, dps)
	}
	return value, nil
}

// Set switches one or several coils.
func (p *RelayPort) Set(ctx context.Context, req domain.SetRequest) error {
	if !req.Multiple {
		dps := req.DPS
		if dps == "" {
			dps = p.primary
		}
		return p.write(ctx, map[string]interface{}{dps: req.Value})
	}
	if len(req.Data) == 0 {
		return fmt.Errorf("%w: empty multiple set", domain.ErrInvalidCommandData)
	}
	return p.write(ctx, req.Data)
}

// Toggle reads the primary coil and writes its inverse.
func (p *RelayPort) Toggle(ctx context.Context) error {
	client, err := p.activeClient()
	if err != nil {
		return err
	}

	address := p.coilIndex[p.primary]
	result, err := p.execute("read", func() (interface{}, error) {
		return client.ReadCoils(ctx, address, 1)
	})
	if err != nil {
		return p.opFailed(client, err)
	}
	current := result.([]bool)[0]
	return p.write(ctx, map[string]interface{}{p.primary: !current})
}

func (p *RelayPort) write(ctx context.Context, data map[string]interface{}) error {
	keys := make([]string, 0, len(data))
	for dps := range data {
		if _, ok := p.coilIndex[dps]; !ok {
			return fmt.Errorf("%w: %s", domain.ErrUnknownDataPoint, dps)
		}
		keys = append(keys, dps)
	}
	sort.Strings(keys)

	states := make(map[string]bool, len(keys))
	for _, dps := range keys {
		on, ok := toBool(data[dps])
		if !ok {
			return fmt.Errorf("%w: %s=%v is not a coil state", domain.ErrInvalidCommandData, dps, data[dps])
		}
		states[dps] = on
	}

	client, err := p.activeClient()
	if err != nil {
		return err
	}

	written := make(map[string]bool, len(keys))
	for _, dps := range keys {
		address, on := p.coilIndex[dps], states[dps]
		if _, err := p.execute("write", func() (interface{}, error) {
			return nil, client.WriteCoil(ctx, address, on)
		}); err != nil {
			p.announce(client, written)
			return p.opFailed(client, err)
		}
		written[dps] = on
	}
	p.announce(client, written)
	return nil
}

// announce records written coils and emits the ones that changed.
func (p *RelayPort) announce(client *Client, written map[string]bool) {
	if len(written) == 0 {
		return
	}
	p.mu.Lock()
	if p.client != client {
		p.mu.Unlock()
		return
	}
	changed := p.diffLocked(written)
	p.mu.Unlock()

	if len(changed) > 0 {
		p.Publish(domain.PortEvent{Type: domain.EventData, Data: changed})
	}
}

// pollLoop reads the coils every interval and emits changes.
func (p *RelayPort) pollLoop(ctx context.Context, client *Client) {
	p.logger.Debug().Dur("interval", p.interval).Msg("Starting coil poller")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Initial poll
	if !p.poll(ctx, client) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.poll(ctx, client) {
				return
			}
		}
	}
}

func (p *RelayPort) poll(ctx context.Context, client *Client) bool {
	state, err := p.readState(ctx, client)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		if domain.ClassifyError(err).IsNetwork() {
			p.opFailed(client, err)
			return false
		}
		p.logger.Warn().Err(err).Msg("Coil poll failed")
		return true
	}

	p.mu.Lock()
	if p.client != client {
		p.mu.Unlock()
		return false
	}
	changed := p.diffLocked(state)
	p.mu.Unlock()

	if len(changed) > 0 {
		p.Publish(domain.PortEvent{Type: domain.EventData, Data: changed})
	}
	return true
}

func (p *RelayPort) readState(ctx context.Context, client *Client) (map[string]bool, error) {
	result, err := p.execute("read", func() (interface{}, error) {
		return client.ReadCoils(ctx, p.first, p.span)
	})
	if err != nil {
		return nil, err
	}
	bits := result.([]bool)

	state := make(map[string]bool, len(p.coils))
	for _, c := range p.coils {
		state[c.dps] = bits[c.address-p.first]
	}
	return state, nil
}

func (p *RelayPort) remember(state map[string]bool) {
	p.mu.Lock()
	for k, v := range state {
		p.values[k] = v
	}
	p.mu.Unlock()
}

// diffLocked stores state and returns the entries that changed.
func (p *RelayPort) diffLocked(state map[string]bool) map[string]interface{} {
	changed := make(map[string]interface{})
	for dps, v := range state {
		if old, ok := p.values[dps]; !ok || old != v {
			changed[dps] = v
		}
		p.values[dps] = v
	}
	return changed
}

// execute runs a bus operation through the circuit breaker.
func (p *RelayPort) execute(op string, fn func() (interface{}, error)) (interface{}, error) {
	result, err := p.breaker.Execute(fn)
	p.metrics.RecordBusOperation(p.device.ID, op, err == nil)
	return result, breakerError(err)
}

// opFailed reports a failed bus operation. Network failures tear the
// connection down with an error event followed by a disconnect event.
func (p *RelayPort) opFailed(client *Client, err error) error {
	if !domain.ClassifyError(err).IsNetwork() {
		return err
	}

	p.mu.Lock()
	if p.client != client || !p.connected {
		p.mu.Unlock()
		return err
	}
	p.connected = false
	p.client = nil
	cancel := p.pollCancel
	p.pollCancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	client.Disconnect()

	p.logger.Warn().Err(err).Msg("Modbus connection lost")
	p.Publish(domain.PortEvent{Type: domain.EventError, Err: err})
	p.Publish(domain.PortEvent{Type: domain.EventDisconnected})
	return err
}

func (p *RelayPort) activeClient() (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected || p.client == nil {
		return nil, &domain.TransportError{Kind: domain.KindNotConnected, Address: p.address, Err: domain.ErrNotConnected}
	}
	return p.client, nil
}

func toData(state map[string]bool) map[string]interface{} {
	out := make(map[string]interface{}, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}

func withDefaultPort(address string, port int) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(port))
}

// probeTCP checks that address accepts TCP connections.
func probeTCP(ctx context.Context, address string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}

var _ domain.CapabilityPort = (*RelayPort)(nil)
