package service

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/nexus-edge/device-link/internal/domain"
	"github.com/nexus-edge/device-link/internal/metrics"
	"github.com/rs/zerolog"
)

// DefaultAutoOffDPS is the data point switched off by the auto-off timer.
const DefaultAutoOffDPS = "20"

// TelemetryConfig holds the per-device telemetry settings.
type TelemetryConfig struct {
	RenameSchema      string
	CommandByteFilter string
	AutoOff           time.Duration
	AutoOffDPS        string
}

// TelemetryAdapter turns raw port data into output events: it renames keys,
// applies the command byte filter and arms the auto-off timer.
type TelemetryAdapter struct {
	device     *domain.Device
	schema     map[string]string
	filter     map[int]struct{}
	autoOff    time.Duration
	autoOffDPS string
	enqueue    func(domain.Command) error
	emit       func(*domain.OutputEvent)
	clock      Clock
	report     func(domain.Status)
	logger     zerolog.Logger
	metrics    *metrics.Registry

	mu           sync.Mutex
	available    bool
	autoOffTimer Timer
	autoOffGen   uint64
	closed       bool
}

// NewTelemetryAdapter creates a telemetry adapter. A malformed rename schema or
// filter is logged and disabled rather than rejected.
func NewTelemetryAdapter(
	device *domain.Device,
	config TelemetryConfig,
	enqueue func(domain.Command) error,
	emit func(*domain.OutputEvent),
	clock Clock,
	report func(domain.Status),
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *TelemetryAdapter {
	if clock == nil {
		clock = RealClock()
	}
	if report == nil {
		report = func(domain.Status) {}
	}
	if config.AutoOffDPS == "" {
		config.AutoOffDPS = DefaultAutoOffDPS
	}

	a := &TelemetryAdapter{
		device:     device,
		autoOff:    config.AutoOff,
		autoOffDPS: config.AutoOffDPS,
		enqueue:    enqueue,
		emit:       emit,
		clock:      clock,
		report:     report,
		logger:     logger.With().Str("component", "telemetry").Logger(),
		metrics:    metricsReg,
	}

	schema, err := ParseRenameSchema(config.RenameSchema)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Ignoring rename schema, payloads pass through unchanged")
	}
	a.schema = schema

	filter, err := ParseCommandByteFilter(config.CommandByteFilter)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Ignoring invalid entries in command byte filter")
	}
	a.filter = filter

	return a
}

// ParseRenameSchema decodes a JSON object mapping raw keys to display keys.
// An empty schema returns nil, nil.
func ParseRenameSchema(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRenameSchema, err)
	}

	schema := make(map[string]string, len(decoded))
	for key, v := range decoded {
		name, ok := v.(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: key %q must map to a non-empty string", domain.ErrInvalidRenameSchema, key)
		}
		schema[key] = name
	}
	return schema, nil
}

// ParseCommandByteFilter parses a comma or space separated list of command
// bytes. Invalid tokens are skipped and reported in the returned error.
func ParseCommandByteFilter(raw string) (map[int]struct{}, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' || r == ';' })
	if len(fields) == 0 {
		return nil, nil
	}

	filter := make(map[int]struct{}, len(fields))
	var bad []string
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			bad = append(bad, f)
			continue
		}
		filter[n] = struct{}{}
	}

	var err error
	if len(bad) > 0 {
		err = fmt.Errorf("%w: %s", domain.ErrInvalidFilter, strings.Join(bad, ","))
	}
	if len(filter) == 0 {
		return nil, err
	}
	return filter, err
}

// RenameKeys returns a copy of payload with keys mapped through schema.
// Keys absent from the schema are kept unchanged. A renamed key overwrites a
// raw key of the same name; renamed keys colliding with each other resolve
// in source key order, last wins.
func RenameKeys(payload map[string]interface{}, schema map[string]string) map[string]interface{} {
	if schema == nil {
		return payload
	}
	out := make(map[string]interface{}, len(payload))
	var renamed []string
	for k, v := range payload {
		if _, ok := schema[k]; ok {
			renamed = append(renamed, k)
			continue
		}
		out[k] = v
	}
	sort.Strings(renamed)
	for _, k := range renamed {
		out[schema[k]] = payload[k]
	}
	return out
}

// Available reports whether the last lifecycle signal showed the device reachable.
func (a *TelemetryAdapter) Available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.available
}

// OnData handles a data event from the port.
func (a *TelemetryAdapter) OnData(data map[string]interface{}, commandByte *int) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.available = true
	a.mu.Unlock()

	if a.autoOff > 0 {
		a.scheduleAutoOff()
	}

	if a.filter != nil && !a.passes(commandByte) {
		a.metrics.RecordEventFiltered(a.device.ID)
		a.logger.Debug().Interface("command_byte", commandByte).Msg("Data event filtered")
		return
	}

	a.emit(&domain.OutputEvent{
		Device:      a.device.Snapshot(true),
		CommandByte: commandByte,
		Payload:     RenameKeys(data, a.schema),
		Timestamp:   a.clock.Now(),
	})
	a.metrics.RecordEvent(a.device.ID, "data")
}

// OnDisconnected emits the availability=false event.
func (a *TelemetryAdapter) OnDisconnected() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.available = false
	a.mu.Unlock()

	a.emit(&domain.OutputEvent{
		Device:    a.device.Snapshot(false),
		Timestamp: a.clock.Now(),
	})
	a.metrics.RecordEvent(a.device.ID, "unavailable")
}

// Close cancels the auto-off timer.
func (a *TelemetryAdapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.autoOffTimer != nil {
		a.autoOffTimer.Stop()
		a.autoOffTimer = nil
	}
}

func (a *TelemetryAdapter) passes(commandByte *int) bool {
	if commandByte == nil {
		return false
	}
	_, ok := a.filter[*commandByte]
	return ok
}

// scheduleAutoOff replaces any outstanding auto-off timer with a fresh one.
func (a *TelemetryAdapter) scheduleAutoOff() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.autoOffTimer != nil {
		a.autoOffTimer.Stop()
	}
	a.autoOffGen++
	gen := a.autoOffGen
	a.autoOffTimer = a.clock.AfterFunc(a.autoOff, func() { a.fireAutoOff(gen) })
	a.metrics.RecordAutoOffScheduled(a.device.ID)
}

func (a *TelemetryAdapter) fireAutoOff(gen uint64) {
	a.mu.Lock()
	// A replaced timer that fired before Stop took effect is stale.
	if a.closed || gen != a.autoOffGen {
		a.mu.Unlock()
		return
	}
	a.autoOffTimer = nil
	a.mu.Unlock()

	cmd := domain.SetKeyed(a.autoOffDPS, false)
	cmd.Source = "auto-off"
	a.report(domain.NewStatus(domain.FillGreen, domain.ShapeDot, domain.StatusTimerScheduled,
		fmt.Sprintf("for %d seconds", int(a.autoOff/time.Second))))
	if err := a.enqueue(cmd); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to enqueue auto-off command")
	}
}
