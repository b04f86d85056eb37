package domain

import (
	"time"

	"github.com/goccy/go-json"
)

// DeviceSnapshot is the device summary attached to every output event.
type DeviceSnapshot struct {
	Name      string `json:"name"`
	Address   string `json:"ip"`
	ID        string `json:"id"`
	Available bool   `json:"available"`
}

// OutputEvent is a normalized telemetry or availability event handed to the host.
type OutputEvent struct {
	Device      DeviceSnapshot         `json:"data"`
	CommandByte *int                   `json:"commandByte,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Timestamp   time.Time              `json:"ts"`
}

// ToJSON serializes the event.
func (e *OutputEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// StatusFill is the colour hint of a status.
type StatusFill string

const (
	FillGreen  StatusFill = "green"
	FillYellow StatusFill = "yellow"
	FillRed    StatusFill = "red"
)

// StatusShape is the shape hint of a status.
type StatusShape string

const (
	ShapeDot  StatusShape = "dot"
	ShapeRing StatusShape = "ring"
)

// Status categories.
const (
	StatusConnecting        = "connecting"
	StatusConnected         = "connected"
	StatusDisconnected      = "disconnected from device"
	StatusNotFound          = "device not found"
	StatusFailed            = "failed"
	StatusError             = "error"
	StatusRefused           = "connection refused"
	StatusRetriesExhausted  = "retries exhausted"
	StatusSetSuccess        = "set success"
	StatusTimerScheduled    = "timer scheduled"
	StatusCommandFailed     = "command failed"
	StatusDisconnectFailure = "disconnect failed"
)

// Status is the human-readable two-part state shown by the host.
type Status struct {
	Category string      `json:"category"`
	Detail   string      `json:"detail,omitempty"`
	Fill     StatusFill  `json:"fill"`
	Shape    StatusShape `json:"shape"`
	Time     time.Time   `json:"time"`
}

// NewStatus builds a status stamped with the current time.
func NewStatus(fill StatusFill, shape StatusShape, category, detail string) Status {
	return Status{
		Category: category,
		Detail:   detail,
		Fill:     fill,
		Shape:    shape,
		Time:     time.Now(),
	}
}

// Text renders the status as a single line.
func (s Status) Text() string {
	if s.Detail == "" {
		return s.Category
	}
	return s.Category + ": " + s.Detail
}
