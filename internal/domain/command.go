package domain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// CommandKind tags the variant carried by a Command.
type CommandKind string

const (
	// CommandPollSchema asks the device for its full data point schema.
	CommandPollSchema CommandKind = "request"
	// CommandConnect requests a (re)connection.
	CommandConnect CommandKind = "connect"
	// CommandDisconnect drops the connection without suppressing auto-reconnect.
	CommandDisconnect CommandKind = "disconnect"
	// CommandToggle flips the primary output.
	CommandToggle CommandKind = "toggle"
	// CommandSetBoolean sets the primary switch data point.
	// A bare JSON boolean on the command input means exactly this.
	CommandSetBoolean CommandKind = "set_boolean"
	// CommandSetKeyed sets one data point by id.
	CommandSetKeyed CommandKind = "set_keyed"
	// CommandSetMultiple sets several data points at once.
	CommandSetMultiple CommandKind = "set_multiple"
)

// Command is a pending request for the device. Exactly the fields of its Kind are meaningful.
type Command struct {
	Kind CommandKind `json:"kind"`

	// Value is the SetBoolean payload
	Value bool `json:"value,omitempty"`

	// DPS and Set are the SetKeyed payload
	DPS string      `json:"dps,omitempty"`
	Set interface{} `json:"set,omitempty"`

	// Data is the SetMultiple payload, data point id to value
	Data map[string]interface{} `json:"data,omitempty"`

	// RequestID correlates the command with its origin (optional)
	RequestID string `json:"request_id,omitempty"`

	// Source names the producer, e.g. "mqtt", "http", "auto-off"
	Source string `json:"source,omitempty"`
}

// PollSchema builds a CommandPollSchema command.
func PollSchema() Command { return Command{Kind: CommandPollSchema} }

// Connect builds a CommandConnect command.
func Connect() Command { return Command{Kind: CommandConnect} }

// Disconnect builds a CommandDisconnect command.
func Disconnect() Command { return Command{Kind: CommandDisconnect} }

// Toggle builds a CommandToggle command.
func Toggle() Command { return Command{Kind: CommandToggle} }

// SetBoolean builds a CommandSetBoolean command.
func SetBoolean(value bool) Command { return Command{Kind: CommandSetBoolean, Value: value} }

// SetKeyed builds a CommandSetKeyed command.
func SetKeyed(dps string, value interface{}) Command {
	return Command{Kind: CommandSetKeyed, DPS: dps, Set: value}
}

// SetMultiple builds a CommandSetMultiple command.
func SetMultiple(data map[string]interface{}) Command {
	return Command{Kind: CommandSetMultiple, Data: data}
}

// String returns a compact description used in logs.
func (c Command) String() string {
	switch c.Kind {
	case CommandSetBoolean:
		return fmt.Sprintf("%s(%t)", c.Kind, c.Value)
	case CommandSetKeyed:
		return fmt.Sprintf("%s(%s=%v)", c.Kind, c.DPS, c.Set)
	case CommandSetMultiple:
		return fmt.Sprintf("%s(%d points)", c.Kind, len(c.Data))
	default:
		return string(c.Kind)
	}
}

// ParseCommand decodes a host input payload into a Command.
//
// Accepted payloads: the literal strings "request", "connect", "disconnect" and
// "toggle"; a JSON boolean; an object with a "dps" key ({"dps": 1, "set": true});
// or an object with a "multiple" key ({"multiple": true, "data": {"1": true}}).
// A payload that is not valid JSON is treated as a bare string tag.
func ParseCommand(payload []byte) (Command, error) {
	var raw interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		raw = strings.TrimSpace(string(payload))
	}
	return CommandFromValue(raw)
}

// CommandFromValue converts an already decoded payload into a Command.
func CommandFromValue(raw interface{}) (Command, error) {
	switch v := raw.(type) {
	case string:
		switch CommandKind(v) {
		case CommandPollSchema, CommandConnect, CommandDisconnect, CommandToggle:
			return Command{Kind: CommandKind(v)}, nil
		}
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, v)

	case bool:
		return SetBoolean(v), nil

	case map[string]interface{}:
		if dps, ok := v["dps"]; ok {
			id, err := dataPointID(dps)
			if err != nil {
				return Command{}, err
			}
			return SetKeyed(id, v["set"]), nil
		}
		if _, ok := v["multiple"]; ok {
			data, ok := v["data"].(map[string]interface{})
			if !ok || len(data) == 0 {
				return Command{}, fmt.Errorf("%w: multiple requires a non-empty data object", ErrInvalidCommandData)
			}
			return SetMultiple(data), nil
		}
		return Command{}, fmt.Errorf("%w: object without dps or multiple", ErrUnknownCommand)

	default:
		return Command{}, fmt.Errorf("%w: unsupported payload type %T", ErrUnknownCommand, raw)
	}
}

// dataPointID normalizes a dps reference (number or string) to its string key.
func dataPointID(v interface{}) (string, error) {
	switch id := v.(type) {
	case string:
		if id == "" {
			return "", fmt.Errorf("%w: empty dps", ErrInvalidCommandData)
		}
		return id, nil
	case float64:
		if id < 0 || id != float64(int64(id)) {
			return "", fmt.Errorf("%w: dps must be a non-negative integer, got %v", ErrInvalidCommandData, id)
		}
		return strconv.FormatInt(int64(id), 10), nil
	case int:
		return strconv.Itoa(id), nil
	default:
		return "", fmt.Errorf("%w: dps must be a number or string, got %T", ErrInvalidCommandData, v)
	}
}
