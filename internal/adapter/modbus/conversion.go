package modbus

import "strings"

// coilOn is the value a single coil write uses for "on".
const coilOn uint16 = 0xFF00

// coilValue encodes a boolean for WriteSingleCoil.
func coilValue(on bool) uint16 {
	if on {
		return coilOn
	}
	return 0
}

// unpackCoils expands a packed coil response, least significant bit first.
func unpackCoils(data []byte, quantity uint16) []bool {
	out := make([]bool, quantity)
	for i := uint16(0); i < quantity; i++ {
		idx := int(i / 8)
		if idx >= len(data) {
			break
		}
		out[i] = data[idx]&(1<<(i%8)) != 0
	}
	return out
}

// toBool converts a command value to a coil state.
func toBool(v interface{}) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case int:
		return val != 0, true
	case int64:
		return val != 0, true
	case uint8:
		return val != 0, true
	case uint16:
		return val != 0, true
	case float32:
		return val != 0, true
	case float64:
		return val != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "on", "1":
			return true, true
		case "false", "off", "0":
			return false, true
		}
		return false, false
	default:
		return false, false
	}
}
