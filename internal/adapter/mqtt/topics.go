package mqtt

import "strings"

// Topic layout under the configured prefix:
//
//	<prefix>/<device_id>/command            inbound commands
//	<prefix>/<device_id>/command/response   command acknowledgements
//	<prefix>/<device_id>/event              output events
//	<prefix>/<device_id>/status             retained status
//	<prefix>/<device_id>/available          retained "online" / "offline"
//	<prefix>/bridge/status                  retained bridge liveness (LWT)

// EventTopic returns the output event topic of a device.
func EventTopic(prefix, deviceID string) string { return prefix + "/" + deviceID + "/event" }

// StatusTopic returns the status topic of a device.
func StatusTopic(prefix, deviceID string) string { return prefix + "/" + deviceID + "/status" }

// AvailableTopic returns the availability topic of a device.
func AvailableTopic(prefix, deviceID string) string { return prefix + "/" + deviceID + "/available" }

// CommandTopic returns the inbound command topic of a device.
func CommandTopic(prefix, deviceID string) string { return prefix + "/" + deviceID + "/command" }

// CommandResponseTopic returns the command acknowledgement topic of a device.
func CommandResponseTopic(prefix, deviceID string) string {
	return CommandTopic(prefix, deviceID) + "/response"
}

// BridgeStatusTopic returns the bridge liveness topic.
func BridgeStatusTopic(prefix string) string { return prefix + "/bridge/status" }

// ParseCommandTopic extracts the device id from a command topic.
func ParseCommandTopic(prefix, topic string) (string, bool) {
	rest := strings.TrimPrefix(topic, prefix+"/")
	if rest == topic {
		return "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "command" {
		return "", false
	}
	return parts[0], true
}
