package mqtt

import "testing"

func TestParseCommandTopic(t *testing.T) {
	tests := []struct {
		name   string
		topic  string
		wantID string
		wantOK bool
	}{
		{"valid", "devicelink/bf1234/command", "bf1234", true},
		{"response topic", "devicelink/bf1234/command/response", "", false},
		{"wrong prefix", "other/bf1234/command", "", false},
		{"event topic", "devicelink/bf1234/event", "", false},
		{"empty id", "devicelink//command", "", false},
		{"prefix only", "devicelink", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := ParseCommandTopic("devicelink", tt.topic)
			if ok != tt.wantOK || id != tt.wantID {
				t.Errorf("ParseCommandTopic(%q) = %q, %v, want %q, %v", tt.topic, id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestTopicLayout(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{EventTopic("dl", "x"), "dl/x/event"},
		{StatusTopic("dl", "x"), "dl/x/status"},
		{AvailableTopic("dl", "x"), "dl/x/available"},
		{CommandTopic("dl", "x"), "dl/x/command"},
		{CommandResponseTopic("dl", "x"), "dl/x/command/response"},
		{BridgeStatusTopic("dl"), "dl/bridge/status"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}
