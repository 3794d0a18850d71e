package mqtt

import (
	"encoding/json"
	"testing"
)

func TestTopics(t *testing.T) {
	topics := Topics{}

	if got := topics.Event("new_device"); got != "radiowatch/events/new_device" {
		t.Errorf("Event() = %q", got)
	}
	if got := topics.SystemStatus(); got != "radiowatch/system/status" {
		t.Errorf("SystemStatus() = %q", got)
	}
}

func TestStatusPayloads(t *testing.T) {
	for name, payload := range map[string]string{
		"online":  buildOnlinePayload("node-1"),
		"offline": buildOfflinePayload("node-1"),
	} {
		t.Run(name, func(t *testing.T) {
			var decoded map[string]string
			if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
				t.Fatalf("payload is not valid JSON: %v", err)
			}
			if decoded["status"] != name {
				t.Errorf("status = %q, want %q", decoded["status"], name)
			}
			if decoded["client_id"] != "node-1" {
				t.Errorf("client_id = %q", decoded["client_id"])
			}
		})
	}
}
