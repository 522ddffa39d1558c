package eventlog

import (
	"encoding/json"
	"testing"
)

func TestEventOmitsUnsetSignal(t *testing.T) {
	code := 0
	evt := Event{ID: 1, Target: "web", Result: "ok", Code: &code, FinishedAt: 1000}
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["signal"]; ok {
		t.Fatalf("expected signal omitted when empty, got %v", decoded)
	}
	if decoded["target"] != "web" {
		t.Fatalf("unexpected target: %v", decoded["target"])
	}
}
