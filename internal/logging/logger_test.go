package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestLoggerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "WARN")
	l.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %s", buf.String())
	}
	l.Warn("shown", "ride_id", "r1")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if line["msg"] != "shown" || line["ride_id"] != "r1" || line["service"] != "ride-dispatch" {
		t.Fatalf("unexpected record %v", line)
	}
}
