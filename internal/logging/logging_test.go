package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerWritesJSONAndFollowsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "warn")
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %s", buf.String())
	}
	logger.Warn("shown", "session_id", "s1")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if line["msg"] != "shown" || line["session_id"] != "s1" || line["service"] != "examguard" {
		t.Fatalf("unexpected line: %v", line)
	}

	buf.Reset()
	SetLevel("debug")
	logger.Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Fatal("level change not applied")
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel(" WARNING ").String() != "WARN" || ParseLevel("bogus").String() != "INFO" {
		t.Fatal("unexpected level parsing")
	}
}
