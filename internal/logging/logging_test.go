package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevels(t *testing.T) {
	tests := []struct {
		level     string
		wantDebug bool
		wantInfo  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"WARN", false, false},
		{"", false, true},
		{"bogus", false, true},
	}
	for _, tc := range tests {
		var buf bytes.Buffer
		log := New(Config{Level: tc.level, Output: &buf})
		log.Debug().Msg("debug message")
		log.Info().Msg("info message")

		out := buf.String()
		if got := strings.Contains(out, "debug message"); got != tc.wantDebug {
			t.Errorf("level %q: debug logged = %v", tc.level, got)
		}
		if got := strings.Contains(out, "info message"); got != tc.wantInfo {
			t.Errorf("level %q: info logged = %v", tc.level, got)
		}
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New(Config{Level: "info", Output: &buf}), "segmap")
	log.Info().Msg("hello")
	if !strings.Contains(buf.String(), `"component":"segmap"`) {
		t.Errorf("component field missing: %s", buf.String())
	}
}

func TestPretty(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Pretty: true, Output: &buf})
	log.Info().Msg("pretty message")
	if strings.Contains(buf.String(), `"message"`) {
		t.Errorf("pretty output is JSON: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "pretty message") {
		t.Errorf("message missing: %s", buf.String())
	}
}
