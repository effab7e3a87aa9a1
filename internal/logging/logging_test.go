package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"Warning", LevelWarn},
		{"warn", LevelWarn},
		{"error", LevelError},
		{"verbose", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLogger_FiltersAndFormats(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo).With("orchestrator")
	l.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	l.Debugf("hidden")
	l.Infof("transition task=%s", "task_1")

	got := buf.String()
	if strings.Contains(got, "hidden") {
		t.Errorf("debug line should be filtered: %q", got)
	}
	want := "2026-01-02T03:04:05Z INFO orchestrator: transition task=task_1\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestLogger_NilSafe(t *testing.T) {
	var l *Logger
	l.Infof("no panic")
}
