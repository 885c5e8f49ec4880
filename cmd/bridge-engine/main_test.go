package main

import (
	"log/slog"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestEnvOrDefaultInt(t *testing.T) {
	t.Setenv("BRIDGE_TEST_WORKERS", "12")
	t.Setenv("BRIDGE_TEST_BAD", "twelve")

	if got := envOrDefaultInt("BRIDGE_TEST_WORKERS", 4); got != 12 {
		t.Errorf("envOrDefaultInt() = %d, want 12", got)
	}
	if got := envOrDefaultInt("BRIDGE_TEST_BAD", 4); got != 4 {
		t.Errorf("envOrDefaultInt(bad) = %d, want 4", got)
	}
	if got := envOrDefaultInt("BRIDGE_TEST_UNSET", 4); got != 4 {
		t.Errorf("envOrDefaultInt(unset) = %d, want 4", got)
	}
}
