package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"nonsense", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestConfigureInstallsGlobal(t *testing.T) {
	prev := L()
	defer Set(prev)

	var buf bytes.Buffer
	l := Configure("json", "warn", &buf)
	if L() != l {
		t.Fatalf("Configure did not install the logger globally")
	}
	L().Info("dropped")
	L().Warn("kept", "k", "v")
	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info record passed a warn-level logger: %s", out)
	}
	if !strings.Contains(out, "kept") || !strings.Contains(out, `"k":"v"`) {
		t.Fatalf("warn record missing: %s", out)
	}
}
