package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

// TestHandlerFormat checks the line layout and attribute rendering.
func TestHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelDebug))

	log.Info("recovered", "candidate", "ab12", "chunks", 4)

	line := buf.String()
	if !strings.Contains(line, "[INF] recovered candidate=ab12 chunks=4\n") {
		t.Fatalf("unexpected line: %q", line)
	}
}

// TestHandlerLevel checks records below the minimum level are dropped.
func TestHandlerLevel(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelWarn))

	log.Info("hidden")
	log.Debug("hidden")
	log.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("low level record written: %q", buf.String())
	}

	if !strings.Contains(buf.String(), "[WRN] shown") {
		t.Fatalf("warn record missing: %q", buf.String())
	}
}

// TestHandlerWithAttrsAndGroup checks derived loggers carry attributes and group prefixes.
func TestHandlerWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(NewHandler(&buf, slog.LevelInfo))

	base.With("candidate", "ff").WithGroup("fetch").Info("chunk", "index", 3)

	line := buf.String()
	if !strings.Contains(line, "chunk candidate=ff fetch.index=3") {
		t.Fatalf("unexpected line: %q", line)
	}

	buf.Reset()
	base.Info("plain")

	if strings.Contains(buf.String(), "candidate") {
		t.Fatalf("parent logger picked up child attrs: %q", buf.String())
	}
}

// TestParseLevel checks accepted level names.
func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}

	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", in, err)
		}

		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
