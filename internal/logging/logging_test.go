package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "verbose", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("level mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("info", FormatJSON, &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.Debug("hidden")
	log.Info("sweep finished", "count", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if diff := cmp.Diff(1, len(lines)); diff != "" {
		t.Fatalf("line count mismatch (-want +got):\n%s", diff)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if diff := cmp.Diff("sweep finished", rec["msg"]); diff != "" {
		t.Errorf("msg mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(float64(3), rec["count"]); diff != "" {
		t.Errorf("count mismatch (-want +got):\n%s", diff)
	}
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("debug", FormatText, &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.Debug("checking feed", "url", "https://example.com/rss")
	if !strings.Contains(buf.String(), "url=https://example.com/rss") {
		t.Errorf("unexpected text output: %q", buf.String())
	}
}

func TestNewAutoNonTerminalIsJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("info", FormatAuto, &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.Info("hello")
	if !json.Valid(bytes.TrimSpace(buf.Bytes())) {
		t.Errorf("expected JSON output, got %q", buf.String())
	}
}

func TestNewInvalid(t *testing.T) {
	if _, err := New("info", "xml", &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown format")
	}
	if _, err := New("loud", FormatText, &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown level")
	}
}
