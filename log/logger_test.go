package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("unmarshal %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLogger_IdentityFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(Identity{Service: "stat-update", Version: "1.2.3", InstanceID: "abc"}, zapcore.DebugLevel, &buf)

	l.Info("redis connected", map[string]any{"addr": "127.0.0.1:6379"})

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	entry := lines[0]
	if entry["service"] != "stat-update" {
		t.Errorf("service = %v, want stat-update", entry["service"])
	}
	if entry["version"] != "1.2.3" {
		t.Errorf("version = %v, want 1.2.3", entry["version"])
	}
	if entry["instance_id"] != "abc" {
		t.Errorf("instance_id = %v, want abc", entry["instance_id"])
	}
	if entry["message"] != "redis connected" {
		t.Errorf("message = %v", entry["message"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["addr"] != "127.0.0.1:6379" {
		t.Errorf("fields = %v", entry["fields"])
	}
}

func TestLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(Identity{Service: "s"}, zapcore.WarnLevel, &buf)

	l.Debug("dropped", nil)
	l.Info("dropped", nil)
	l.Warn("kept", nil)
	l.Error("kept", nil)

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if l.Enabled(zapcore.DebugLevel) {
		t.Error("debug should not be enabled at warn level")
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(Identity{Service: "s"}, zapcore.InfoLevel, &buf).
		With(map[string]any{"conn_id": "c-1"})

	l.Info("accepted", nil)

	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["conn_id"] != "c-1" {
		t.Errorf("lines = %v, want conn_id=c-1", lines)
	}
}

func TestLogger_NilSafe(t *testing.T) {
	var l *Logger
	l.Debug("x", nil)
	l.Info("x", nil)
	l.Warn("x", nil)
	l.Error("x", nil)
	if l.With(map[string]any{"a": 1}) != nil {
		t.Error("With on nil logger should return nil")
	}
	if l.Enabled(zapcore.ErrorLevel) {
		t.Error("nil logger should not be enabled")
	}
	if err := l.Sync(); err != nil {
		t.Errorf("Sync: %v", err)
	}
	l.Sugar().Infof("x %d", 1)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"ERROR", zapcore.ErrorLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
