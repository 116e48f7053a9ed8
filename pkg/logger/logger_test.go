package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	l := New(LevelDebug, &buf)

	if l == nil {
		t.Fatal("New() returned nil")
	}

	l.Info("test message")
	output := buf.String()

	if !strings.Contains(output, "test message") {
		t.Errorf("Expected log output to contain 'test message', got: %s", output)
	}
}

func TestNewDefault(t *testing.T) {
	l := NewDefault()
	if l == nil {
		t.Fatal("NewDefault() returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"error", LevelError},
		{"unknown", LevelInfo}, // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if err != nil {
				t.Errorf("ParseLevel(%q) returned error: %v", tt.input, err)
			}
			if level != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, level, tt.expected)
			}
		})
	}
}

func TestWithContext(t *testing.T) {
	l := NewDefault()
	ctx := WithContext(context.Background(), l)

	retrieved := FromContext(ctx)
	if retrieved != l {
		t.Error("FromContext() did not return the same logger")
	}
}

func TestFromContextDefault(t *testing.T) {
	ctx := context.Background()
	l := FromContext(ctx)

	if l == nil {
		t.Fatal("FromContext() returned nil for context without logger")
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	l := New(LevelInfo, &buf)

	withAttrs := l.With("key", "value")
	withAttrs.Info("test")

	output := buf.String()
	if !strings.Contains(output, `"key":"value"`) {
		t.Errorf("Expected output to contain key/value field, got: %s", output)
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	l := New(LevelInfo, &buf)

	componentLogger := l.Component("establisher")
	componentLogger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, `"component":"establisher"`) {
		t.Errorf("Expected output to contain component field, got: %s", output)
	}
}

func TestWithGroup(t *testing.T) {
	var buf bytes.Buffer
	l := New(LevelInfo, &buf)

	groupLogger := l.WithGroup("network")
	groupLogger.Info("test", "bytes", 1024)

	output := buf.String()
	if !strings.Contains(output, `"group":"network"`) {
		t.Errorf("Expected output to contain group field, got: %s", output)
	}
	if !strings.Contains(output, `"bytes":1024`) {
		t.Errorf("Expected output to contain bytes field, got: %s", output)
	}
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		level   Level
		logFunc func(*Logger, string)
		name    string
	}{
		{LevelDebug, func(l *Logger, msg string) { l.Debug(msg) }, "Debug"},
		{LevelInfo, func(l *Logger, msg string) { l.Info(msg) }, "Info"},
		{LevelWarn, func(l *Logger, msg string) { l.Warn(msg) }, "Warn"},
		{LevelError, func(l *Logger, msg string) { l.Error(msg) }, "Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := New(tt.level, &buf)
			tt.logFunc(l, "test message")

			output := buf.String()
			if !strings.Contains(output, "test message") {
				t.Errorf("Expected output to contain 'test message', got: %s", output)
			}
		})
	}
}
