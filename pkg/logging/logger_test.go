package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"WARN", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_Configs(t *testing.T) {
	dev, err := NewLogger(DevelopmentConfig())
	if err != nil {
		t.Fatalf("NewLogger(DevelopmentConfig()) failed: %v", err)
	}
	if !dev.Core().Enabled(zapcore.DebugLevel) {
		t.Error("Expected the development logger to emit debug")
	}

	prod, err := NewLogger(DefaultConfig())
	if err != nil {
		t.Fatalf("NewLogger(DefaultConfig()) failed: %v", err)
	}
	if prod.Core().Enabled(zapcore.DebugLevel) {
		t.Error("Expected the default logger to drop debug")
	}

	if _, err := NewLogger(Config{Format: "xml"}); err == nil {
		t.Error("Expected an error for an unknown encoding")
	}
}

func TestOrGlobal(t *testing.T) {
	l := NewNoOpLogger()
	if OrGlobal(l) != l {
		t.Error("Expected the given logger back")
	}
	if OrGlobal(nil) != L() {
		t.Error("Expected the process logger for nil")
	}
}
