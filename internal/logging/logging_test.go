package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewHonoursLevel(t *testing.T) {
	logger, err := New("warn", "json")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("info level enabled, want only warn and above")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatalf("error level disabled")
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New("info", "xml"); err == nil {
		t.Fatalf("New() error = nil, want format error")
	}
	if _, err := New("loud", "json"); err == nil {
		t.Fatalf("New() error = nil, want level error")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatalf("OrNop(nil) = nil")
	}
}
