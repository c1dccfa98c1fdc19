package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	testCases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"WARNING": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for raw, expected := range testCases {
		logger, err := NewLogger(raw, "json")
		if err != nil {
			t.Fatalf("failed to build logger for %q: %v", raw, err)
		}
		if !logger.Core().Enabled(expected) {
			t.Fatalf("level %q should enable %s", raw, expected)
		}
		if expected > zapcore.DebugLevel && logger.Core().Enabled(expected-1) {
			t.Fatalf("level %q should not enable %s", raw, expected-1)
		}
	}
}

func TestNewLoggerConsoleFormat(t *testing.T) {
	logger, err := NewLogger("info", "console")
	if err != nil {
		t.Fatalf("failed to build console logger: %v", err)
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("console logger must honour the configured level")
	}
}
