package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	testCases := []struct {
		level      string
		enabled    zapcore.Level
		suppressed zapcore.Level
	}{
		{level: "debug", enabled: zapcore.DebugLevel},
		{level: "", enabled: zapcore.InfoLevel, suppressed: zapcore.DebugLevel},
		{level: "WARNING", enabled: zapcore.WarnLevel, suppressed: zapcore.InfoLevel},
		{level: "error", enabled: zapcore.ErrorLevel, suppressed: zapcore.WarnLevel},
		{level: "verbose", enabled: zapcore.InfoLevel, suppressed: zapcore.DebugLevel},
	}
	for _, testCase := range testCases {
		logger, err := NewLogger(testCase.level, "json")
		if err != nil {
			t.Fatalf("level %q: build failed: %v", testCase.level, err)
		}
		if !logger.Core().Enabled(testCase.enabled) {
			t.Fatalf("level %q: expected %s enabled", testCase.level, testCase.enabled)
		}
		if testCase.level != "debug" && logger.Core().Enabled(testCase.suppressed) {
			t.Fatalf("level %q: expected %s suppressed", testCase.level, testCase.suppressed)
		}
	}
}

func TestNewLoggerConsoleEncoding(t *testing.T) {
	if _, err := NewLogger("info", "console"); err != nil {
		t.Fatalf("console logger failed: %v", err)
	}
}
