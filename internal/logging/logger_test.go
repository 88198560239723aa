package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerHonorsLevel(t *testing.T) {
	testCases := []struct {
		level  string
		format string
		want   zapcore.Level
	}{
		{level: "debug", format: "json", want: zapcore.DebugLevel},
		{level: "WARNING", format: "console", want: zapcore.WarnLevel},
		{level: "", format: "", want: zapcore.InfoLevel},
		{level: "verbose", format: "json", want: zapcore.InfoLevel},
	}
	for _, testCase := range testCases {
		logger, err := NewLogger(testCase.level, testCase.format)
		if err != nil {
			t.Fatalf("NewLogger(%q, %q) failed: %v", testCase.level, testCase.format, err)
		}
		if !logger.Core().Enabled(testCase.want) {
			t.Fatalf("level %q: expected %s to be enabled", testCase.level, testCase.want)
		}
		if testCase.want > zapcore.DebugLevel && logger.Core().Enabled(testCase.want-1) {
			t.Fatalf("level %q: expected %s to be disabled", testCase.level, testCase.want-1)
		}
	}
}
