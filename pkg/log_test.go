package pkg

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogLevel(t *testing.T) {
	original := GetLogLevel()
	defer SetLogLevel(original)

	for _, level := range []slog.Level{LevelTrace, slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		SetLogLevel(level)
		assert.Equal(t, level, GetLogLevel())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"trace", LevelTrace},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger.Info("test message")
	assert.Contains(t, buf.String(), `"msg":"test message"`)
}

func TestComponentLogging(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	tests := []struct {
		name      string
		log       func(Component, string, ...any)
		component Component
	}{
		{"trace", LogTrace, ComponentSim},
		{"debug", LogDebug, ComponentEngine},
		{"info", LogInfo, ComponentHost},
		{"warn", LogWarn, ComponentSplit},
		{"error", LogError, ComponentIRQ},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			SetLogger(NewLogger(&buf, &slog.HandlerOptions{Level: LevelTrace}))

			tt.log(tt.component, tt.name+" message", "channel", 3)
			out := buf.String()
			assert.Contains(t, out, tt.name+" message")
			assert.Contains(t, out, "component="+string(tt.component))
			assert.Contains(t, out, "channel=3")
		})
	}
}

func TestSetupLogger_File(t *testing.T) {
	original := Logger()
	originalLevel := GetLogLevel()
	defer func() {
		SetLogger(original)
		SetLogLevel(originalLevel)
	}()

	path := filepath.Join(t.TempDir(), "hcd.log")
	logger, closers, err := SetupLogger("debug", path, LogFormatJSON)
	require.NoError(t, err)
	require.Len(t, closers, 1)

	logger.Debug("to file", "k", "v")
	LogInfo(ComponentEngine, "via default")
	for _, c := range closers {
		require.NoError(t, c.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"to file"`)
	assert.Contains(t, string(data), `"component":"engine"`)
	assert.Equal(t, slog.LevelDebug, GetLogLevel())
}

func TestSetupLogger_BadPath(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	_, _, err := SetupLogger("info", filepath.Join(t.TempDir(), "missing", "x.log"), LogFormatText)
	assert.Error(t, err)
}
