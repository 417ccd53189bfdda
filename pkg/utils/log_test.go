package utils

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogHandler(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		buf := new(bytes.Buffer)
		logger := slog.New(newLogHandler(buf, HandlerTypeJSON, LogLevelInfo))
		logger.Debug("Hidden.")
		logger.Info("Cache hit.", "namespace", "TestClass")

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line), "Expected exactly one JSON line")
		assert.Equal(t, "Cache hit.", line["msg"])
		assert.Equal(t, "TestClass", line["namespace"])
	})
	t.Run("text_debug", func(t *testing.T) {
		buf := new(bytes.Buffer)
		logger := slog.New(newLogHandler(buf, HandlerTypeText, LogLevelDebug))
		logger.Debug("Cache miss.", "namespace", "TestClass")
		assert.Contains(t, buf.String(), "level=DEBUG")
		assert.Contains(t, buf.String(), "namespace=TestClass")
	})
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel(LogLevelDebug))
	assert.Equal(t, slog.LevelWarn, parseLogLevel(LogLevelWarn))
	assert.Equal(t, slog.LevelError, parseLogLevel(LogLevelError))
	assert.Equal(t, slog.LevelInfo, parseLogLevel(LogLevelInfo))
}
