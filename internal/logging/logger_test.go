package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOutput(LevelInfo, FormatJSON, &buf)

	logger.WithField("email", "a@example.com").WithComponent("dispatcher").Info("email sent")

	var entry LogEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "info", entry.Level)
	assert.Equal(t, "email sent", entry.Message)
	assert.Equal(t, "a@example.com", entry.Fields["email"])
	assert.Equal(t, "dispatcher", entry.Fields["component"])
	assert.Empty(t, entry.Caller)
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOutput(LevelWarn, FormatText, &buf)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")
	logger.Infof("hidden %d", 2)
	logger.Error("also shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "warn: shown")
	assert.Contains(t, out, "error: also shown")
	assert.Contains(t, out, "caller=")
}

func TestDerivedLoggersDoNotShareFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewLoggerWithOutput(LevelInfo, FormatJSON, &buf)
	child := base.WithFields(map[string]interface{}{"job": "trial"})
	_ = child.WithError(errors.New("boom"))

	base.Info("base")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.NotContains(t, lines[0], "job")
	assert.Same(t, base, base.WithError(nil))
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOutput(LevelInfo, FormatJSON, &buf)

	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, LevelDebug, ParseLogLevel("debug"))
	assert.Equal(t, LevelInfo, ParseLogLevel("loud"))
	assert.Equal(t, FormatText, ParseLogFormat("text"))
	assert.Equal(t, FormatJSON, ParseLogFormat("xml"))
}
