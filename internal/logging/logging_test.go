package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel(" WARN "))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "info", "json")
	log.Debug("hidden")
	log.Info("session transitioned", "session_id", "s1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "session transitioned", line["msg"])
	assert.Equal(t, "s1", line["session_id"])
	assert.Equal(t, "liveclass", line["service"])
}

func TestTextLogger(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "debug", "text").Debug("sweep finished", "expired", 2)
	assert.Contains(t, buf.String(), "expired=2")
}
