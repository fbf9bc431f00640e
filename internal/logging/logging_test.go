package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "debug", Format: "json", Output: &buf})
	require.NoError(t, err)

	logger.Debug("flushed session", "app", "Editor", "keys", 5)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "flushed session", entry["msg"])
	assert.Equal(t, "Editor", entry["app"])
	assert.EqualValues(t, 5, entry["keys"])
	assert.NotEmpty(t, entry["time"])
}

func TestNew_LevelVarAdjustsAtRuntime(t *testing.T) {
	var buf bytes.Buffer
	var lv slog.LevelVar
	logger, err := New(Options{Level: "warn", Output: &buf, LevelVar: &lv})
	require.NoError(t, err)

	logger.Info("hidden")
	assert.Empty(t, buf.String())

	lv.Set(slog.LevelInfo)
	logger.Info("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestNew_Rejects(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{" warning ", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
