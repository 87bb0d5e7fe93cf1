package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, "debug", lvl.String())

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, "info", lvl.String())

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, err := New(Options{Level: "LOUD"})
	assert.Error(t, err)
}

func TestZapLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "DEBUG", JSON: true, Output: &buf})
	require.NoError(t, err)

	logger.WithField("component", "ledger").Info("fill applied",
		"instrument", "F.US.MGC",
		"qty", 2,
		"error", errors.New("late"))
	require.NoError(t, logger.Sync())

	line := strings.TrimSpace(buf.String())
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &entry))

	assert.Equal(t, "fill applied", entry["msg"])
	assert.Equal(t, "ledger", entry["component"])
	assert.Equal(t, "F.US.MGC", entry["instrument"])
	assert.Equal(t, float64(2), entry["qty"])
	assert.Equal(t, "late", entry["error"])
}

func TestZapLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "WARN", JSON: true, Output: &buf})
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")
	require.NoError(t, logger.Sync())

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
}

func TestGlobalLogger(t *testing.T) {
	prev := GetGlobalLogger()
	defer SetGlobalLogger(prev)

	SetGlobalLogger(NopLogger{})
	assert.IsType(t, NopLogger{}, GetGlobalLogger())
}
