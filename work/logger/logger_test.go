package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLogLevel("debug"))
	assert.Equal(t, WARN, ParseLogLevel("Warning"))
	assert.Equal(t, ERROR, ParseLogLevel("ERROR"))
	assert.Equal(t, INFO, ParseLogLevel("bogus"))
}

func TestLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("warn", &buf)

	l.Debug("dropped %d", 1)
	l.Info("dropped %d", 2)
	l.Warn("kept %s", "warn")
	l.Error("kept %s", "error")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "kept warn", entry["message"])
	assert.Equal(t, "kptv-relay", entry["service"])
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("error", &buf)
	assert.Equal(t, "ERROR", l.GetLevel())

	l.SetLevel("debug")
	assert.Equal(t, "DEBUG", l.GetLevel())
	l.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}
