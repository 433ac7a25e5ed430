package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogLevelString(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LogLevel(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.level.String())
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel("info"))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelWarn, &buf)

	Debug("Test", "debug message")
	Info("Test", "info message")
	Warn("Test", "warn message")

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, "warn message")
}

func TestErrorAttachesError(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelDebug, &buf)

	Error("Test", errors.New("boom"), "something failed")

	out := buf.String()
	assert.Contains(t, out, "something failed")
	assert.Contains(t, out, "boom")
	assert.Contains(t, out, "subsystem=Test")
}

func TestFormatArgs(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelDebug, &buf)

	Info("Test", "loaded %d providers from %s", 3, "disk")
	assert.True(t, strings.Contains(buf.String(), "loaded 3 providers from disk"))
}

func TestTruncateSessionID(t *testing.T) {
	assert.Equal(t, "short", TruncateSessionID("short"))
	assert.Equal(t, "abcdefgh...", TruncateSessionID("abcdefghijklmnop"))
}
