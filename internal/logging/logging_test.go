package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLevelForVerbosity(t *testing.T) {
	tests := []struct {
		v    int
		want string
	}{
		{-1, "error"},
		{0, "error"},
		{1, "warn"},
		{2, "info"},
		{3, "debug"},
		{9, "debug"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelForVerbosity(tt.v), "verbosity %d", tt.v)
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestJSONLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWriter(Config{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	log.Info("hidden")
	log.Warn("shown", zap.String("pair", "members"))
	require.NoError(t, log.Sync())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "members", entry["pair"])
}

func TestUnknownFormat(t *testing.T) {
	_, err := NewWriter(Config{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestNewCopiesToLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	log, closeLog, err := New(Config{Level: "info", Format: "json", FilePath: path})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("pair done", zap.String("pair", "donations"))
	require.NoError(t, closeLog())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "pair done", entry["msg"])
	assert.Equal(t, "donations", entry["pair"])
}

func TestNewAppendsToLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	for _, msg := range []string{"first run", "second run"} {
		log, closeLog, err := New(Config{Level: "info", Format: "console", FilePath: path})
		require.NoError(t, err)
		log.Info(msg)
		require.NoError(t, closeLog())
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "first run")
	assert.Contains(t, string(data), "second run")
	assert.NotContains(t, string(data), "\x1b[", "no color codes in the file")
}

func TestNewLogFileErrors(t *testing.T) {
	_, _, err := New(Config{FilePath: filepath.Join(t.TempDir(), "missing", "run.log")})
	assert.ErrorContains(t, err, "open log file")

	_, _, err = New(Config{Format: "xml", FilePath: filepath.Join(t.TempDir(), "run.log")})
	assert.Error(t, err)
}
