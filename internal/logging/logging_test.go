package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewWritesJSONLines(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	logger, err := New(dir, "orchestrator", "debug")
	require.NoError(t, err)

	Component(logger, "planner").Debug("plan parsed", zap.Int("steps", 2))
	_ = logger.Sync()

	data, err := os.ReadFile(filepath.Join(dir, "orchestrator.log"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"msg":"log started"`)
	assert.Contains(t, lines[1], `"component":"planner"`)
	assert.Contains(t, lines[1], `"steps":2`)
}

func TestNewRespectsLevel(t *testing.T) {
	dir := t.TempDir()

	logger, err := New(dir, "worker", "warn")
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown")
	_ = logger.Sync()

	data, err := os.ReadFile(filepath.Join(dir, "worker.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}

func TestNewEmptyDirIsNop(t *testing.T) {
	logger, err := New("", "x", "info")
	require.NoError(t, err)
	assert.NotNil(t, logger)
	logger.Info("discarded")
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, lvl)

	lvl, err = ParseLevel(" DEBUG ")
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, lvl)

	_, err = ParseLevel("chatty")
	assert.Error(t, err)
}

func TestForProjectFallsBackToNop(t *testing.T) {
	// A regular file where the directory should be makes MkdirAll fail.
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	logger := ForProject(filepath.Join(blocker, "logs"), "x", "info")
	require.NotNil(t, logger)
	logger.Info("discarded")
}

func TestComponentNilLogger(t *testing.T) {
	assert.NotNil(t, Component(nil, "x"))
}
