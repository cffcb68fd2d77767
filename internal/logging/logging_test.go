package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/loadguard/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew_FileOutputJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guard.log")
	logger, closer, err := New(config.LoggingConfig{Level: "warn", Format: "json", Output: path})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("install failed", "error", "boom")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(b)
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, `"msg":"install failed"`)
	assert.Contains(t, out, `"component":"loadguard"`)
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestNew_BadLevel(t *testing.T) {
	_, _, err := New(config.LoggingConfig{Level: "chatty"})
	assert.Error(t, err)
}

func TestNew_Discard(t *testing.T) {
	logger, closer, err := New(config.LoggingConfig{Output: "discard"})
	require.NoError(t, err)
	logger.Info("nothing")
	assert.NoError(t, closer.Close())
}
