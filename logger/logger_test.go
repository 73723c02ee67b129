package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/migadu/livequery/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestInitializeFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livequery.log")
	f, err := Initialize(config.LoggingConfig{Output: path, Format: "json", Level: "debug"})
	require.NoError(t, err)
	require.NotNil(t, f)
	defer f.Close()

	Debug("Engine: window reloaded", "subscription", 3)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"Engine: window reloaded"`)
	assert.Contains(t, string(data), `"subscription":3`)
}

func TestInitializeRejectsUnknownFormat(t *testing.T) {
	_, err := Initialize(config.LoggingConfig{Format: "xml"})
	assert.Error(t, err)
}

func TestSetOutputLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "console", "warn")

	Info("hidden")
	Warnf("visible %d", 1)

	out := buf.String()
	assert.False(t, strings.Contains(out, "hidden"))
	assert.Contains(t, out, "visible 1")
}
