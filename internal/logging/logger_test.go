package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAppendsJSONToFile(t *testing.T) {
	path := DefaultFile(t.TempDir())
	logger, closeFn, err := New(Config{Level: "debug", Format: FormatConsole, File: path})
	require.NoError(t, err)
	logger.Info("step completed")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "step completed", entry["msg"])
	require.Equal(t, "info", entry["level"])

	logger, closeFn, err = New(Config{File: path})
	require.NoError(t, err)
	logger.Debug("filtered")
	logger.Warn("second")
	require.NoError(t, closeFn())
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(string(data), "\n"))
}

func TestValidate(t *testing.T) {
	require.NoError(t, Config{}.Validate())
	require.NoError(t, Config{Level: "warn", Format: "json"}.Validate())
	require.Error(t, Config{Level: "loud"}.Validate())
	require.Error(t, Config{Format: "xml"}.Validate())

	_, _, err := New(Config{Level: "loud"})
	require.Error(t, err)
}

func TestDefaultFile(t *testing.T) {
	require.Equal(t, filepath.Join("state", "logs", "stepflow.log"), DefaultFile("state"))
}
