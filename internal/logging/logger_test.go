package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/solayield/backend/internal/config"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "indexer.log")
	logger, closeLogger, err := New("indexer", config.LogConfig{
		Level:    "debug",
		Format:   "json",
		Output:   "file",
		FilePath: path,
	})
	require.NoError(t, err)

	logger.Debug("synced", "strategies", 3)
	require.NoError(t, closeLogger())

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(body))
	assert.Contains(t, line, `"service":"indexer"`)
	assert.Contains(t, line, `"strategies":3`)
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	_, _, err := New("cli", config.LogConfig{Level: "verbose"})
	require.Error(t, err)

	_, _, err = New("cli", config.LogConfig{Format: "xml"})
	require.Error(t, err)

	_, _, err = New("cli", config.LogConfig{Output: "syslog"})
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	for raw, want := range map[string]string{"": "INFO", "WARNING": "WARN", " error ": "ERROR", "debug": "DEBUG"} {
		level, err := parseLevel(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, level.String())
	}
}
