package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/layerchop/config"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	log.Info().Msg("hidden")
	log.Warn().Str("consumer", "sum").Msg("merge waits")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "sum", entry["consumer"])
	assert.Equal(t, "merge waits", entry["message"])
	assert.Contains(t, entry, "time")
}

func TestNewWithWriterConsole(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(config.LogConfig{Level: "debug", Format: "console"}, &buf)
	require.NoError(t, err)

	log.Debug().Str("layer", "fc1").Msg("copied")
	assert.Contains(t, buf.String(), "copied")
	assert.Contains(t, buf.String(), "fc1")
}

func TestNewWithWriterErrors(t *testing.T) {
	_, err := NewWithWriter(config.LogConfig{Level: "chatty"}, &bytes.Buffer{})
	assert.Error(t, err)

	_, err = NewWithWriter(config.LogConfig{Level: "info", Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layerchop.log")
	log, closer, err := New(config.LogConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	log.Info().Msg("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"to file"`)
}

func TestNewBadFile(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: "info", Output: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.Error(t, err)
}
