package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew_JSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Config{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("dropped")
	logger.Warn("order not filled", "order_id", "ord-1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "order not filled", entry["msg"])
	assert.Equal(t, "ord-1", entry["order_id"])
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Config{Level: "info", Format: "text"}, &buf)
	require.NoError(t, err)

	logger.Info("wallet created", "customer_id", "c1")
	assert.Contains(t, buf.String(), "customer_id=c1")
}

func TestNew_InvalidFormat(t *testing.T) {
	_, _, err := New(Config{Level: "info", Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestNew_TeesToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "ledger.log")
	var buf bytes.Buffer
	logger, closer, err := New(Config{Level: "info", File: path}, &buf)
	require.NoError(t, err)

	logger.Info("lot recorded", "lot_id", "l1")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"lot_id":"l1"`)
	assert.Contains(t, buf.String(), `"lot_id":"l1"`)
}
