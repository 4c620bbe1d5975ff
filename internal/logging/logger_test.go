package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONCarriesServiceAndMode(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "info", Service: "shuttle", Mode: "custom", Output: &buf})
	require.NoError(t, err)

	logger.Info("move rejected", "requested", "3")
	logger.Debug("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "shuttle", record["service"])
	assert.Equal(t, "custom", record["mode"])
	assert.Equal(t, "3", record["requested"])

	ts, ok := record["time"].(string)
	require.True(t, ok)
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, parsed.Location())
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Format: "text", Output: &buf})
	require.NoError(t, err)
	logger.Warn("feed disconnected")
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "service=shuttle")
	assert.NotContains(t, buf.String(), "mode=")
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for raw, want := range cases {
		got, err := ParseLevel(raw)
		if err != nil {
			t.Fatalf("ParseLevel(%q) error = %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("ParseLevel(loud) expected error")
	}
}
