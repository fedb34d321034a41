package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("text format", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log := New(Config{Level: LevelInfo, Format: FormatText, Output: &buf})
		log.Info("listener started", "port", 9100)

		out := buf.String()
		assert.Contains(t, out, "listener started")
		assert.Contains(t, out, "port=9100")
	})

	t.Run("json format", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log := New(Config{Level: LevelInfo, Format: FormatJSON, Output: &buf})
		log.Info("listener started", "port", 9100)

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "listener started", entry["msg"])
		assert.Equal(t, float64(9100), entry["port"])
	})

	t.Run("level filters output", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log := New(Config{Level: LevelWarn, Format: FormatText, Output: &buf})
		log.Info("quiet")
		log.Warn("loud")

		out := buf.String()
		assert.NotContains(t, out, "quiet")
		assert.Contains(t, out, "loud")
	})
}

func TestNop(t *testing.T) {
	t.Parallel()
	// Must be safe to call at any level.
	log := Nop()
	log.Debug("a")
	log.Info("b")
	log.Warn("c")
	log.Error("d")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		t.Run("level "+strings.ToLower(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	assert.Equal(t, FormatJSON, ParseFormat("json"))
	assert.Equal(t, FormatJSON, ParseFormat("JSON"))
	assert.Equal(t, FormatText, ParseFormat("text"))
	assert.Equal(t, FormatText, ParseFormat("bogus"))
}
