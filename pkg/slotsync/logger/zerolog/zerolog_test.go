package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

var _ slotsync.Logger = (*Logger)(nil)

func decodeLine(t *testing.T, line string) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &out))
	return out
}

func TestLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		write func(l *Logger)
	}{
		{"debug", func(l *Logger) { l.Debug("msg", slotsync.F("key", "value")) }},
		{"info", func(l *Logger) { l.Info("msg", slotsync.F("key", "value")) }},
		{"warn", func(l *Logger) { l.Warn("msg", slotsync.F("key", "value")) }},
		{"error", func(l *Logger) { l.Error("msg", slotsync.F("key", "value")) }},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			tt.write(NewLogger(zerolog.New(&buf)))

			entry := decodeLine(t, buf.String())
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, "msg", entry["message"])
			assert.Equal(t, "value", entry["key"])
		})
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf).Level(zerolog.WarnLevel))

	logger.Debug("debug message")
	logger.Info("info message")
	assert.Zero(t, buf.Len())

	logger.Warn("warn message")
	logger.Error("error message")
	assert.Len(t, strings.Split(strings.TrimSpace(buf.String()), "\n"), 2)
}

func TestLogger_FieldTypes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf))

	logger.Info("reconciled",
		slotsync.F("account_id", "acct1"),
		slotsync.F("units", 20),
		slotsync.F("duplicate", false),
		slotsync.F("error", errors.New("boom")),
		slotsync.F("candidates", []string{"a", "b"}),
	)

	entry := decodeLine(t, buf.String())
	assert.Equal(t, "acct1", entry["account_id"])
	assert.Equal(t, float64(20), entry["units"])
	assert.Equal(t, false, entry["duplicate"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, []interface{}{"a", "b"}, entry["candidates"])
}
