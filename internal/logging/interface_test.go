package logging

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"":        LevelInfo,
		"warning": LevelWarn,
		" error ": LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
	assert.False(t, Level(0).Valid())
	assert.Equal(t, "unknown", Level(42).String())
}

func TestLogEntry_JSON(t *testing.T) {
	entry := LogEntry{
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:     LevelWarn,
		Message:   "disk almost full",
		Context:   Context{"used": 0.93},
	}

	data, err := json.Marshal(entry)
	require.NoError(t, err)
	assert.JSONEq(t, `{"dt":"2024-01-02T03:04:05Z","level":"warn","message":"disk almost full","context":{"used":0.93}}`, string(data))

	var decoded LogEntry
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, LevelWarn, decoded.Level)
	assert.True(t, entry.Timestamp.Equal(decoded.Timestamp))
}

func TestContext_CloneIsDeep(t *testing.T) {
	original := Context{
		"request": Context{"method": "GET"},
		"user":    map[string]interface{}{"id": 7},
	}

	clone := original.Clone()
	clone["request"].(Context)["method"] = "POST"
	clone["user"].(Context)["id"] = 8

	assert.Equal(t, "GET", original["request"].(Context)["method"])
	assert.Equal(t, 7, original["user"].(map[string]interface{})["id"])
	assert.NotNil(t, Context(nil).Clone())
}

func TestLogEntry_WithContextLeavesOriginal(t *testing.T) {
	entry := LogEntry{Level: LevelInfo, Message: "m", Context: Context{"a": 1}}

	changed := entry.WithContext("b", 2).WithMessage("n")

	assert.Equal(t, Context{"a": 1}, entry.Context)
	assert.Equal(t, "m", entry.Message)
	assert.Equal(t, Context{"a": 1, "b": 2}, changed.Context)
	assert.Equal(t, "n", changed.Message)
}

func TestTransportError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	var err error = &TransportError{Entries: 3, Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 3, te.Entries)
}
