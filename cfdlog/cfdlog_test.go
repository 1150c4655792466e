package cfdlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLineWithFields(t *testing.T) {
	parsed, ok := Parse("2024-05-01T12:00:00Z INF Starting tunnel tunnelID=6a1560a4-1e3b-4d12-a2d0-57e6f37ffb4f")
	require.True(t, ok)

	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), parsed.Timestamp)
	assert.Equal(t, LevelInfo, parsed.Level)
	assert.Equal(t, "Starting tunnel", parsed.Message)
	assert.Equal(t, map[string]string{"tunnelID": "6a1560a4-1e3b-4d12-a2d0-57e6f37ffb4f"}, parsed.Fields)
}

func TestParseLineWithoutFields(t *testing.T) {
	parsed, ok := Parse("2024-05-01T12:00:00Z ERR Failed to dial edge")
	require.True(t, ok)

	assert.Equal(t, LevelError, parsed.Level)
	assert.Equal(t, "Failed to dial edge", parsed.Message)
	assert.Empty(t, parsed.Fields)
}

func TestParseRegistrationLine(t *testing.T) {
	parsed, ok := Parse("2024-05-01T12:00:02Z INF Registered tunnel connection connIndex=0 connection=1f2d6b9e-79f8-4c57-9bfa-a0d7e0f4a9c1 event=0 ip=198.41.200.23 location=vie01 protocol=quic")
	require.True(t, ok)

	assert.Equal(t, "Registered tunnel connection", parsed.Message)
	assert.Len(t, parsed.Fields, 6)
	assert.Equal(t, "vie01", parsed.Fields["location"])
	assert.Equal(t, "0", parsed.Fields["connIndex"])
}

func TestParseLevels(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal} {
		_, ok := Parse("2024-05-01T12:00:00Z " + string(level) + " something happened")
		assert.True(t, ok, "level %s", level)
	}
}

func TestParseRejectsNonLogLines(t *testing.T) {
	lines := []string{
		"",
		"panic: runtime error: invalid memory address",
		"goroutine 1 [running]:",
		"not-a-timestamp INF message here",
		"2024-05-01T12:00:00Z INFO message with a four letter level",
		"2024-05-01T12:00:00Z INF",
	}
	for _, line := range lines {
		_, ok := Parse(line)
		assert.False(t, ok, "line %q", line)
	}
}

func TestParseQuotedValuesStayInMessage(t *testing.T) {
	// quoted values containing spaces do not survive tokenisation, so the
	// whole tail stays in the message instead of producing a mangled field
	parsed, ok := Parse(`2024-05-01T12:00:00Z ERR Request failed error="connection refused"`)
	require.True(t, ok)

	assert.Equal(t, `Request failed error="connection refused"`, parsed.Message)
	assert.Empty(t, parsed.Fields)
}

func TestParseDuplicateKeysLastWins(t *testing.T) {
	parsed, ok := Parse("2024-05-01T12:00:00Z DBG retrying attempt=1 attempt=2")
	require.True(t, ok)
	assert.Equal(t, "2", parsed.Fields["attempt"])
}
