package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_BasicLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{
		Output:    &buf,
		Level:     LevelDebug,
		Component: "test",
	})

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)

	for i, line := range lines {
		var entry Entry
		err := json.Unmarshal([]byte(line), &entry)
		require.NoError(t, err, "line %d should be valid JSON", i)
		assert.Equal(t, "test", entry.Component)
		assert.False(t, entry.Timestamp.IsZero())
	}

	var entry Entry
	json.Unmarshal([]byte(lines[0]), &entry)
	assert.Equal(t, LevelDebug, entry.Level)
	assert.Equal(t, "debug message", entry.Message)
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{
		Output: &buf,
		Level:  LevelWarn,
	})

	logger.Debug("should not appear")
	logger.Info("should not appear")
	logger.Warn("should appear")
	logger.Error("should appear")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
}

func TestLogger_TaskAndPhaseScopes(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Level: LevelDebug})

	logger.WithTask("task-1").Info("task scoped")
	logger.WithTask("task-1").WithPhase("verification").Info("phase scoped")
	logger.Info("unscoped")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	var entry Entry
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &entry))
	assert.Equal(t, "task-1", entry.TaskID)
	assert.Equal(t, "verification", entry.Phase)

	entry = Entry{}
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &entry))
	assert.Empty(t, entry.TaskID)
}

func TestLogger_ScopesShareStorage(t *testing.T) {
	logger := New(Config{Output: &bytes.Buffer{}, Level: LevelDebug})

	logger.WithTask("task-1").Info("from scope")
	logger.Info("from root")

	// Both entries land in the same queryable storage.
	result := logger.Query(Query{})
	require.Equal(t, 2, result.Total)

	result = logger.Query(Query{TaskID: "task-1"})
	require.Equal(t, 1, result.Total)
	assert.Equal(t, "from scope", result.Entries[0].Message)
}

func TestLogger_QueryFilters(t *testing.T) {
	logger := New(Config{Output: &bytes.Buffer{}, Level: LevelDebug})

	logger.Debug("noise")
	logger.WithTask("task-1").Info("one")
	logger.WithTask("task-1").Error("two")
	logger.WithTask("task-2").Warn("three")

	result := logger.Query(Query{Level: LevelWarn})
	assert.Equal(t, 2, result.Total)

	result = logger.Query(Query{TaskID: "task-1", Level: LevelError})
	require.Equal(t, 1, result.Total)
	assert.Equal(t, "two", result.Entries[0].Message)

	// Limit returns the most recent entries.
	result = logger.Query(Query{Limit: 2})
	assert.Equal(t, 4, result.Total)
	require.Len(t, result.Entries, 2)
	assert.Equal(t, "two", result.Entries[0].Message)
	assert.Equal(t, "three", result.Entries[1].Message)
}

func TestLogger_RingBuffer(t *testing.T) {
	logger := New(Config{Output: &bytes.Buffer{}, Level: LevelDebug, MaxEntries: 3})

	for i := 0; i < 5; i++ {
		logger.Info(fmt.Sprintf("msg-%d", i))
	}

	result := logger.Query(Query{})
	require.Len(t, result.Entries, 3, "oldest entries dropped")
	assert.Equal(t, "msg-2", result.Entries[0].Message)
	assert.Equal(t, "msg-4", result.Entries[2].Message)

	// Counts survive the ring buffer.
	assert.Equal(t, int64(5), result.Counts.Info)
	assert.Equal(t, int64(5), result.Counts.Total)
}

func TestLogger_Stats(t *testing.T) {
	logger := New(Config{Output: &bytes.Buffer{}, Level: LevelDebug})

	logger.Info("one")
	logger.Warn("two")
	logger.Error("three")

	stats := logger.Stats()
	assert.Equal(t, int64(1), stats.Info)
	assert.Equal(t, int64(1), stats.Warn)
	assert.Equal(t, int64(1), stats.Error)
	assert.Equal(t, int64(3), stats.Total)

	logger.Clear()
	stats = logger.Stats()
	assert.Equal(t, int64(0), stats.Total)
	assert.Empty(t, logger.Query(Query{}).Entries)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warn"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("info"))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}
