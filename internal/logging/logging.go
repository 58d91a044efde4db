// Package logging provides structured JSON logging with levels and queryable storage.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level represents log severity levels
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// levelPriority returns numeric priority for level comparison
func levelPriority(l Level) int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

// ParseLevel maps a string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Entry represents a single log entry
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Component string         `json:"component,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// core holds the state shared by a logger and all its derived scopes.
type core struct {
	mu         sync.RWMutex
	output     io.Writer
	level      Level
	component  string
	entries    []Entry
	maxEntries int
	counts     map[Level]int64
}

// Logger provides structured logging with in-memory storage for querying.
// Derived loggers from WithTask/WithPhase share the same storage and output.
type Logger struct {
	core   *core
	taskID string
	phase  string
}

// Config holds logger configuration
type Config struct {
	Output     io.Writer // Output writer (default: os.Stderr)
	Level      Level     // Minimum log level (default: info)
	Component  string    // Component name for all entries
	MaxEntries int       // Max entries to keep in memory (default: 1000)
}

// New creates a new logger with the given configuration
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.Level == "" {
		cfg.Level = LevelInfo
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = 1000
	}
	return &Logger{
		core: &core{
			output:     cfg.Output,
			level:      cfg.Level,
			component:  cfg.Component,
			entries:    make([]Entry, 0, cfg.MaxEntries),
			maxEntries: cfg.MaxEntries,
			counts:     make(map[Level]int64),
		},
	}
}

// SetLevel changes the minimum log level
func (l *Logger) SetLevel(level Level) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.level = level
}

// WithTask returns a logger that adds task_id to all entries.
func (l *Logger) WithTask(taskID string) *Logger {
	return &Logger{core: l.core, taskID: taskID, phase: l.phase}
}

// WithPhase returns a logger that adds a phase name to all entries.
func (l *Logger) WithPhase(phase string) *Logger {
	return &Logger{core: l.core, taskID: l.taskID, phase: phase}
}

// log writes a log entry if it meets the level threshold
func (l *Logger) log(level Level, msg string, fields map[string]any) {
	c := l.core

	c.mu.Lock()
	defer c.mu.Unlock()

	if levelPriority(level) < levelPriority(c.level) {
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   msg,
		Component: c.component,
		TaskID:    l.taskID,
		Phase:     l.phase,
		Fields:    fields,
	}

	c.counts[level]++

	// Ring buffer: drop oldest when full
	if len(c.entries) >= c.maxEntries {
		copy(c.entries, c.entries[1:])
		c.entries = c.entries[:len(c.entries)-1]
	}
	c.entries = append(c.entries, entry)

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(c.output, `{"level":"error","message":"failed to marshal log entry: %s"}`+"\n", err)
		return
	}
	c.output.Write(append(data, '\n'))
}

// Debug logs at debug level
func (l *Logger) Debug(msg string, fields ...map[string]any) {
	l.log(LevelDebug, msg, first(fields))
}

// Info logs at info level
func (l *Logger) Info(msg string, fields ...map[string]any) {
	l.log(LevelInfo, msg, first(fields))
}

// Warn logs at warn level
func (l *Logger) Warn(msg string, fields ...map[string]any) {
	l.log(LevelWarn, msg, first(fields))
}

// Error logs at error level
func (l *Logger) Error(msg string, fields ...map[string]any) {
	l.log(LevelError, msg, first(fields))
}

func first(fields []map[string]any) map[string]any {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Query parameters for filtering logs
type Query struct {
	Level     Level     // Filter by minimum level
	TaskID    string    // Filter by task ID
	Since     time.Time // Filter entries after this time
	Until     time.Time // Filter entries before this time
	Limit     int       // Max entries to return (0 = all)
	Component string    // Filter by component
}

// QueryResult contains filtered log entries and metadata
type QueryResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`  // Total entries matching filter (before limit)
	Counts  Stats   `json:"counts"` // Overall counts by level
}

// Stats contains log statistics
type Stats struct {
	Debug int64 `json:"debug"`
	Info  int64 `json:"info"`
	Warn  int64 `json:"warn"`
	Error int64 `json:"error"`
	Total int64 `json:"total"`
}

// Query returns log entries matching the filter criteria
func (l *Logger) Query(q Query) QueryResult {
	c := l.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.statsUnlocked()

	var filtered []Entry
	for _, e := range c.entries {
		if q.Level != "" && levelPriority(e.Level) < levelPriority(q.Level) {
			continue
		}
		if q.TaskID != "" && e.TaskID != q.TaskID {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
			continue
		}
		if q.Component != "" && e.Component != q.Component {
			continue
		}
		filtered = append(filtered, e)
	}

	total := len(filtered)

	if q.Limit > 0 && len(filtered) > q.Limit {
		// Return most recent entries
		filtered = filtered[len(filtered)-q.Limit:]
	}

	return QueryResult{
		Entries: filtered,
		Total:   total,
		Counts:  stats,
	}
}

// Stats returns current log statistics without entries
func (l *Logger) Stats() Stats {
	l.core.mu.RLock()
	defer l.core.mu.RUnlock()
	return l.core.statsUnlocked()
}

func (c *core) statsUnlocked() Stats {
	stats := Stats{
		Debug: c.counts[LevelDebug],
		Info:  c.counts[LevelInfo],
		Warn:  c.counts[LevelWarn],
		Error: c.counts[LevelError],
	}
	stats.Total = stats.Debug + stats.Info + stats.Warn + stats.Error
	return stats
}

// Clear removes all stored entries and resets counts
func (l *Logger) Clear() {
	c := l.core
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = c.entries[:0]
	c.counts = make(map[Level]int64)
}
