// Package logsink stores per-cell event log lines written by the log actions.
package logsink

import (
	"bytes"
	"encoding/csv"
	"strings"
	"sync"
)

// Level is the severity a log action writes at
type Level int

// Log levels
const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

// String returns the bracketed name used in log lines
func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Sink receives one log record per event for a cell
type Sink interface {
	Write(cellID string, level Level, fields []string) error
}

// FormatLine renders fields as one CSV line without the trailing newline
func FormatLine(fields []string) string {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	// csv.Writer only fails on the underlying writer, which is a bytes.Buffer
	_ = w.Write(fields)
	w.Flush()
	return strings.TrimRight(buf.String(), "\r\n")
}

// Record is a captured log line
type Record struct {
	CellID string
	Level  Level
	Line   string
}

// Memory keeps records in memory
type Memory struct {
	mu      sync.Mutex
	records []Record
}

// NewMemory creates an empty in-memory sink
func NewMemory() *Memory {
	return &Memory{}
}

// Write implements Sink
func (m *Memory) Write(cellID string, level Level, fields []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, Record{CellID: cellID, Level: level, Line: FormatLine(fields)})
	return nil
}

// Records returns a copy of what has been written
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}
