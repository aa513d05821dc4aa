// Package audit writes one JSON line per processed command.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the audit log name inside the configured directory.
const FileName = "commands.jsonl"

// Entry represents a single audit log entry.
type Entry struct {
	Timestamp  time.Time              `json:"ts"`
	Session    string                 `json:"session"`
	Command    string                 `json:"command"`
	SequenceID int64                  `json:"sequenceId"`
	Params     map[string]interface{} `json:"params"`
	Outcome    string                 `json:"outcome"`
	Reason     string                 `json:"reason,omitempty"`
	LatencyMs  float64                `json:"latencyMs"`
}

// Logger appends audit entries to a size-rotated file.
type Logger struct {
	mu       sync.Mutex
	filePath string
	out      io.WriteCloser
	now      func() time.Time
}

// NewLogger creates a new audit logger in logDir.
func NewLogger(logDir string) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	filePath := filepath.Join(logDir, FileName)

	// Touch the file so a bad path fails at startup, not on first command
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	_ = f.Close()

	return &Logger{
		filePath: filePath,
		out: &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     30,
		},
		now: time.Now,
	}, nil
}

// LogCommand records one processed command.
func (l *Logger) LogCommand(ctx context.Context, sessionID, command string, sequenceID int64, params map[string]interface{}, outcome, reason string, latency time.Duration) {
	if params == nil {
		params = map[string]interface{}{}
	}
	if command == "" {
		command = "unknown"
	}

	l.writeEntry(Entry{
		Timestamp:  l.now().UTC(),
		Session:    sessionID,
		Command:    command,
		SequenceID: sequenceID,
		Params:     params,
		Outcome:    outcome,
		Reason:     reason,
		LatencyMs:  float64(latency.Microseconds()) / 1000,
	})
}

// writeEntry writes an audit entry to the log file.
func (l *Logger) writeEntry(entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out == nil {
		return
	}

	jsonData, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal audit entry: %v\n", err)
		return
	}

	if _, err := l.out.Write(append(jsonData, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write audit entry: %v\n", err)
	}
}

// Close closes the audit logger and its file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out != nil {
		err := l.out.Close()
		l.out = nil
		return err
	}
	return nil
}

// GetFilePath returns the path to the audit log file.
func (l *Logger) GetFilePath() string {
	return l.filePath
}

// Rotate starts a new audit file, keeping the old one as a backup.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rotator, ok := l.out.(*lumberjack.Logger); ok {
		return rotator.Rotate()
	}
	return nil
}
