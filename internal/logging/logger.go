// Package logging provides the file-backed debug logger shared by the
// engine, decision and escalation components.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger writes timestamped lines to a log file and optionally mirrors
// them to another writer. A nil *Logger is a valid no-op logger.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	mirror io.Writer
}

// New creates a logger appending to path. An empty path returns a no-op
// logger. Parent directories are created as needed.
func New(path string) (*Logger, error) {
	if path == "" {
		return &Logger{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	l := &Logger{file: f}
	l.Log("=== conductor log started at %s ===", time.Now().Format(time.RFC3339))
	return l, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{}
}

// WithMirror copies every line to w as well (e.g. os.Stderr in verbose mode).
func (l *Logger) WithMirror(w io.Writer) *Logger {
	if l == nil {
		return &Logger{mirror: w}
	}
	l.mu.Lock()
	l.mirror = w
	l.mu.Unlock()
	return l
}

// Log writes a timestamped message.
func (l *Logger) Log(format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil && l.mirror == nil {
		return
	}

	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("[%s] %s\n", time.Now().Format("15:04:05.000"), msg)
	if l.file != nil {
		l.file.WriteString(line)
		l.file.Sync()
	}
	if l.mirror != nil {
		io.WriteString(l.mirror, line)
	}
}

// Printf is an alias of Log so the logger satisfies printf-style interfaces.
func (l *Logger) Printf(format string, args ...interface{}) {
	l.Log(format, args...)
}

// Close closes the log file. Safe on nil or no-op loggers.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
