// Package logging provides structured JSON logging for pipeline runs.
//
// It wraps log/slog so every entry produced while running a stage carries the
// feature, stage, subject and run identifiers needed to reconstruct what a
// stateless worker did.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Log levels accepted by [New].
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// FileName is the log file created under the configured directory.
const FileName = "sdlcflow.log"

// Logger is a slog logger that may own its output file.
// It is safe for concurrent use.
type Logger struct {
	*slog.Logger

	mu   sync.Mutex
	file *os.File
}

// New creates a Logger writing JSON to <dir>/sdlcflow.log, or to stderr when
// dir is empty. Unknown levels fall back to INFO.
func New(dir, level string) (*Logger, error) {
	if dir == "" {
		return NewWithWriter(os.Stderr, level), nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l := NewWithWriter(f, level)
	l.file = f
	return l, nil
}

// NewWithWriter creates a Logger writing JSON to w.
func NewWithWriter(w io.Writer, level string) *Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	return &Logger{Logger: slog.New(h)}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: slog.New(discardHandler{})}
}

// discardHandler mirrors slog.DiscardHandler (Go 1.24+) for older toolchains.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "WARNING":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a child logger with extra key-value attributes.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}
	return &Logger{Logger: l.Logger.With(args...), file: l.file}
}

// WithFeature tags entries with the feature id.
func (l *Logger) WithFeature(id string) *Logger {
	return l.With("feature_id", id)
}

// WithStage tags entries with the stage and, when set, its subject.
func (l *Logger) WithStage(stage, subject string) *Logger {
	if subject == "" {
		return l.With("stage", stage)
	}
	return l.With("stage", stage, "subject", subject)
}

// WithRun tags entries with the run id.
func (l *Logger) WithRun(runID string) *Logger {
	return l.With("run_id", runID)
}

// Close syncs and closes the log file. Stderr loggers are left open.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}
