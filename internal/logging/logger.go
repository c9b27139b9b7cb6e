package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	sessionID string
}

// WithSessionID configures the session_id field used in emitted log records.
func WithSessionID(sessionID string) Option {
	return func(opts *newOptions) {
		opts.sessionID = strings.TrimSpace(sessionID)
	}
}

// RuntimeLogger writes structured JSON logs to disk under ~/.drydock/logs.
// Nothing is written to stdout: command output there belongs to the caller's
// pipeline, not to this tool.
type RuntimeLogger struct {
	Logger *log.Logger
	file   *os.File
	path   string
}

// New initializes file logging. Each invocation gets its own timestamped file.
func New(options ...Option) (*RuntimeLogger, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	logDir := filepath.Join(homeDir, ".drydock", "logs")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	resolved := newOptions{}
	for _, option := range options {
		if option != nil {
			option(&resolved)
		}
	}

	timestamp := time.Now().UTC().Format("20060102-150405")
	fileName := fmt.Sprintf("drydock-%s.log", timestamp)
	if resolved.sessionID != "" {
		fileName = fmt.Sprintf("drydock-%s-%s.log", timestamp, resolved.sessionID)
	}
	filePath := filepath.Join(logDir, fileName)
	// #nosec G304 -- filePath is constructed from trusted local paths.
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := newJSONLogger(file)
	if resolved.sessionID != "" {
		logger = logger.With("session_id", resolved.sessionID)
	}
	logger.With("log_file", filePath).Info("logger initialized")

	return &RuntimeLogger{
		Logger: logger,
		file:   file,
		path:   filePath,
	}, nil
}

// NewStderr builds a JSON logger writing to stderr. The in-session watchdog
// uses it: its stderr is the container log stream the engine captures.
func NewStderr() *log.Logger {
	return newJSONLogger(os.Stderr)
}

func newJSONLogger(w io.Writer) *log.Logger {
	logger := log.NewWithOptions(w, log.Options{
		Level:           log.InfoLevel,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetFormatter(log.JSONFormatter)
	return logger
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the current log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}
