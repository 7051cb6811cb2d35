// Package logging provides the structured JSON file logger used across the
// review engine.
package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	taskID    string
	component string
}

// WithTaskID configures the task_id field used in emitted log records.
func WithTaskID(taskID string) Option {
	return func(opts *newOptions) {
		opts.taskID = strings.TrimSpace(taskID)
	}
}

// WithComponent configures the component field used in emitted log records.
func WithComponent(component string) Option {
	return func(opts *newOptions) {
		opts.component = strings.TrimSpace(component)
	}
}

// RuntimeLogger writes structured JSON logs to disk.
type RuntimeLogger struct {
	Logger     *log.Logger
	file       *os.File
	path       string
	baseLogger *log.Logger
	taskID     string
	component  string
}

// New initializes logging under ~/.devhub/logs without writing to stdout.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	logDir := filepath.Join(homeDir, ".devhub", "logs")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	resolved := resolveOptions(options)
	timestamp := time.Now().UTC().Format("20060102-150405")
	fileName := fmt.Sprintf("devhub-%s.log", timestamp)
	filePath := filepath.Join(logDir, fileName)
	// #nosec G304 -- filePath is constructed from trusted local paths.
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := log.NewWithOptions(file, log.Options{
		Level:           log.InfoLevel,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetFormatter(log.JSONFormatter)

	runtimeLogger := &RuntimeLogger{
		file:       file,
		path:       filePath,
		baseLogger: logger,
		taskID:     resolved.taskID,
		component:  resolved.component,
	}
	runtimeLogger.rebuildLogger()
	runtimeLogger.Logger.With("log_file", filePath).Info("logger initialized")

	_ = ctx
	return runtimeLogger, nil
}

// WithTaskID updates the task_id field for subsequent log records.
func (r *RuntimeLogger) WithTaskID(taskID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.taskID = strings.TrimSpace(taskID)
	r.rebuildLogger()
	return r
}

// WithComponent updates the component field for subsequent log records.
func (r *RuntimeLogger) WithComponent(component string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.component = strings.TrimSpace(component)
	r.rebuildLogger()
	return r
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

func (r *RuntimeLogger) rebuildLogger() {
	if r == nil || r.baseLogger == nil {
		return
	}
	r.Logger = r.baseLogger.With(
		"task_id", r.taskID,
		"component", r.component,
	)
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}
