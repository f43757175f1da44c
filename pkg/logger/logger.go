// Package logger provides structured logging for the proxy daemon.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

var (
	globalLogger *Logger
	once         sync.Once
)

// Config holds logger configuration.
type Config struct {
	Level     string // "debug", "info", "warn", "error"
	Format    string // "json" or "text"
	Output    string // "stdout", "stderr", or a file path
	Component string
}

// Logger wraps slog.Logger with component tagging and a couple of
// domain-specific event helpers.
type Logger struct {
	*slog.Logger
	component string
}

// New creates a logger instance from cfg.
func New(cfg Config) (*Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var writer io.Writer
	switch cfg.Output {
	case "", "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Output), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		writer = f
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	component := cfg.Component
	if component == "" {
		component = "pantalaimon"
	}

	l := slog.New(handler).With("service", "pantalaimon", "component", component)

	return &Logger{Logger: l, component: component}, nil
}

// Initialize sets up the process-wide global logger. Safe to call more
// than once; only the first call takes effect.
func Initialize(level, format, output string) error {
	var initErr error
	once.Do(func() {
		l, err := New(Config{Level: level, Format: format, Output: output, Component: "daemon"})
		if err != nil {
			initErr = fmt.Errorf("initialize logger: %w", err)
			return
		}
		globalLogger = l
	})
	return initErr
}

// Global returns the process-wide logger, falling back to a default
// stdout/info logger if Initialize was never called.
func Global() *Logger {
	if globalLogger == nil {
		l, _ := New(Config{Level: "info", Format: "text", Output: "stdout", Component: "daemon"})
		return l
	}
	return globalLogger
}

// WithComponent returns a derived logger tagged with component.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.Logger.With("component", component), component: component}
}

// WithRequestID returns a derived logger carrying a request correlation id.
func (l *Logger) WithRequestID(id string) *Logger {
	return &Logger{Logger: l.Logger.With("request_id", id), component: l.component}
}

// WithUser returns a derived logger carrying a pan_user (shadow client user_id).
func (l *Logger) WithUser(userID string) *Logger {
	return &Logger{Logger: l.Logger.With("pan_user", userID), component: l.component}
}

// SecurityEvent logs a security-relevant action: login, device verify,
// key export/import.
func (l *Logger) SecurityEvent(ctx context.Context, eventType string, attrs ...slog.Attr) {
	base := []slog.Attr{slog.String("event_type", eventType), slog.String("category", "security")}
	l.LogAttrs(ctx, slog.LevelInfo, "security event", append(base, attrs...)...)
}

// ErrorEvent logs an error with its cause attached.
func (l *Logger) ErrorEvent(ctx context.Context, message string, err error, attrs ...slog.Attr) {
	base := []slog.Attr{slog.String("error", err.Error())}
	l.LogAttrs(ctx, slog.LevelError, message, append(base, attrs...)...)
}
