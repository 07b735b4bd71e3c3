// Package logging provides structured logging for the DSE telemetry logger.
//
// This package wraps the standard library's log/slog package so that every
// component (dispatcher, buffer, evolver, consolidator, relay) logs with the
// same handler, level and format.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, false) // Text format
//	logging.Init(slog.LevelDebug, true) // JSON format for production
//
//	// Get a component logger
//	log := logging.Component("consolidate")
//	log.Info("worker started", "group", "dse_bbnm_turbine1")
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stdout, level, jsonFormat)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	InitWithHandler(handler)
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel maps a config string (debug, info, warn, error) to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Component returns a logger for a specific component.
//
// Loggers are resolved lazily through the default slog handler, so a
// package-level `var log = logging.Component("x")` picks up a later Init.
func Component(name string) *slog.Logger {
	return slog.New(componentHandler{name: name})
}

// componentHandler delegates to the current default handler, adding the
// component attribute. Resolving on every call lets package-level loggers
// be declared before Init runs.
type componentHandler struct {
	name  string
	attrs []slog.Attr
	group string
}

func (h componentHandler) target() slog.Handler {
	var base slog.Handler
	if Logger != nil {
		base = Logger.Handler()
	} else {
		base = slog.Default().Handler()
	}
	base = base.WithAttrs(append([]slog.Attr{slog.String("component", h.name)}, h.attrs...))
	if h.group != "" {
		base = base.WithGroup(h.group)
	}
	return base
}

func (h componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.target().Enabled(ctx, level)
}

func (h componentHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.target().Handle(ctx, r)
}

func (h componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return next
}

func (h componentHandler) WithGroup(name string) slog.Handler {
	next := h
	if next.group != "" {
		next.group += "." + name
	} else {
		next.group = name
	}
	return next
}

// With returns a new logger with additional attributes.
func With(args ...any) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger.With(args...)
}

// WithContext returns a logger that includes context values.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		if Logger == nil {
			Init(slog.LevelInfo, false)
		}
		logger = Logger
	}

	if group, ok := ctx.Value(contextKeyGroup).(string); ok {
		logger = logger.With("group", group)
	}
	if topic, ok := ctx.Value(contextKeyTopic).(string); ok {
		logger = logger.With("topic", topic)
	}
	if job, ok := ctx.Value(contextKeyJob).(string); ok {
		logger = logger.With("job", job)
	}

	return logger
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeyGroup contextKey = iota
	contextKeyTopic
	contextKeyJob
)

// ContextWithGroup adds a buffer group to the context for logging.
func ContextWithGroup(ctx context.Context, group string) context.Context {
	return context.WithValue(ctx, contextKeyGroup, group)
}

// ContextWithTopic adds an MQTT topic to the context for logging.
func ContextWithTopic(ctx context.Context, topic string) context.Context {
	return context.WithValue(ctx, contextKeyTopic, topic)
}

// ContextWithJob adds a consolidation job name to the context for logging.
func ContextWithJob(ctx context.Context, job string) context.Context {
	return context.WithValue(ctx, contextKeyJob, job)
}
