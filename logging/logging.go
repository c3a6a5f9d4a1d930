// Package logging provides structured logging for the subagent using Go's
// standard log/slog package.
//
// It offers logfmt and JSON output, level parsing with runtime level
// changes, component-aware child loggers, and a notify handler that mirrors
// every record's message to a callback. The notify handler is how the
// connection-state tracker observes the session's log stream: the AgentX
// session reports lifecycle events only as log lines, and the tracker
// pattern-matches them without removing anything from the log output.
//
// Basic Usage:
//
//	logger, closer, err := logging.New(logging.Config{
//		Level:  "info",
//		Format: "logfmt",
//		Output: "stderr",
//	})
//	if err != nil {
//		panic(err)
//	}
//	if closer != nil {
//		defer closer.Close()
//	}
//
//	sessionLogger := logging.Component(logger, "agentx")
//	sessionLogger.Info("session opened", "endpoint", "/var/run/agentx/master")
//
// Bridging log records to a notification callback:
//
//	bridged := logging.WithNotify(logger, func(c connstate.Category, msg string) {
//		tracker.HandleNotification(c, msg)
//	})
//
// There is deliberately no package-level logger: every consumer receives
// its logger explicitly from the owning agent.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/geekxflood/subagent/connstate"
)

// Log level constants define the available logging levels.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Log format constants define the available output formats.
const (
	// FormatLogfmt provides key=value structured logging, the default.
	FormatLogfmt = "logfmt"

	// FormatJSON provides machine-readable JSON records.
	FormatJSON = "json"
)

// Config holds the logger configuration settings. The zero value means
// info-level logfmt on stderr.
type Config struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string `json:"level" yaml:"level"`

	// Format sets the output format: "logfmt" or "json".
	Format string `json:"format" yaml:"format"`

	// Output is "stdout", "stderr" or a file path. Parent directories of a
	// file path are created automatically.
	Output string `json:"output" yaml:"output"`

	// AddSource includes source file and line information in records.
	AddSource bool `json:"add_source" yaml:"add_source"`
}

// DefaultConfig returns the recommended default configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: FormatLogfmt,
		Output: "stderr",
	}
}

// New creates a logger from the configuration. The returned LevelVar can
// be used to change the level at runtime (the config package rewires it on
// hot reload). The closer is non-nil only when Output is a file and must
// then be closed by the caller.
func New(config Config) (*slog.Logger, *slog.LevelVar, io.Closer, error) {
	if config.Level != "" && !ValidateLevel(config.Level) {
		return nil, nil, nil, fmt.Errorf("invalid log level: %q, must be one of: %s, %s, %s, %s",
			config.Level, LevelDebug, LevelInfo, LevelWarn, LevelError)
	}
	if config.Format != "" && !ValidateFormat(config.Format) {
		return nil, nil, nil, fmt.Errorf("invalid log format: %q, must be one of: %s, %s",
			config.Format, FormatLogfmt, FormatJSON)
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(ParseLevel(config.Level))

	var writer io.Writer
	var closer io.Closer
	switch strings.ToLower(config.Output) {
	case "stderr", "":
		writer = os.Stderr
	case "stdout":
		writer = os.Stdout
	default:
		file, err := openLogFile(config.Output)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		writer = file
		closer = file
	}

	opts := &slog.HandlerOptions{
		Level:     levelVar,
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	switch strings.ToLower(config.Format) {
	case FormatJSON:
		handler = slog.NewJSONHandler(writer, opts)
	default:
		handler = slog.NewTextHandler(writer, opts)
	}

	return slog.New(handler), levelVar, closer, nil
}

// Component returns a child logger tagged with a component attribute, e.g.
// component=agentx.
func Component(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

// NotifyFunc receives the category and message of every log record passing
// through a notify handler.
type NotifyFunc func(category connstate.Category, text string)

// notifyHandler mirrors record messages to a callback while delegating all
// output to the wrapped handler.
type notifyHandler struct {
	next   slog.Handler
	notify NotifyFunc
}

// WithNotify returns a logger whose records are additionally delivered to
// notify. Record levels map to notification categories: warn to
// CategoryWarning, error to CategoryError, everything else to
// CategoryInfo.
func WithNotify(logger *slog.Logger, notify NotifyFunc) *slog.Logger {
	return slog.New(&notifyHandler{next: logger.Handler(), notify: notify})
}

func (h *notifyHandler) Enabled(ctx context.Context, level slog.Level) bool {
	// The notify callback must see lifecycle messages even when the output
	// level filters them, so enablement is decided per record in Handle.
	return true
}

func (h *notifyHandler) Handle(ctx context.Context, r slog.Record) error {
	category := connstate.CategoryInfo
	switch {
	case r.Level >= slog.LevelError:
		category = connstate.CategoryError
	case r.Level >= slog.LevelWarn:
		category = connstate.CategoryWarning
	}
	h.notify(category, r.Message)

	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *notifyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &notifyHandler{next: h.next.WithAttrs(attrs), notify: h.notify}
}

func (h *notifyHandler) WithGroup(name string) slog.Handler {
	return &notifyHandler{next: h.next.WithGroup(name), notify: h.notify}
}

// ParseLevel converts a level string to its slog.Level, defaulting to info
// for empty or unknown input. The "warning" alias is accepted.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidateLevel reports whether level is a valid log level string.
func ValidateLevel(level string) bool {
	switch strings.ToLower(level) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	default:
		return false
	}
}

// ValidateFormat reports whether format is a valid log format string.
func ValidateFormat(format string) bool {
	switch strings.ToLower(format) {
	case FormatLogfmt, FormatJSON:
		return true
	default:
		return false
	}
}

func openLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
