// Package obslog builds the process-wide *slog.Logger used by every
// component. Third-party library chatter (database drivers, qdrant
// client, otel exporters) is suppressed unless the configured level is
// debug, so operators get a clean log at info/warn without losing the
// option to see everything while troubleshooting.
package obslog

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

const modulePrefix = "github.com/opnureyes2-del/teamrun"

// Config controls logger construction.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|text
	Output *os.File
}

// ParseLevel converts a string log level to slog.Level. Unknown values
// default to warn rather than erroring, since a logging misconfiguration
// should never prevent the process from starting.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// New builds a *slog.Logger from cfg. A zero Config produces a sensible
// default: warn level, text format, stderr.
func New(cfg Config) *slog.Logger {
	level := ParseLevel(cfg.Level)
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(&filteringHandler{handler: handler, minLevel: level})
}

// filteringHandler wraps a slog.Handler and drops non-runtime log records
// below debug level, so dependency noise doesn't drown out our own logs.
type filteringHandler struct {
	handler  slog.Handler
	minLevel slog.Level
}

func (h *filteringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.minLevel
}

func (h *filteringHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.minLevel <= slog.LevelDebug {
		return h.handler.Handle(ctx, record)
	}
	if h.isOwnPackage(record.PC) {
		return h.handler.Handle(ctx, record)
	}
	return nil
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &filteringHandler{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

func (h *filteringHandler) isOwnPackage(pc uintptr) bool {
	if pc == 0 {
		return true
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return true
	}
	name := fn.Name()
	file, _ := fn.FileLine(pc)
	return strings.Contains(name, modulePrefix) || strings.Contains(file, "teamrun")
}
