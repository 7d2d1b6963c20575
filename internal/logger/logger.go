// Package logger configures the process-wide slog logger.
//
// Warn and Error records are sampled (1 of every ErrorSampleRate) to keep
// noisy failure loops from flooding the output; the counters below are
// incremented for every record regardless of sampling.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"sync/atomic"
)

// Type alias for slog.Level for easier usage
type Level = slog.Level

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug // -4
	LevelInfo    = slog.LevelInfo  // 0
	LevelWarning = slog.LevelWarn  // 4
	LevelError   = slog.LevelError // 8
	LevelFatal   = slog.Level(12)  // 12
)

var (
	Logger       = slog.Default()
	programLevel = new(slog.LevelVar)
)

// Counters for the metrics endpoint (incremented regardless of sampling)
var (
	TotalErrors    atomic.Int64
	TotalWarnings  atomic.Int64
	Total5xxErrors atomic.Int64
	Total4xxErrors atomic.Int64
	Total404Errors atomic.Int64
)

// Options configures Setup
type Options struct {
	// Level is a level name understood by ParseLevel; empty means INFO
	Level string

	// Format is "json" (default) or "text"
	Format string

	// ErrorSampleRate logs 1 of every N warn/error records; <= 1 logs all
	ErrorSampleRate int

	// Output defaults to stdout
	Output io.Writer
}

// Setup builds the process logger, installs it as the slog default and
// returns it
func Setup(opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	programLevel.Set(level)

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{Level: programLevel}
	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "json":
		handler = slog.NewJSONHandler(out, handlerOpts)
	case "text":
		handler = slog.NewTextHandler(out, handlerOpts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", opts.Format)
	}

	Logger = slog.New(&samplingHandler{handler: handler, rate: int64(max(opts.ErrorSampleRate, 1))})
	slog.SetDefault(Logger)
	return Logger, nil
}

// samplingHandler counts warn/error records and forwards only a sample of them
type samplingHandler struct {
	handler slog.Handler
	rate    int64
}

func (h *samplingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *samplingHandler) Handle(ctx context.Context, r slog.Record) error {
	switch {
	case r.Level >= LevelFatal:
		return h.handler.Handle(ctx, r)
	case r.Level >= LevelError:
		TotalErrors.Add(1)
	case r.Level >= LevelWarning:
		TotalWarnings.Add(1)
	default:
		return h.handler.Handle(ctx, r)
	}
	if !shouldSample(h.rate) {
		return nil
	}
	return h.handler.Handle(ctx, r)
}

func (h *samplingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &samplingHandler{handler: h.handler.WithAttrs(attrs), rate: h.rate}
}

func (h *samplingHandler) WithGroup(name string) slog.Handler {
	return &samplingHandler{handler: h.handler.WithGroup(name), rate: h.rate}
}

func shouldSample(rate int64) bool {
	if rate <= 1 {
		return true
	}
	return rand.Int64N(rate) == 0
}

// SetLevel sets the minimum log level for the logger
func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

// GetLevel returns the current minimum log level
func GetLevel() slog.Level {
	return programLevel.Level()
}

// ParseLevel converts a level name to slog.Level. Empty means INFO.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", levelStr)
	}
}

// ErrorHTTP5xx counts a server error response. TotalErrors is left to the
// handler so a logged 5xx is counted once.
func ErrorHTTP5xx() {
	Total5xxErrors.Add(1)
}

// WarnHTTP4xx counts a client error response
func WarnHTTP4xx(status int) {
	Total4xxErrors.Add(1)
	if status == 404 {
		Total404Errors.Add(1)
	}
}
