// Package logging provides structured logging for pipelined, built on
// log/slog the way the rest of this lineage does.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the slog handler used for output.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// LevelTrace is more verbose than slog.LevelDebug, used for per-event
// stream tracing inside the step runner and provider adapters.
const LevelTrace = slog.Level(-8)

// Field-key constants keep attribute names consistent across packages.
const (
	RunIDKey      = "run_id"
	StepIDKey     = "step_id"
	PipelineIDKey = "pipeline_id"
	ProviderKey   = "provider"
	DurationKey   = "duration_ms"
	CorrelationKey = "correlation_id"
)

// Config controls how New builds a logger.
type Config struct {
	Level     slog.Level
	Format    Format
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns info/json/stderr/no-source.
func DefaultConfig() Config {
	return Config{
		Level:  slog.LevelInfo,
		Format: FormatJSON,
		Output: os.Stderr,
	}
}

// FromEnv builds a Config from PIPELINER_LOG_LEVEL, PIPELINER_LOG_FORMAT and
// PIPELINER_DEBUG, mirroring the teacher's CONDUCTOR_DEBUG convention.
func FromEnv() Config {
	cfg := DefaultConfig()

	if os.Getenv("PIPELINER_DEBUG") != "" {
		cfg.Level = slog.LevelDebug
		cfg.AddSource = true
	}

	if lvl := os.Getenv("PIPELINER_LOG_LEVEL"); lvl != "" {
		cfg.Level = parseLevel(lvl)
	}

	if fmtVal := strings.ToLower(os.Getenv("PIPELINER_LOG_FORMAT")); fmtVal == "text" {
		cfg.Format = FormatText
	}

	return cfg
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a *slog.Logger from cfg.
func New(cfg Config) *slog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.Format == FormatText {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	return slog.New(handler)
}

// WithCorrelationID attaches a correlation id to every record from logger.
func WithCorrelationID(logger *slog.Logger, id string) *slog.Logger {
	if id == "" {
		return logger
	}
	return logger.With(slog.String(CorrelationKey, id))
}

// WithRunContext attaches run-scoped fields.
func WithRunContext(logger *slog.Logger, runID, pipelineID string) *slog.Logger {
	return logger.With(slog.String(RunIDKey, runID), slog.String(PipelineIDKey, pipelineID))
}

// WithStepContext attaches step-scoped fields on top of a run-scoped logger.
func WithStepContext(logger *slog.Logger, runID, stepID string) *slog.Logger {
	return logger.With(slog.String(RunIDKey, runID), slog.String(StepIDKey, stepID))
}

// WithProvider attaches the provider id.
func WithProvider(logger *slog.Logger, provider string) *slog.Logger {
	return logger.With(slog.String(ProviderKey, provider))
}

// SanitizeAPIKey shows only the last 4 characters of an API key.
func SanitizeAPIKey(key string) string {
	if len(key) <= 4 {
		return "[REDACTED]"
	}
	return "..." + key[len(key)-4:]
}

// SanitizeSecret always fully redacts.
func SanitizeSecret(secret string) string {
	if secret == "" {
		return ""
	}
	return "[REDACTED]"
}

// Trace logs at LevelTrace if enabled, avoiding attribute construction cost
// otherwise.
func Trace(ctx context.Context, logger *slog.Logger, msg string, attrs ...slog.Attr) {
	if !logger.Enabled(ctx, LevelTrace) {
		return
	}
	logger.LogAttrs(ctx, LevelTrace, msg, attrs...)
}
