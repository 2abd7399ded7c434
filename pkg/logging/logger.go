// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// RunLogger creates a logger bound to one ingestion run. All run events carry
// source and batch_id so a single run can be traced end to end.
func RunLogger(source, batchID string) zerolog.Logger {
	return log.With().
		Str("source", source).
		Str("batch_id", batchID).
		Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Pagination state (cursor, offset, page number)
//   - Credential refresh decisions
//   - Per-record validation failures
//
// Info: Normal operation events
//   - Run start/completion per stage
//   - Committed part files
//   - Watermark advances
//
// Warn: Warning conditions that don't prevent operation
//   - Retry attempts and backoff waits
//   - Invalid records routed aside
//
// Error: Error conditions requiring attention
//   - Failed requests (after retries)
//   - Credential acquisition failures
//   - Aborted runs (pagination protocol breaks, write failures)
//
// Context Fields:
//   - source: source identifier (e.g. api_a)
//   - batch_id: run batch identifier
//   - step: pipeline stage (fetch, transform, stage)
//   - row_count: records handled by the step
//   - duration_ms: step or attempt duration
//   - retry_count: retries consumed so far
//   - path: destination object key
