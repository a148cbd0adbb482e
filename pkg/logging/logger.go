// Package logging configures the zerolog logger shared by the crawler components.
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
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Component names used with NewLogger.
const (
	ComponentFetchClient = "fetch-client"
	ComponentPageCache   = "page-cache"
	ComponentBatchPool   = "batch-pool"
	ComponentPipeline    = "pipeline"
	ComponentCheckpoint  = "checkpoint"
	ComponentDiscovery   = "discovery"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output instead of JSON lines.
	Pretty bool

	// Output defaults to os.Stderr so stdout stays free for progress lines.
	Output io.Writer
}

// DefaultConfig returns JSON logging at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05"}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel converts a user supplied level name, falling back to info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func parseLevel(level LogLevel) zerolog.Level {
	switch ParseLevel(string(level)) {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a logger tagged with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: per-request detail
//   - fetch attempts, backoff waits, cache hit/miss and conditional requests
//   - per-item record counts
//
// Info: run lifecycle
//   - batch start/finish, progress and ETA, checkpoint writes
//   - resume decisions, run completion
//
// Warn: degraded but continuing
//   - item fetch failures after retries (the item contributes zero records)
//   - corrupt or inconsistent resume artifacts (fresh start)
//   - cooldowns triggered by 429 responses
//
// Error: attention required
//   - batch-level failures that end the run
//   - failures while saving progress
//
// Context Fields:
//   - url, item, group: the work item being processed
//   - batch, cursor, total: controller position
//   - records: records extracted or accumulated
//   - attempt, error_class, status: fetch retry detail
//   - progress_pct, eta, items_per_sec: progress reporting
