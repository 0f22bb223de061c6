// Package log provides structured, component-scoped logging for SwarmSH
// via zerolog.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/swarmsh/swarmsh/pkg/metrics"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	// Set log level
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).Hook(metricsHook{}).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).Hook(metricsHook{}).With().Timestamp().Logger()
	}
}

// metricsHook counts every log entry by level in swarmsh_log_entries_total,
// so the long-lived serve process exposes log volume on /metrics without
// a log-scraping sidecar.
type metricsHook struct{}

func (metricsHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	metrics.LogEntriesTotal.WithLabelValues(level.String()).Inc()
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTrace creates a child logger carrying a trace_id, for correlating
// a log line with the span log.
func WithTrace(traceID string) zerolog.Logger {
	return Logger.With().Str("trace_id", traceID).Logger()
}

// WithWorkID creates a child logger with work_id field
func WithWorkID(workID string) zerolog.Logger {
	return Logger.With().Str("work_id", workID).Logger()
}

// WithAgentID creates a child logger with agent_id field
func WithAgentID(agentID string) zerolog.Logger {
	return Logger.With().Str("agent_id", agentID).Logger()
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
