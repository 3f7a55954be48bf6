package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/adred-codev/roomcast/internal/types"
	"github.com/rs/zerolog"
)

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level  types.LogLevel  // Minimum log level
	Format types.LogFormat // Output format

	// Ring receives a copy of every log line for the /logs endpoint (optional)
	Ring *LogRing

	// Output overrides stdout (tests)
	Output io.Writer
}

// NewLogger creates a structured logger configured for Loki integration
//
// Features:
//   - Structured JSON output (Loki-compatible)
//   - Timestamp and caller information
//   - Optional in-memory tail via LogRing
//
// Example:
//
//	logger := NewLogger(LoggerConfig{
//	    Level: types.LogLevelInfo,
//	    Format: types.LogFormatJSON,
//	})
//	logger.Info().
//	    Str("component", "rooms").
//	    Int("rooms", 12).
//	    Msg("Registry ready")
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout
	if config.Output != nil {
		output = config.Output
	}

	if config.Format == types.LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	// The ring always stores raw JSON so /logs stays machine readable
	if config.Ring != nil {
		output = zerolog.MultiLevelWriter(output, config.Ring)
	}

	return zerolog.New(output).
		Level(ParseLevel(config.Level)).
		With().
		Timestamp().
		Caller().
		Str("service", "roomcast").
		Logger()
}

// ParseLevel maps a configured level to zerolog, defaulting to info.
func ParseLevel(level types.LogLevel) zerolog.Level {
	switch level {
	case types.LogLevelDebug:
		return zerolog.DebugLevel
	case types.LogLevelInfo:
		return zerolog.InfoLevel
	case types.LogLevelWarn:
		return zerolog.WarnLevel
	case types.LogLevelError:
		return zerolog.ErrorLevel
	case types.LogLevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// LogError logs an error with full context
//
// Example:
//
//	LogError(logger, err, "Failed to publish broadcast", map[string]any{
//	    "room": room,
//	})
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)

	for k, v := range fields {
		event = event.Interface(k, v)
	}

	event.Msg(msg)
}

// RecoverPanic is a helper for goroutine panic recovery that logs but doesn't exit
//
// Use it in the defer block of every long-lived goroutine (pumps, sweepers,
// bus receive loops) so a bug in one connection cannot take down the process.
//
// Example:
//
//	go func() {
//	    defer monitoring.RecoverPanic(logger, "writePump", map[string]any{"conn_id": id})
//	    // ... goroutine work ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))

		for k, v := range fields {
			event = event.Interface(k, v)
		}

		event.Msg("Goroutine panic recovered")
	}
}
