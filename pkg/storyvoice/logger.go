package storyvoice

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging across the pipeline.
type Logger struct {
	logger zerolog.Logger
}

// LogConfig controls logger construction.
type LogConfig struct {
	Level  string // trace, debug, info, warn, error
	Pretty bool
	Output io.Writer
}

// DefaultLogConfig returns the stderr console configuration used by the
// CLI.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:  "info",
		Pretty: true,
		Output: os.Stderr,
	}
}

// NewLogger creates a structured logger.
func NewLogger(config *LogConfig) *Logger {
	if config == nil {
		config = DefaultLogConfig()
	}
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	zerolog.TimeFieldFormat = time.RFC3339

	var logger zerolog.Logger
	if config.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(out)
	}
	logger = logger.Level(parseLevel(config.Level)).With().Timestamp().Logger()

	return &Logger{logger: logger}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent returns a child logger tagged with a component field.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{logger: l.logger.With().Str("component", component).Logger()}
}

// WithField returns a child logger with one extra field.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{logger: l.logger.With().Interface(key, value).Logger()}
}

func (l *Logger) Trace() *zerolog.Event { return l.logger.Trace() }
func (l *Logger) Debug() *zerolog.Event { return l.logger.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.logger.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.logger.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.logger.Error() }
func (l *Logger) Fatal() *zerolog.Event { return l.logger.Fatal() }

var (
	globalLogger *Logger
	globalOnce   sync.Once
	globalMu     sync.RWMutex
)

// GetGlobalLogger returns the process-wide logger, creating it from env
// defaults on first use (STORYVOICE_LOG_LEVEL, STORYVOICE_LOG_JSON).
func GetGlobalLogger() *Logger {
	globalOnce.Do(func() {
		cfg := DefaultLogConfig()
		if lvl := os.Getenv("STORYVOICE_LOG_LEVEL"); lvl != "" {
			cfg.Level = lvl
		}
		if os.Getenv("STORYVOICE_LOG_JSON") == "true" {
			cfg.Pretty = false
		}
		globalMu.Lock()
		globalLogger = NewLogger(cfg)
		globalMu.Unlock()
	})
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// SetGlobalLogger replaces the process-wide logger.
func SetGlobalLogger(l *Logger) {
	globalOnce.Do(func() {})
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}
