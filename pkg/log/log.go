// Package log configures component-scoped zerolog loggers.
//
// Unlike a process-global Logger, New returns a value the caller owns
// and passes down through constructors (broker, presence,
// registration, dissem each take one). That keeps components testable
// in isolation and avoids global state a re-electing broker can't
// safely share across leadership changes.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is a logging verbosity threshold.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how New builds a logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// New builds a root logger from cfg. Callers derive component loggers
// from it with With.
func New(cfg Config) zerolog.Logger {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		return zerolog.New(output).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).Level(level).With().Timestamp().Logger()
}

// With returns a child of parent tagged with a component name, e.g.
// "presence", "registration", "dissem", "transport".
func With(parent zerolog.Logger, component string) zerolog.Logger {
	return parent.With().Str("component", component).Logger()
}
