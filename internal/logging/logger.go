// Package logging builds the structured zerolog logger threaded
// through the engine via constructor injection, never a package-level
// global.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config controls verbosity and output shape.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|pretty
}

// New builds a logger tagged with the engine's service name, timestamp
// and caller info, following the reference fleet's structured-logging
// setup.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "broadcast-engine").
		Logger()
}
