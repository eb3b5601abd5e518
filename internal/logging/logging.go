// Package logging builds the zerolog logger shared by snakepit components.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options selects the logger's verbosity and encoding.
type Options struct {
	Verbose bool      // debug level
	Quiet   bool      // errors only; wins over Verbose
	JSON    bool      // machine-readable output instead of console
	Out     io.Writer // defaults to os.Stderr
}

// New returns a logger writing to opts.Out.
func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	level := zerolog.InfoLevel
	switch {
	case opts.Quiet:
		level = zerolog.ErrorLevel
	case opts.Verbose:
		level = zerolog.DebugLevel
	}

	if !opts.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
