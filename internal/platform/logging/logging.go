// Package logging builds the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup returns a JSON logger on stdout, or a human-friendly console logger
// when format is "text".
func Setup(format string) zerolog.Logger {
	return New(os.Stdout, format)
}

// New is Setup with an explicit writer.
func New(w io.Writer, format string) zerolog.Logger {
	if format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
	return zerolog.New(w).With().Timestamp().Logger()
}
