package config

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. Format "console" writes human-readable
// lines; anything else writes JSON. Unknown levels fall back to info. Global
// zerolog settings are left to the binaries.
func (l LoggingConfig) NewLogger(out io.Writer) zerolog.Logger {
	if l.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(l.Level)
	if err != nil || l.Level == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
