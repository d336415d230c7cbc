package config

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogging configures the global zerolog logger from LOG_LEVEL and
// LOG_FORMAT. Call it once, before anything logs.
func (c Config) SetupLogging() {
	configureLogger(os.Stderr, c)
}

func configureLogger(w io.Writer, c Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if strings.EqualFold(c.LogFormat, "console") {
		w = zerolog.ConsoleWriter{Out: w}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Str("server", c.ServerName).Logger()

	lvl, err := c.Level()
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
