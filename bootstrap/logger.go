package bootstrap

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/duraproxy/duraproxy/config"
)

// setupLogger builds the process-wide zerolog.Logger from a LoggingConfig,
// the way the sibling gateway's bootstrap derives its logger from env vars:
// here the level/format come from the loaded config instead.
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
