// Package logger configures the process-wide structured logger.
//
// Every subsystem logs through a component-tagged child logger so that a
// single grep on `component` isolates one subsystem's lines.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger. level is one of
// debug|info|warn|error; format is "json" or "console".
func Setup(level, format string) {
	lvl := zerolog.InfoLevel
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = zerolog.DebugLevel
	case "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339

	if strings.ToLower(strings.TrimSpace(format)) == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// C returns a child logger tagged with the given component name.
func C(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
