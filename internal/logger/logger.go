package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a component-scoped zerolog logger. Production environments
// get plain JSON on stdout; everything else gets the console writer.
func New(component string) zerolog.Logger {
	level := zerolog.DebugLevel
	if os.Getenv("APP_ENV") == "production" || os.Getenv("APP_ENV") == "staging" {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339

	if os.Getenv("APP_ENV") == "production" {
		return zerolog.New(os.Stdout).Level(level).With().
			Timestamp().
			Str("component", component).
			Logger()
	}

	out := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05"}
	return zerolog.New(out).Level(level).With().
		Timestamp().
		Str("component", component).
		Logger()
}
