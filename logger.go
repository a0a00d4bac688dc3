package main

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig captures options for configuring the base logger.
type LogConfig struct {
	Level   string    // optional log level ("debug", "info", etc.)
	Output  io.Writer // defaults to os.Stdout
	Service string
}

var (
	logOnce sync.Once
	baseLog zerolog.Logger
)

// configureLogger initialises the base zerolog logger exactly once.
func configureLogger(cfg LogConfig) {
	logOnce.Do(func() {
		level := zerolog.InfoLevel
		if cfg.Level != "" {
			if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
				level = parsed
			}
		} else if env := os.Getenv("LOG_LEVEL"); env != "" {
			if parsed, err := zerolog.ParseLevel(env); err == nil {
				level = parsed
			}
		}
		zerolog.SetGlobalLevel(level)
		zerolog.TimeFieldFormat = time.RFC3339

		writer := cfg.Output
		if writer == nil {
			writer = os.Stdout
		}

		service := cfg.Service
		if service == "" {
			service = "video-locator"
		}

		baseLog = zerolog.New(writer).With().
			Timestamp().
			Str("service", service).
			Logger()
	})
}

// componentLogger returns a child logger annotated with the component name.
func componentLogger(component string) zerolog.Logger {
	configureLogger(LogConfig{})
	return baseLog.With().Str("component", component).Logger()
}
