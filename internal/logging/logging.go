package logging

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/orrn/continuousprint/internal/config"
)

// New builds a logger from the logging section of the config.
func New(cfg config.LoggingConfig) (*log.Logger, error) {
	return NewWithOutput(cfg, os.Stderr)
}

func NewWithOutput(cfg config.LoggingConfig, out io.Writer) (*log.Logger, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	logger := log.New()
	logger.SetOutput(out)
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	case "plain":
		logger.SetFormatter(&log.TextFormatter{DisableColors: true, DisableTimestamp: true})
	default:
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	return logger, nil
}

// Component returns an entry tagged with the component name.
func Component(logger log.FieldLogger, name string) log.FieldLogger {
	return logger.WithField("component", name)
}

// Discard is a logger that drops everything; used in tests.
func Discard() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}
