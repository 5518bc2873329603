// Package logging builds the structured go-kit logger shared by every
// component of the region process.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Config selects the output format and minimum level.
type Config struct {
	Level  string `toml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `toml:"format" validate:"omitempty,oneof=logfmt json"`
}

// New returns a logger writing to stderr.
func New(cfg Config) log.Logger {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter returns a logger writing to w, stamped with time and caller
// and filtered by cfg.Level.
func NewWithWriter(cfg Config, w io.Writer) log.Logger {
	var logger log.Logger
	if strings.EqualFold(cfg.Format, "json") {
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}

	logger = level.NewFilter(logger, levelOption(cfg.Level))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	return logger
}

// Component returns a child logger tagged with the component name.
func Component(logger log.Logger, name string) log.Logger {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return log.With(logger, "component", name)
}

// OrNop returns logger, or a no-op logger when logger is nil.
func OrNop(logger log.Logger) log.Logger {
	if logger == nil {
		return log.NewNopLogger()
	}
	return logger
}

func levelOption(l string) level.Option {
	switch strings.ToLower(l) {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}
