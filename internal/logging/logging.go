// Package logging builds zerolog loggers from configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/petrijr/stageflow/internal/config"
)

// New returns a logger configured by cfg and a closer for its output. The
// closer is a no-op unless output is a file.
func New(cfg config.LogConfig) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("invalid log level '%s': %w", cfg.Level, err)
		}
	}

	var (
		out    io.Writer
		closer io.Closer = nopCloser{}
	)
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	case "file":
		if dir := filepath.Dir(cfg.FilePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return zerolog.Nop(), nopCloser{}, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("failed to open log file '%s': %w", cfg.FilePath, err)
		}
		out, closer = f, f
	default:
		return zerolog.Nop(), nopCloser{}, fmt.Errorf("unknown log output %q", cfg.Output)
	}

	return NewWithWriter(out, cfg.Format, cfg.TimeFormat).Level(level), closer, nil
}

// NewWithWriter builds a logger writing to w. format "console" selects the
// human readable writer; anything else writes JSON.
func NewWithWriter(w io.Writer, format, timeFormat string) zerolog.Logger {
	tf := timeLayout(timeFormat)
	if strings.ToLower(format) == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	// zerolog's time format is process-wide; set it only when it differs to
	// avoid racing concurrent loggers that use the default.
	if zerolog.TimeFieldFormat != tf {
		zerolog.TimeFieldFormat = tf
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

func timeLayout(name string) string {
	switch strings.ToLower(name) {
	case "unix":
		return zerolog.TimeFormatUnix
	case "iso8601":
		return "2006-01-02T15:04:05.000Z07:00"
	default:
		return time.RFC3339
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
