// Package logging builds the service's slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type Config struct {
	Level   string
	Format  string
	Service string
	Mode    string
	Output  io.Writer
}

// New returns a logger writing JSON (default) or text records with UTC
// timestamps. Every record carries the service name and, when set, the
// operating mode.
func New(cfg Config) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", cfg.Format)
	}

	service := strings.TrimSpace(cfg.Service)
	if service == "" {
		service = "shuttle"
	}
	logger := slog.New(handler).With("service", service)
	if mode := strings.TrimSpace(cfg.Mode); mode != "" {
		logger = logger.With("mode", mode)
	}
	return logger, nil
}

func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log level: unsupported value %q", raw)
	}
}
