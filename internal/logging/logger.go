// Package logging builds the service's slog logger from config.LogConfig.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/trustedstake/stake-engine/internal/config"
)

// New returns a logger tagged with service and a func that closes any log
// file it opened.
func New(service string, cfg config.LogConfig) (*slog.Logger, func() error, error) {
	return build(service, cfg, os.Stdout)
}

func build(service string, cfg config.LogConfig, console io.Writer) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	out, closeOut, err := output(service, cfg, console)
	if err != nil {
		return nil, nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "text":
		handler = slog.NewTextHandler(out, opts)
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		_ = closeOut()
		return nil, nil, fmt.Errorf("invalid log format %q (expected text|json)", cfg.Format)
	}
	return slog.New(handler).With("service", service), closeOut, nil
}

func output(service string, cfg config.LogConfig, console io.Writer) (io.Writer, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "", "console":
		return console, noop, nil
	case "file":
		f, err := openFile(service, cfg.FilePath)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	case "both":
		f, err := openFile(service, cfg.FilePath)
		if err != nil {
			return nil, nil, err
		}
		return io.MultiWriter(console, f), f.Close, nil
	default:
		return nil, nil, fmt.Errorf("invalid log output %q (expected console|file|both)", cfg.Output)
	}
}

// openFile appends to path, defaulting to logs/<service>.log.
func openFile(service, path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = filepath.Join("logs", service+".log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %q: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

// ParseLevel maps a level name to a slog.Level. Empty means info.
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
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", raw)
	}
}
