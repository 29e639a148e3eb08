// Package logging builds the process-wide slog.Logger.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/arcadia/arcadia-tracker/internal/config"
)

// New returns a logger for cfg. The closer releases the rotated log file,
// if any, and is never nil.
func New(cfg config.Log) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	w, closer, err := buildWriter(cfg)
	if err != nil {
		return nil, nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text", "":
		handler = slog.NewTextHandler(w, opts)
	default:
		_ = closer.Close()
		return nil, nil, fmt.Errorf("unknown log format: %s", cfg.Format)
	}
	return slog.New(handler), closer, nil
}

// ParseLevel converts a level name to slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", level)
	}
}

func buildWriter(cfg config.Log) (io.Writer, io.Closer, error) {
	var console io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		console = os.Stdout
	case "stderr", "":
		console = os.Stderr
	case "none":
	default:
		return nil, nil, fmt.Errorf("unknown log output: %s", cfg.Output)
	}

	if cfg.File == "" {
		if console == nil {
			return io.Discard, nopCloser{}, nil
		}
		return console, nopCloser{}, nil
	}

	lj := newLumberjack(cfg)
	if console == nil {
		return lj, lj, nil
	}
	return io.MultiWriter(console, lj), lj, nil
}

func newLumberjack(cfg config.Log) *lumberjack.Logger {
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	maxBackups := cfg.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 3
	}
	maxAge := cfg.MaxAgeDays
	if maxAge <= 0 {
		maxAge = 28
	}

	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		Compress:   true,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Discard returns a logger that drops everything, for tests and tools.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

var errNoFile = errors.New("no log file configured")

// Rotate forces a rotation of the log file behind closer.
func Rotate(closer io.Closer) error {
	lj, ok := closer.(*lumberjack.Logger)
	if !ok {
		return errNoFile
	}
	return lj.Rotate()
}
