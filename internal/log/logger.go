// Package log implements structured logging using slog.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/tern/internal/config"
)

var (
	mu    sync.Mutex
	level = new(slog.LevelVar)
	file  *lumberjack.Logger
)

// Init initializes the global logger based on configuration. Calling it again
// replaces the handler and closes the previous log file.
func Init(cfg config.LogConfig) error {
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	// stdout is always included.
	writers := []io.Writer{os.Stdout}

	var fw *lumberjack.Logger
	if cfg.Outputs.File.Enabled {
		fw, err = createFileWriter(cfg.Outputs.File)
		if err != nil {
			return fmt.Errorf("failed to create file output: %w", err)
		}
		writers = append(writers, fw)
	}

	handler, err := newHandler(cfg.Format, io.MultiWriter(writers...))
	if err != nil {
		return err
	}

	mu.Lock()
	old := file
	file = fw
	level.Set(lvl)
	slog.SetDefault(slog.New(handler))
	mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

func newHandler(format string, w io.Writer) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s (must be json or text)", format)
	}
}

// Get returns the current default logger.
func Get() *slog.Logger {
	return slog.Default()
}

// SetLevel changes the level of the installed handler without rebuilding it.
func SetLevel(s string) error {
	lvl, err := parseLevel(s)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	level.Set(lvl)
	return nil
}

// Flush closes the log file, if any. Later writes reopen it.
func Flush() {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.Close()
	}
}

// parseLevel converts string level to slog.Level.
func parseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level: %s", levelStr)
	}
}

// createFileWriter creates a lumberjack file writer for log rotation.
func createFileWriter(fc config.FileOutputConfig) (*lumberjack.Logger, error) {
	if fc.Path == "" {
		return nil, fmt.Errorf("file output requires 'path' field")
	}
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.Rotation.MaxSizeMB,
		MaxBackups: fc.Rotation.MaxBackups,
		MaxAge:     fc.Rotation.MaxAgeDays,
		Compress:   fc.Rotation.Compress,
	}, nil
}
