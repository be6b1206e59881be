package log

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"firestige.xyz/tern/internal/config"
)

func TestParseLevelValid(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := parseLevel(tt.input)
			if err != nil {
				t.Errorf("parseLevel(%q) returned error: %v", tt.input, err)
			}
			if level != tt.expected {
				t.Errorf("parseLevel(%q) = %v, expected %v", tt.input, level, tt.expected)
			}
		})
	}
}

func TestParseLevelInvalid(t *testing.T) {
	for _, input := range []string{"invalid", "trace", "fatal", ""} {
		t.Run(input, func(t *testing.T) {
			if _, err := parseLevel(input); err == nil {
				t.Errorf("parseLevel(%q) should return error, got nil", input)
			}
		})
	}
}

func TestInitStdoutOnly(t *testing.T) {
	if err := Init(config.LogConfig{Level: "info", Format: "json"}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if Get() == nil {
		t.Fatal("Expected logger to be set, got nil")
	}
}

func TestInitWithFileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "tern.log")

	cfg := config.LogConfig{
		Level:  "debug",
		Format: "text",
		Outputs: config.LogOutputsConfig{
			File: config.FileOutputConfig{
				Enabled: true,
				Path:    logPath,
				Rotation: config.RotationConfig{
					MaxSizeMB:  10,
					MaxBackups: 3,
					MaxAgeDays: 7,
				},
			},
		},
	}
	if err := Init(cfg); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer Flush()

	slog.Info("device up", "device", "eth0")
	Flush()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Log file was not created at %s: %v", logPath, err)
	}
	if !strings.Contains(string(data), "device=eth0") {
		t.Errorf("Expected text record in log file, got %q", data)
	}
}

func TestInitErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.LogConfig
		want string
	}{
		{"level", config.LogConfig{Level: "invalid", Format: "json"}, "invalid log level"},
		{"format", config.LogConfig{Level: "info", Format: "xml"}, "unsupported log format"},
		{"file path", config.LogConfig{
			Level:   "info",
			Format:  "json",
			Outputs: config.LogOutputsConfig{File: config.FileOutputConfig{Enabled: true}},
		}, "path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Init(tt.cfg)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error about %s, got: %v", tt.want, err)
			}
		})
	}
}

func TestSetLevel(t *testing.T) {
	if err := Init(config.LogConfig{Level: "info", Format: "json"}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	ctx := context.Background()

	if Get().Enabled(ctx, slog.LevelDebug) {
		t.Error("debug should be disabled at info level")
	}
	if err := SetLevel("debug"); err != nil {
		t.Fatalf("SetLevel failed: %v", err)
	}
	if !Get().Enabled(ctx, slog.LevelDebug) {
		t.Error("debug should be enabled after SetLevel")
	}
	if err := SetLevel("verbose"); err == nil {
		t.Error("Expected error for unknown level")
	}
	SetLevel("info")
}
