// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// managerConfig is the optional YAML config file. Every field has a
// flag equivalent; explicitly set flags win over file values.
type managerConfig struct {
	// WorkerBinary is the machine-emulator worker executable spawned
	// for each session.
	WorkerBinary string `yaml:"worker_binary"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`

	// LogFormat is text or json.
	LogFormat string `yaml:"log_format"`

	// ArchiveCompression selects the epoch archive codec: zstd
	// (default), lz4, or none.
	ArchiveCompression string `yaml:"archive_compression"`
}

// defaultConfig returns the built-in defaults.
func defaultConfig() managerConfig {
	return managerConfig{
		WorkerBinary:       "cartesi-machine-server",
		LogLevel:           "info",
		LogFormat:          "text",
		ArchiveCompression: "zstd",
	}
}

// loadConfig reads and merges the config file over the defaults. An
// empty path returns the defaults unchanged.
func loadConfig(path string) (managerConfig, error) {
	config := defaultConfig()
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return config, nil
}

// parseLogLevel maps a config string to a slog level.
func parseLogLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}

// newLogger builds the process logger on stderr.
func newLogger(format string, level slog.Level) (*slog.Logger, error) {
	options := &slog.HandlerOptions{Level: level}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, options)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, options)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
