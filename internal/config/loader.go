// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hjson/hjson-go/v4"
)

// Loader handles configuration file loading.
type Loader struct{}

// NewLoader creates a new config loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads and parses the configuration from the given path.
func (l *Loader) Load(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Parse HJSON to intermediate map
	var raw map[string]interface{}
	if err := hjson.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse hjson: %w", err)
	}

	// Convert to JSON and unmarshal to struct (for type safety)
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert to json: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults loads config with default values applied, then applies
// environment variable overrides per spec §6: env vars always win over
// file values.
func (l *Loader) LoadWithDefaults(ctx context.Context, path string) (*Config, error) {
	cfg, err := l.Load(ctx, path)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	ApplyEnvOverrides(cfg)
	return cfg, nil
}

// Default returns a Config with defaults and environment overrides
// applied but no file read; used when no config file is present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	ApplyEnvOverrides(cfg)
	return cfg
}

// FindConfig searches for a config file in the current directory. It
// looks for kernel.hjson first, then kernel.json.
func (l *Loader) FindConfig() (string, error) {
	candidates := []string{
		"kernel.hjson",
		"kernel.json",
	}

	for _, name := range candidates {
		path := filepath.Join(".", name)
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return path, nil
			}
			return abs, nil
		}
	}

	return "", fmt.Errorf("config file not found (looked for kernel.hjson, kernel.json)")
}

// applyDefaults sets default values for missing config fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8700
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}

	if cfg.Pool.Size == 0 {
		cfg.Pool.Size = 4
	}

	if cfg.Worker.TimeoutMs == 0 {
		cfg.Worker.TimeoutMs = 30000
	}
	if cfg.Worker.WSHeartbeatMs == 0 {
		cfg.Worker.WSHeartbeatMs = 15000
	}
	if cfg.Worker.BatchMs == 0 {
		cfg.Worker.BatchMs = 25
	}
	if cfg.Worker.MemoryMB == 0 {
		cfg.Worker.MemoryMB = 256
	}

	if cfg.Events.HistoryMaxEvents == 0 {
		cfg.Events.HistoryMaxEvents = 10000
	}
	if cfg.Events.HistoryMaxAge == "" {
		cfg.Events.HistoryMaxAge = "1h"
	}

	if cfg.Watch.Debounce == "" {
		cfg.Watch.Debounce = "500ms"
	}
}

// ApplyEnvOverrides overwrites cfg fields from the environment variables
// named in spec §6. Env vars always take precedence over file values.
func ApplyEnvOverrides(cfg *Config) {
	if v, ok := envInt("NODEBOOKS_KERNEL_TIMEOUT_MS"); ok {
		cfg.Worker.TimeoutMs = v
	}
	if v, ok := envInt("NODEBOOKS_KERNEL_WS_HEARTBEAT_MS"); ok {
		cfg.Worker.WSHeartbeatMs = v
	}
	if v, ok := envInt("NODEBOOKS_BATCH_MS"); ok {
		cfg.Worker.BatchMs = v
	}
	if v, ok := envInt("NODEBOOKS_POOL_SIZE"); ok {
		cfg.Pool.Size = v
	}
	if v, ok := envInt("NODEBOOKS_WORKER_MEMORY_MB"); ok {
		cfg.Worker.MemoryMB = v
	}
}

func envInt(name string) (int, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
