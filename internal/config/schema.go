// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config handles HJSON configuration loading for kerneld, with
// environment variable overrides taking precedence over file values.
package config

// Config is the root configuration structure for kerneld.
type Config struct {
	Server Server `json:"server"`
	Pool   Pool   `json:"pool"`
	Worker Worker `json:"worker"`
	Events Events `json:"events"`
	Watch  Watch  `json:"watch"`
}

// Server configures the WebSocket bridge's HTTP listener.
type Server struct {
	Port int    `json:"port"`
	Host string `json:"host"`
}

// Pool configures the worker pool (C4).
type Pool struct {
	Size int `json:"size"`
}

// Worker configures per-job worker limits (C2/C3).
type Worker struct {
	TimeoutMs     int `json:"timeout_ms"`
	WSHeartbeatMs int `json:"ws_heartbeat_ms"`
	BatchMs       int `json:"batch_ms"`
	MemoryMB      int `json:"memory_mb"`
}

// Events configures the operational event bus's retention (C8).
type Events struct {
	HistoryMaxEvents int    `json:"history_max_events"`
	HistoryMaxAge    string `json:"history_max_age"`
}

// Watch configures the binary watcher (C10).
type Watch struct {
	BinaryPath string `json:"binary_path"`
	Debounce   string `json:"debounce"`
}
