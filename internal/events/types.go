// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package events provides the kernel's operational event bus (C8): a
// pub/sub seam for worker and pool telemetry, separate from the
// client-facing StreamFrame/EventMessage wire protocol in package
// protocol. Nothing published here crosses the WebSocket bridge
// directly; it is host-side observability only.
package events

import (
	"context"
	"time"
)

// Event represents an immutable operational event record.
type Event struct {
	ID         string                 `json:"id"`
	Version    string                 `json:"version"`
	Type       string                 `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	NotebookID string                 `json:"notebook_id"`
	Payload    map[string]interface{} `json:"payload"`
}

// Handler processes received events.
type Handler func(ctx context.Context, event Event) error

// SubscriptionID uniquely identifies a subscription.
type SubscriptionID string

// Filter narrows a History query.
type Filter struct {
	Types      []string  // Event types to match (supports wildcards)
	NotebookID string    // Filter by notebook
	Since      time.Time // Events after this time
	Until      time.Time // Events before this time
	Limit      int       // Maximum events to return
}

// Bus is the kernel's operational event pub/sub system.
type Bus interface {
	// Publish emits an event to all matching subscribers.
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a synchronous handler for events matching pattern.
	Subscribe(pattern string, handler Handler) (SubscriptionID, error)

	// SubscribeAsync registers an async handler with buffered channel.
	SubscribeAsync(pattern string, handler Handler, bufferSize int) (SubscriptionID, error)

	// Unsubscribe removes a subscription.
	Unsubscribe(id SubscriptionID) error

	// History retrieves past events matching filter.
	History(filter Filter) ([]Event, error)

	// Close shuts down the event bus gracefully.
	Close() error
}

// Event type constants for the kernel's operational telemetry.
const (
	// Worker lifecycle events.
	EventWorkerStarted  = "worker.started"
	EventWorkerCrashed  = "worker.crashed"
	EventWorkerReplaced = "worker.replaced"
	EventWorkerDrained  = "worker.drained"

	// Job lifecycle events.
	EventJobDispatched = "job.dispatched"
	EventJobTimeout    = "job.timeout"
	EventJobCancelled  = "job.cancelled"
	EventJobCompleted  = "job.completed"

	// Pool events.
	EventPoolExhausted = "pool.exhausted"

	// Binary watcher events.
	EventBinaryChanged = "binary.changed"

	// Session events.
	EventSessionAttached = "session.attached"
	EventSessionClosed   = "session.closed"
)

// ReplaceTrigger indicates why a worker was replaced.
type ReplaceTrigger string

const (
	ReplaceTriggerBinaryChange ReplaceTrigger = "binary_change"
	ReplaceTriggerCrash        ReplaceTrigger = "crash"
	ReplaceTriggerManual       ReplaceTrigger = "manual"
)

// CrashReason classifies a worker crash for EventWorkerCrashed payloads.
type CrashReason string

const (
	CrashReasonOOM     CrashReason = "oom"
	CrashReasonSignal  CrashReason = "signal"
	CrashReasonPanic   CrashReason = "panic"
	CrashReasonUnknown CrashReason = "unknown"
)
