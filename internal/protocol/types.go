// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the data model and wire protocol shared by the
// host and the worker process: notebook environments, cells, jobs, the
// binary stream frame format, and the control/event message unions.
package protocol

import (
	"encoding/json"
	"time"
)

// Runtime tags a NotebookEnv's execution runtime. Only "node" is defined.
const RuntimeNode = "node"

// NotebookEnv is the per-notebook execution context. It is immutable per
// execution: a Job snapshots the NotebookEnv it was dispatched with.
type NotebookEnv struct {
	Runtime         string            `json:"runtime"`
	LanguageVersion string            `json:"language_version"`
	Packages        map[string]string `json:"packages,omitempty"` // package name -> semver
	Vars            map[string]any    `json:"vars,omitempty"`     // user env variables
}

// Language identifies a cell's source language.
type Language string

const (
	LanguageJS Language = "js"
	LanguageTS Language = "ts"
)

// Cell is a unit of user-authored code. Identity (ID) is stable across
// edits; Source is snapshotted at dispatch time.
type Cell struct {
	ID       string   `json:"id"`
	Language Language `json:"language"`
	Source   string   `json:"source"`
}

// Diagnostic is one compiler/transpiler diagnostic.
type Diagnostic struct {
	Severity string `json:"severity"` // "error" | "warning"
	Message  string `json:"message"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
}

// HasError reports whether any diagnostic has severity "error".
func HasError(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == "error" {
			return true
		}
	}
	return false
}

// Job is one execution of one cell (or one handler invocation) against one
// worker. Lifetime runs from enqueue to terminal event.
type Job struct {
	JobID      string         `json:"job_id"`
	NotebookID string         `json:"notebook_id"`
	SessionID  string         `json:"session_id"`
	Cell       Cell           `json:"cell"`
	Code       string         `json:"code"` // post-transpile
	Env        NotebookEnv    `json:"env"`
	TimeoutMs  int            `json:"timeout_ms"`
	Globals    map[string]any `json:"globals,omitempty"` // opaque prior-cell assignments

	// HandlerID/EventName/Payload are set for InvokeHandler jobs; the
	// handler's optional cell id travels in Cell.ID.
	HandlerID string          `json:"handler_id,omitempty"`
	EventName string          `json:"event_name,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	StartedAt time.Time `json:"started_at,omitempty"`
	Deadline  time.Time `json:"deadline,omitempty"`
}

// IsHandlerInvocation reports whether this job is an InvokeHandler job
// rather than a plain cell Execute.
func (j Job) IsHandlerInvocation() bool {
	return j.HandlerID != ""
}

// ExecutionStatus is the terminal status of a job's execution.
type ExecutionStatus string

const (
	ExecOK      ExecutionStatus = "ok"
	ExecError   ExecutionStatus = "error"
	ExecAborted ExecutionStatus = "aborted"
)

// Execution records the timing and terminal status of one job.
type Execution struct {
	Started time.Time       `json:"started"`
	Ended   time.Time       `json:"ended"`
	Status  ExecutionStatus `json:"status"`
}

// OutputKind discriminates the entries in a Result's Outputs list.
type OutputKind string

const (
	OutputStdout  OutputKind = "stdout"
	OutputStderr  OutputKind = "stderr"
	OutputDisplay OutputKind = "display"
	OutputError   OutputKind = "error"
)

// Output is one entry in the in-order concatenation of streamed outputs
// plus any display/error entries that make up a Result.
type Output struct {
	Kind    OutputKind `json:"kind"`
	Text    string     `json:"text,omitempty"`
	Display any        `json:"display,omitempty"`
	Error   *ExecError `json:"error,omitempty"`
}

// ExecError is the structured error payload carried by error-typed
// outputs and by the wire-level `error` message (spec.md §4.6/§7).
type ExecError struct {
	EName      string   `json:"ename"`
	EValue     string   `json:"evalue"`
	Traceback  []string `json:"traceback,omitempty"`
}

// ControlMessage is the host→worker discriminated union, carried as one
// JSON object per line on the worker's stdin.
type ControlMessage struct {
	Type ControlType `json:"type"`

	// RunCell / InvokeHandler fields.
	JobID     string         `json:"job_id,omitempty"`
	Code      string         `json:"code,omitempty"`
	Env       NotebookEnv    `json:"env,omitempty"`
	Globals   map[string]any `json:"globals,omitempty"`
	TimeoutMs int            `json:"timeout_ms,omitempty"`

	HandlerID string          `json:"handler_id,omitempty"`
	EventName string          `json:"event_name,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// Cancel fields.
	CancelJobID string `json:"cancel_job_id,omitempty"`
}

// ControlType enumerates ControlMessage.Type values.
type ControlType string

const (
	ControlRunCell       ControlType = "run_cell"
	ControlInvokeHandler ControlType = "invoke_handler"
	ControlCancel        ControlType = "cancel"
	ControlPing          ControlType = "ping"
)

// EventMessage is the worker→host discriminated union. It is not sent
// directly on the wire; it is the JSON payload of a kind=Log StreamFrame
// (see frame.go), envelope-tagged with JobID for exact job matching.
type EventMessage struct {
	Type EventType `json:"type"`

	JobID     string         `json:"job_id,omitempty"`
	Outputs   []Output       `json:"outputs,omitempty"`
	Execution *Execution     `json:"execution,omitempty"`
	Globals   map[string]any `json:"globals,omitempty"`
	Error     *ExecError     `json:"error,omitempty"`
}

// EventType enumerates EventMessage.Type values.
type EventType string

const (
	EventAck    EventType = "ack"
	EventResult EventType = "result"
	EventError  EventType = "error"
	EventPong   EventType = "pong"
)
