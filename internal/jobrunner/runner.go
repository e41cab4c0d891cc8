// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package jobrunner implements the per-worker job state machine (C3):
// dispatch a job over a worker's control channel, relay its streamed
// frames to a sink, enforce ack/deadline/cancel-grace timers, and
// translate the worker's terminal event (or its absence) into exactly
// one terminal EventMessage per job.
package jobrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nodebooks/kernel/internal/protocol"
)

// State is one of the Job Runner's six states.
type State string

const (
	StateIdle        State = "idle"
	StateDispatching State = "dispatching"
	StateRunning     State = "running"
	StateCancelling  State = "cancelling"
	StateTerminating State = "terminating"
	StateDead        State = "dead"
)

// WorkerConn is the IPC transport to one worker subprocess: a control
// writer and a decoded-frame event reader. Conn (conn.go) backs this
// with a real subprocess's stdin/stdout pipes; tests substitute an
// in-memory pair.
type WorkerConn interface {
	Send(msg protocol.ControlMessage) error
	Frames() <-chan protocol.Frame
	Errors() <-chan error
	Kill() error
}

// Sink receives frames and the single terminal event for the job
// currently running on a Runner. The Pool wires this to whichever
// Kernel Session owns the reservation.
type Sink interface {
	OnFrame(frame protocol.Frame)
	OnTerminal(ev protocol.EventMessage)
}

// Config bounds a Runner's timers and output cap.
type Config struct {
	AckTimeout     time.Duration
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	CancelGrace    time.Duration
	MaxOutputBytes int
}

// DefaultConfig matches spec.md §4.3/§4.4's stated defaults.
func DefaultConfig() Config {
	return Config{
		AckTimeout:     2 * time.Second,
		DefaultTimeout: 10 * time.Second,
		MaxTimeout:     10 * time.Second,
		CancelGrace:    100 * time.Millisecond,
		MaxOutputBytes: 1 << 20,
	}
}

// Runner drives one worker subprocess through at most one job at a
// time. onDead is invoked exactly once, from a background goroutine,
// when the worker is no longer usable (crash, protocol-error
// escalation, or forced termination after cancel grace) so the Pool can
// replace it.
type Runner struct {
	conn   WorkerConn
	cfg    Config
	onDead func(reason string)

	mu        sync.Mutex
	state     State
	jobID     string
	cancelCh  chan struct{}
	protoErrs int
}

// New creates a Runner bound to conn. onDead may be nil.
func New(conn WorkerConn, cfg Config, onDead func(reason string)) *Runner {
	if onDead == nil {
		onDead = func(string) {}
	}
	return &Runner{conn: conn, cfg: cfg, onDead: onDead, state: StateIdle}
}

// State reports the Runner's current state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ErrBusy is returned by Run when the Runner is not Idle.
type ErrBusy struct{ State State }

func (e *ErrBusy) Error() string { return fmt.Sprintf("jobrunner: runner busy (state=%s)", e.State) }

// Run dispatches job and blocks until exactly one terminal event has
// been produced (and delivered to sink via OnTerminal). ctx cancellation
// is treated the same as an explicit Interrupt.
func (r *Runner) Run(ctx context.Context, job protocol.Job, sink Sink) (protocol.EventMessage, error) {
	r.mu.Lock()
	if r.state != StateIdle {
		state := r.state
		r.mu.Unlock()
		return protocol.EventMessage{}, &ErrBusy{State: state}
	}
	r.state = StateDispatching
	r.jobID = job.JobID
	r.protoErrs = 0
	cancelCh := make(chan struct{})
	r.cancelCh = cancelCh
	r.mu.Unlock()

	timeout := clampTimeout(job.TimeoutMs, r.cfg.DefaultTimeout, r.cfg.MaxTimeout)

	ctrl := protocol.ControlMessage{
		Type:      runControlType(job),
		JobID:     job.JobID,
		Code:      job.Code,
		Env:       job.Env,
		Globals:   job.Globals,
		TimeoutMs: int(timeout / time.Millisecond),
		HandlerID: job.HandlerID,
		EventName: job.EventName,
		Payload:   job.Payload,
	}
	if err := r.conn.Send(ctrl); err != nil {
		ev := r.crash(sink, job.JobID, fmt.Sprintf("send control message: %v", err))
		return ev, nil
	}

	ackTimer := time.NewTimer(r.cfg.AckTimeout)
	defer ackTimer.Stop()
	var ackC <-chan time.Time = ackTimer.C

	deadlineTimer := time.NewTimer(timeout)
	defer deadlineTimer.Stop()

	frames := r.conn.Frames()
	errs := r.conn.Errors()
	outputBytes := 0

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				ev := r.crash(sink, job.JobID, "worker event channel closed")
				return ev, nil
			}

			if frame.Kind == protocol.KindLog {
				var msg protocol.EventMessage
				if err := json.Unmarshal(frame.Payload, &msg); err != nil {
					if r.bumpProtocolErrors(sink, job.JobID) {
						ev := r.crash(sink, job.JobID, "repeated protocol errors")
						return ev, nil
					}
					continue
				}
				if msg.Type == protocol.EventAck && msg.JobID == job.JobID {
					r.mu.Lock()
					r.state = StateRunning
					r.mu.Unlock()
					ackC = nil
					continue
				}
				if (msg.Type == protocol.EventResult || msg.Type == protocol.EventError) && msg.JobID == job.JobID {
					r.mu.Lock()
					r.state = StateIdle
					r.jobID = ""
					r.cancelCh = nil
					r.mu.Unlock()
					sink.OnTerminal(msg)
					return msg, nil
				}
				// Pong or a stale job id: not relevant to this job.
				continue
			}

			outputBytes += len(frame.Payload)
			if outputBytes > r.cfg.MaxOutputBytes {
				sink.OnFrame(protocol.Frame{
					Kind:      protocol.KindStderr,
					JobIDHash: frame.JobIDHash,
					Final:     true,
					Payload:   []byte("[output truncated]"),
				})
				ev := r.beginCancel(ctx, sink, job.JobID, frames, errs, "Interrupted", "output limit exceeded")
				return ev, nil
			}
			sink.OnFrame(frame)

		case err, ok := <-errs:
			if !ok {
				continue
			}
			_ = err
			if r.bumpProtocolErrors(sink, job.JobID) {
				ev := r.crash(sink, job.JobID, "repeated protocol errors")
				return ev, nil
			}

		case <-ackC:
			ev := r.crash(sink, job.JobID, "ack timeout")
			return ev, nil

		case <-deadlineTimer.C:
			ev := r.beginCancel(ctx, sink, job.JobID, frames, errs, "Timeout", "execution exceeded deadline")
			return ev, nil

		case <-cancelCh:
			ev := r.beginCancel(ctx, sink, job.JobID, frames, errs, "Interrupted", "execution cancelled")
			return ev, nil

		case <-ctx.Done():
			ev := r.beginCancel(ctx, sink, job.JobID, frames, errs, "Interrupted", "execution cancelled")
			return ev, nil
		}
	}
}

// RequestCancel cancels jobID if it is the job currently in flight on
// this Runner. Cancel is idempotent: repeated calls collapse.
func (r *Runner) RequestCancel(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.jobID != jobID || r.cancelCh == nil {
		return
	}
	select {
	case <-r.cancelCh:
	default:
		close(r.cancelCh)
	}
}

func (r *Runner) bumpProtocolErrors(sink Sink, jobID string) (escalate bool) {
	r.mu.Lock()
	r.protoErrs++
	escalate = r.protoErrs >= 3
	r.mu.Unlock()
	return escalate
}

// crash synthesizes a WorkerCrashed terminal event, kills the worker,
// and marks the Runner Dead.
func (r *Runner) crash(sink Sink, jobID string, reason string) protocol.EventMessage {
	r.mu.Lock()
	r.state = StateTerminating
	r.mu.Unlock()

	_ = r.conn.Kill()

	ev := protocol.EventMessage{
		Type:  protocol.EventError,
		JobID: jobID,
		Execution: &protocol.Execution{
			Started: time.Now(),
			Ended:   time.Now(),
			Status:  protocol.ExecAborted,
		},
		Error: &protocol.ExecError{EName: "WorkerCrashed", EValue: reason},
	}
	sink.OnTerminal(ev)

	r.mu.Lock()
	r.state = StateDead
	r.jobID = ""
	r.cancelCh = nil
	r.mu.Unlock()

	r.onDead(reason)
	return ev
}

// beginCancel sends Cancel to the worker, synthesizes the aborted
// terminal event the spec requires be delivered immediately, and spawns
// a background watcher that drops any late Result/Error for this job
// and forcibly terminates the worker if it does not settle within
// CancelGrace.
func (r *Runner) beginCancel(ctx context.Context, sink Sink, jobID string, frames <-chan protocol.Frame, errs <-chan error, ename, evalue string) protocol.EventMessage {
	r.mu.Lock()
	r.state = StateCancelling
	r.mu.Unlock()

	_ = r.conn.Send(protocol.ControlMessage{Type: protocol.ControlCancel, CancelJobID: jobID})

	ev := protocol.EventMessage{
		Type:  protocol.EventError,
		JobID: jobID,
		Execution: &protocol.Execution{
			Started: time.Now(),
			Ended:   time.Now(),
			Status:  protocol.ExecAborted,
		},
		Error: &protocol.ExecError{EName: ename, EValue: evalue},
	}
	sink.OnTerminal(ev)

	go r.awaitCancelSettle(jobID, frames, errs)

	return ev
}

func (r *Runner) awaitCancelSettle(jobID string, frames <-chan protocol.Frame, errs <-chan error) {
	grace := time.NewTimer(r.cfg.CancelGrace)
	defer grace.Stop()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				r.settleDead("worker event channel closed during cancel grace")
				return
			}
			if frame.Kind != protocol.KindLog {
				continue // discard trailing output for the cancelled job
			}
			var msg protocol.EventMessage
			if err := json.Unmarshal(frame.Payload, &msg); err != nil {
				continue
			}
			if (msg.Type == protocol.EventResult || msg.Type == protocol.EventError) && msg.JobID == jobID {
				r.settleIdle()
				return
			}

		case <-errs:
			continue

		case <-grace.C:
			_ = r.conn.Kill()
			r.settleDead("cancel grace elapsed")
			return
		}
	}
}

func (r *Runner) settleIdle() {
	r.mu.Lock()
	if r.state == StateCancelling {
		r.state = StateIdle
		r.jobID = ""
		r.cancelCh = nil
	}
	r.mu.Unlock()
}

func (r *Runner) settleDead(reason string) {
	r.mu.Lock()
	alreadyDead := r.state == StateDead
	r.state = StateDead
	r.jobID = ""
	r.cancelCh = nil
	r.mu.Unlock()
	if !alreadyDead {
		r.onDead(reason)
	}
}

func runControlType(job protocol.Job) protocol.ControlType {
	if job.IsHandlerInvocation() {
		return protocol.ControlInvokeHandler
	}
	return protocol.ControlRunCell
}

func clampTimeout(requestedMs int, def, max time.Duration) time.Duration {
	if requestedMs <= 0 {
		return def
	}
	d := time.Duration(requestedMs) * time.Millisecond
	if d > max {
		return max
	}
	return d
}
