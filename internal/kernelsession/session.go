// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package kernelsession implements the Kernel Session (C5): the
// per-notebook-session façade that queues execute requests, owns a
// pool Reservation, serializes execution, and fans out frames/terminal
// events to every attached subscriber.
package kernelsession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodebooks/kernel/internal/collab"
	"github.com/nodebooks/kernel/internal/jobrunner"
	"github.com/nodebooks/kernel/internal/pool"
	"github.com/nodebooks/kernel/internal/protocol"
)

// DefaultReplayBytes is the replay-snapshot tail size new subscribers receive.
const DefaultReplayBytes = 64 * 1024

// Status is the session's externally observable open/closed lifecycle state.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// ExecState tracks whether the session is waiting for a worker (idle)
// or currently running a job (busy), surfaced to clients as `status`.
type ExecState string

const (
	ExecIdle ExecState = "idle"
	ExecBusy ExecState = "busy"
)

// Subscriber is a sink for one attached client connection. Implementations
// (wsbridge) must never block: Deliver is called synchronously from the
// session's dispatch loop.
type Subscriber interface {
	Deliver(Event)
}

// Event is one item in a session's ordered output stream, wrapping
// either a raw frame or a terminal/status transition for delivery to
// subscribers (and for replay-tail buffering).
type Event struct {
	Kind      EventKind
	Frame     protocol.Frame
	CellID    string // the cell the active job belongs to, set for live EventKindFrame and EventKindTerminal events; frames replayed by Attach carry none
	Terminal  *protocol.EventMessage
	ExecState ExecState
	Closed    *string // reason, set only for EventKindClosed
}

// EventKind discriminates Event's payload.
type EventKind string

const (
	EventKindFrame    EventKind = "frame"
	EventKindTerminal EventKind = "terminal"
	EventKindStatus   EventKind = "status"
	EventKindClosed   EventKind = "closed"
)

type pendingJob struct {
	job  protocol.Job
	done chan struct{}
}

// Session is one notebook session bound to a sessionId.
type Session struct {
	ID         string
	NotebookID string

	pool       *pool.Pool
	env        protocol.NotebookEnv
	transpiler collab.Transpiler

	mu             sync.Mutex
	status         Status
	reservation    *pool.Reservation
	queue          []pendingJob
	currentJobID   string
	currentCellID  string
	dispatching    bool
	accumGlobals   map[string]any
	subscribers    map[int]Subscriber
	nextSubID      int
	replayFrames   []protocol.Frame
	replayBytes    int
	maxReplayBytes int
	lastStatus     ExecState
	lastActivity   time.Time
	closedReason   string
}

// New creates an open Session bound to notebookID, reserving no worker
// until the first Attach (lazy reservation per spec). transpiler performs
// the source-to-executable-code rewrite (scope capture) for every
// Execute call; a production host injects a real one, tests may pass
// collab.NaiveTranspiler{}.
func New(id, notebookID string, p *pool.Pool, env protocol.NotebookEnv, transpiler collab.Transpiler) *Session {
	return &Session{
		ID:             id,
		NotebookID:     notebookID,
		pool:           p,
		env:            env,
		transpiler:     transpiler,
		status:         StatusOpen,
		accumGlobals:   make(map[string]any),
		subscribers:    make(map[int]Subscriber),
		maxReplayBytes: DefaultReplayBytes,
		lastStatus:     ExecIdle,
		lastActivity:   time.Now(),
	}
}

// Attach registers subscriber and returns an Unsubscribe func. The first
// Attach call lazily acquires the session's Reservation.
func (s *Session) Attach(ctx context.Context, sub Subscriber) (unsubscribe func(), err error) {
	s.mu.Lock()
	if s.status == StatusClosed {
		s.mu.Unlock()
		return nil, fmt.Errorf("kernelsession: session %s is closed", s.ID)
	}
	needsReservation := s.reservation == nil
	s.mu.Unlock()

	if needsReservation {
		res, err := s.pool.Reserve(ctx)
		if err != nil {
			return nil, fmt.Errorf("kernelsession: reserve worker: %w", err)
		}
		s.mu.Lock()
		if s.reservation == nil {
			s.reservation = res
		} else {
			s.mu.Unlock()
			res.Release()
			s.mu.Lock()
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = sub
	replay := append([]protocol.Frame(nil), s.replayFrames...)
	statusEv := s.lastStatus
	s.lastActivity = time.Now()
	s.mu.Unlock()

	for _, f := range replay {
		sub.Deliver(Event{Kind: EventKindFrame, Frame: f})
	}
	sub.Deliver(Event{Kind: EventKindStatus, ExecState: statusEv})

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.lastActivity = time.Now()
		s.mu.Unlock()
	}, nil
}

// Execute transpiles source and enqueues a cell execution job, returning
// its jobId immediately. A diagnostic-level transpile error short-circuits
// execution: the job is still assigned a jobId and delivered as a
// terminal error event, but it never reaches a worker.
func (s *Session) Execute(cellID, source string, lang protocol.Language) (string, error) {
	result, err := s.transpiler.Transpile(source, lang)
	if err != nil {
		return "", fmt.Errorf("kernelsession: transpile: %w", err)
	}

	jobID := uuid.NewString()
	if protocol.HasError(result.Diagnostics) {
		s.deliverTerminal(protocol.EventMessage{
			Type:  protocol.EventError,
			JobID: jobID,
			Error: &protocol.ExecError{EName: "TranspileError", EValue: diagnosticsSummary(result.Diagnostics)},
		})
		return jobID, nil
	}

	return s.enqueue(protocol.Job{
		JobID:      jobID,
		NotebookID: s.NotebookID,
		SessionID:  s.ID,
		Cell:       protocol.Cell{ID: cellID, Language: lang, Source: source},
		Code:       result.Code,
		Env:        s.env,
	})
}

func diagnosticsSummary(diags []protocol.Diagnostic) string {
	for _, d := range diags {
		if d.Severity == "error" {
			return d.Message
		}
	}
	return "transpile failed"
}

// InvokeHandler enqueues a handler-invocation job with identical
// lifecycle to Execute.
func (s *Session) InvokeHandler(handlerID, eventName string, payload []byte, cellID string) (string, error) {
	return s.enqueue(protocol.Job{
		JobID:      uuid.NewString(),
		NotebookID: s.NotebookID,
		SessionID:  s.ID,
		Cell:       protocol.Cell{ID: cellID},
		Env:        s.env,
		HandlerID:  handlerID,
		EventName:  eventName,
		Payload:    payload,
	})
}

func (s *Session) enqueue(job protocol.Job) (string, error) {
	s.mu.Lock()
	if s.status == StatusClosed {
		s.mu.Unlock()
		return "", fmt.Errorf("kernelsession: session %s is closed", s.ID)
	}
	job.Globals = cloneGlobals(s.accumGlobals)
	s.queue = append(s.queue, pendingJob{job: job, done: make(chan struct{})})
	shouldDispatch := !s.dispatching
	if shouldDispatch {
		s.dispatching = true
	}
	s.mu.Unlock()

	if shouldDispatch {
		go s.drainQueue()
	}

	return job.JobID, nil
}

func (s *Session) drainQueue() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.dispatching = false
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.currentJobID = next.job.JobID
		s.currentCellID = next.job.Cell.ID
		res := s.reservation
		s.mu.Unlock()

		s.setExecState(ExecBusy)

		if res == nil {
			s.deliverTerminal(protocol.EventMessage{
				Type:  protocol.EventError,
				JobID: next.job.JobID,
				Error: &protocol.ExecError{EName: "WorkerCrashed", EValue: "no reservation held"},
			})
			close(next.done)
			continue
		}

		ev, err := res.Run(context.Background(), next.job, sessionSink{s: s})
		if err != nil {
			ev = protocol.EventMessage{
				Type:  protocol.EventError,
				JobID: next.job.JobID,
				Error: &protocol.ExecError{EName: "WorkerCrashed", EValue: err.Error()},
			}
			s.deliverTerminal(ev)
		}

		if ev.Type == protocol.EventResult {
			s.mu.Lock()
			s.accumGlobals = mergeGlobals(s.accumGlobals, ev.Globals)
			s.mu.Unlock()
		}

		s.mu.Lock()
		s.currentJobID = ""
		s.currentCellID = ""
		s.lastActivity = time.Now()
		s.mu.Unlock()

		s.setExecState(ExecIdle)
		close(next.done)
	}
}

// Interrupt cancels the currently running job, if any. purge also drops
// all queued-but-not-yet-dispatched jobs.
func (s *Session) Interrupt(purge bool) {
	s.mu.Lock()
	jobID := s.currentJobID
	if purge {
		s.queue = nil
	}
	s.mu.Unlock()

	if jobID != "" {
		s.pool.Cancel(jobID)
	}
}

// Close drains the queue (cancelling the current job with grace,
// dropping the rest), releases the reservation, and notifies
// subscribers with a terminal closed event.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.status == StatusClosed {
		s.mu.Unlock()
		return
	}
	s.status = StatusClosed
	s.closedReason = reason
	jobID := s.currentJobID
	s.queue = nil
	res := s.reservation
	subs := make([]Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	if jobID != "" {
		s.pool.Cancel(jobID)
	}
	if res != nil {
		res.Release()
	}

	for _, sub := range subs {
		sub.Deliver(Event{Kind: EventKindClosed, Closed: &reason})
	}
}

// Status reports whether the session is open or closed.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SubscriberCount reports the number of attached subscribers.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// IsIdle reports whether the session has no subscribers and no job in
// flight, the condition the reaper (C7) uses to judge idleness.
func (s *Session) IsIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers) == 0 && s.currentJobID == ""
}

// IdleSince returns the time of the session's last activity, from which
// the reaper measures how long it has been idle.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) setExecState(state ExecState) {
	s.mu.Lock()
	s.lastStatus = state
	subs := make([]Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Deliver(Event{Kind: EventKindStatus, ExecState: state})
	}
}

func (s *Session) deliverTerminal(ev protocol.EventMessage) {
	s.mu.Lock()
	cellID := s.currentCellID
	subs := make([]Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Deliver(Event{Kind: EventKindTerminal, Terminal: &ev, CellID: cellID})
	}
}

func (s *Session) deliverFrame(f protocol.Frame) {
	s.mu.Lock()
	s.appendReplay(f)
	cellID := s.currentCellID
	subs := make([]Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Deliver(Event{Kind: EventKindFrame, Frame: f, CellID: cellID})
	}
}

// appendReplay must be called with s.mu held.
func (s *Session) appendReplay(f protocol.Frame) {
	s.replayFrames = append(s.replayFrames, f)
	s.replayBytes += len(f.Payload)
	for s.replayBytes > s.maxReplayBytes && len(s.replayFrames) > 0 {
		dropped := s.replayFrames[0]
		s.replayFrames = s.replayFrames[1:]
		s.replayBytes -= len(dropped.Payload)
	}
}

// sessionSink adapts jobrunner.Sink to a Session's fan-out.
type sessionSink struct{ s *Session }

func (sink sessionSink) OnFrame(f protocol.Frame)           { sink.s.deliverFrame(f) }
func (sink sessionSink) OnTerminal(ev protocol.EventMessage) { sink.s.deliverTerminal(ev) }

func cloneGlobals(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mergeGlobals(base, update map[string]any) map[string]any {
	out := cloneGlobals(base)
	if out == nil {
		out = make(map[string]any)
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}

var _ jobrunner.Sink = sessionSink{}
