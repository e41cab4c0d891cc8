// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package pool implements the Worker Pool (C4): a fixed-size set of
// worker processes plus their Job Runners, reservation/free-list
// management, eager crash replacement with exponential backoff, and
// rolling replacement driven by binary-watcher events (C10).
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"

	"github.com/nodebooks/kernel/internal/events"
	"github.com/nodebooks/kernel/internal/jobrunner"
	"github.com/nodebooks/kernel/internal/protocol"
)

// ErrBusy is returned by Reservation.Run when a job is already in flight.
var ErrBusy = errors.New("pool: reservation busy")

// ErrPoolExhausted is returned by Reserve when no worker becomes
// available before the caller's context deadline.
var ErrPoolExhausted = errors.New("pool: exhausted")

// ErrShuttingDown is returned by Reserve once Shutdown has been called.
var ErrShuttingDown = errors.New("pool: shutting down")

// ErrWorkerUnavailable is returned by Run when the reservation's worker
// is mid-replacement (the eager-replace window after a crash).
var ErrWorkerUnavailable = errors.New("pool: worker unavailable, replacement in progress")

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// Config bounds the pool's size and the Job Runner config it hands to
// every worker it spawns.
type Config struct {
	Size           int
	RunnerConfig   jobrunner.Config
	MaxOutputBytes int
}

// SpawnFunc starts one worker subprocess and returns its IPC connection
// plus a channel closed when the OS process exits for any reason. spawn.go
// provides the production implementation (exec.Command over the
// kernelworker binary); tests supply an in-memory fake.
type SpawnFunc func(ctx context.Context) (conn jobrunner.WorkerConn, exited <-chan struct{}, err error)

// slot is one of the pool's Size fixed positions. Exactly one worker
// occupies it at a time; replacement swaps the worker pointer without
// changing the slot's free-list membership.
type slot struct {
	mu      sync.Mutex
	idx     int
	worker  *workerEntry
	backoff time.Duration
}

type workerEntry struct {
	id     string
	conn   jobrunner.WorkerConn
	runner *jobrunner.Runner
	exited <-chan struct{}
}

// Pool owns Size live worker processes and routes jobs to them.
type Pool struct {
	cfg   Config
	spawn SpawnFunc
	bus   events.Bus

	mu       sync.Mutex
	slots    []*slot
	free     []int
	freeCond *sync.Cond
	closed   bool

	jobsMu sync.Mutex
	jobs   map[string]*jobrunner.Runner

	wg sync.WaitGroup
}

// New creates a Pool and eagerly spawns cfg.Size workers. bus may be nil.
func New(ctx context.Context, cfg Config, spawn SpawnFunc, bus events.Bus) (*Pool, error) {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if bus == nil {
		bus = noopBus{}
	}

	p := &Pool{
		cfg:   cfg,
		spawn: spawn,
		bus:   bus,
		jobs:  make(map[string]*jobrunner.Runner),
	}
	p.freeCond = sync.NewCond(&p.mu)

	p.slots = make([]*slot, cfg.Size)
	for i := range p.slots {
		p.slots[i] = &slot{idx: i}
	}

	for i := range p.slots {
		entry, err := p.spawnWorker(ctx, p.slots[i])
		if err != nil {
			return nil, fmt.Errorf("pool: spawn worker %d: %w", i, err)
		}
		p.slots[i].worker = entry
		p.free = append(p.free, i)
	}

	return p, nil
}

func (p *Pool) spawnWorker(ctx context.Context, s *slot) (*workerEntry, error) {
	conn, exited, err := p.spawn(ctx)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()

	entry := &workerEntry{id: id, conn: conn, exited: exited}
	entry.runner = jobrunner.New(conn, p.cfg.RunnerConfig, func(reason string) {
		p.onWorkerDead(s, id, reason)
	})

	p.wg.Add(1)
	go p.watchProcessExit(s, entry)

	_ = p.bus.Publish(context.Background(), events.Event{
		Type:    events.EventWorkerStarted,
		Payload: map[string]any{"worker_id": id},
	})

	return entry, nil
}

// watchProcessExit detects a worker that dies while Idle (no job
// in-flight, so jobrunner.Runner never observes the channel close).
func (p *Pool) watchProcessExit(s *slot, entry *workerEntry) {
	defer p.wg.Done()
	if entry.exited == nil {
		return
	}
	<-entry.exited
	if entry.runner.State() == jobrunner.StateIdle {
		p.onWorkerDead(s, entry.id, "process exited while idle")
	}
}

// onWorkerDead is the Runner's onDead callback (also invoked directly
// for idle-crash detection). It is idempotent per worker id: a slot
// whose current worker no longer matches id has already been replaced.
func (p *Pool) onWorkerDead(s *slot, id string, reason string) {
	s.mu.Lock()
	if s.worker == nil || s.worker.id != id {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	_ = p.bus.Publish(context.Background(), events.Event{
		Type:    events.EventWorkerCrashed,
		Payload: map[string]any{"worker_id": id, "reason": reason},
	})

	go p.replaceSlot(s, events.ReplaceTriggerCrash)
}

// replaceSlot spawns a fresh worker for s, retrying with exponential
// backoff on spawn failure. It never touches the free list: a slot that
// was reserved stays reserved, a slot that was free stays free.
func (p *Pool) replaceSlot(s *slot, trigger events.ReplaceTrigger) {
	s.mu.Lock()
	if s.backoff == 0 {
		s.backoff = minBackoff
	}
	backoff := s.backoff
	s.worker = nil
	s.mu.Unlock()

	for {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}

		entry, err := p.spawnWorker(context.Background(), s)
		if err == nil {
			s.mu.Lock()
			s.worker = entry
			s.backoff = 0
			s.mu.Unlock()

			_ = p.bus.Publish(context.Background(), events.Event{
				Type:    events.EventWorkerReplaced,
				Payload: map[string]any{"worker_id": entry.id, "trigger": string(trigger)},
			})
			return
		}

		log.Printf("pool: worker replacement failed, retrying in %s: %v", backoff, err)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		s.mu.Lock()
		s.backoff = backoff
		s.mu.Unlock()
	}
}

// ReplaceAll triggers a rolling replacement of live workers, one at a
// time, driven by a binary-changed notification (C10). Every worker whose
// runner is Idle is killed and replaced, whether its slot is free or
// reserved; a worker that is mid-job is skipped and is not revisited by
// this call.
func (p *Pool) ReplaceAll(ctx context.Context) {
	p.mu.Lock()
	slots := append([]*slot(nil), p.slots...)
	p.mu.Unlock()

	for _, s := range slots {
		s.mu.Lock()
		worker := s.worker
		s.mu.Unlock()
		if worker == nil {
			continue
		}
		if worker.runner.State() != jobrunner.StateIdle {
			continue // leave workers mid-job alone; they'll pick up the new binary next time they're replaced
		}
		_ = worker.conn.Kill()
		p.replaceSlot(s, events.ReplaceTriggerBinaryChange)
	}
}

// Reservation is an exclusive, long-lived claim on one Worker.
type Reservation struct {
	pool *Pool
	slot *slot

	mu   sync.Mutex
	busy bool
}

// Reserve blocks until a worker is available or ctx is done.
func (p *Pool) Reserve(ctx context.Context) (*Reservation, error) {
	done := make(chan int, 1)
	errc := make(chan error, 1)

	go func() {
		p.mu.Lock()
		for !p.closed && len(p.free) == 0 && ctx.Err() == nil {
			p.freeCond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			errc <- ErrShuttingDown
			return
		}
		if ctx.Err() != nil {
			p.mu.Unlock()
			errc <- ErrPoolExhausted
			return
		}
		idx := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		p.mu.Unlock()
		done <- idx
	}()

	select {
	case idx := <-done:
		return &Reservation{pool: p, slot: p.slots[idx]}, nil
	case err := <-errc:
		return nil, err
	case <-ctx.Done():
		// The goroutine above may still be waiting on freeCond; wake
		// everyone so it can observe ctx and exit rather than leak, and
		// hand back any slot it took before it saw ctx.
		go func() {
			p.mu.Lock()
			p.freeCond.Broadcast()
			p.mu.Unlock()
			select {
			case idx := <-done:
				p.returnToFree(idx)
			case <-errc:
			}
		}()
		return nil, ErrPoolExhausted
	}
}

// Run dispatches job against the reservation's current worker.
func (r *Reservation) Run(ctx context.Context, job protocol.Job, sink jobrunner.Sink) (protocol.EventMessage, error) {
	r.mu.Lock()
	if r.busy {
		r.mu.Unlock()
		return protocol.EventMessage{}, ErrBusy
	}
	r.busy = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.busy = false
		r.mu.Unlock()
	}()

	r.slot.mu.Lock()
	entry := r.slot.worker
	r.slot.mu.Unlock()
	if entry == nil {
		return protocol.EventMessage{}, ErrWorkerUnavailable
	}

	r.pool.jobsMu.Lock()
	r.pool.jobs[job.JobID] = entry.runner
	r.pool.jobsMu.Unlock()
	defer func() {
		r.pool.jobsMu.Lock()
		delete(r.pool.jobs, job.JobID)
		r.pool.jobsMu.Unlock()
	}()

	ev, err := entry.runner.Run(ctx, job, sink)
	return ev, err
}

// Cancel is a best-effort, idempotent global cancel routed to whichever
// Runner currently owns jobID.
func (p *Pool) Cancel(jobID string) {
	p.jobsMu.Lock()
	runner := p.jobs[jobID]
	p.jobsMu.Unlock()
	if runner != nil {
		runner.RequestCancel(jobID)
	}
}

// Release returns the reservation's worker to the free list if healthy.
// An unhealthy (Dead, mid-replacement) worker is left for the
// background replacement to finish; the slot index only rejoins the
// free list once a healthy worker occupies it again.
func (r *Reservation) Release() {
	r.slot.mu.Lock()
	entry := r.slot.worker
	r.slot.mu.Unlock()

	if entry != nil && entry.runner.State() == jobrunner.StateIdle {
		r.pool.returnToFree(r.slot.idx)
		return
	}

	// Unhealthy: wait for the slot's replacement (started by the
	// runner's onDead callback or by watchProcessExit) to finish, then
	// return it.
	go r.pool.releaseAfterReplace(r.slot)
}

func (p *Pool) releaseAfterReplace(s *slot) {
	for {
		s.mu.Lock()
		worker := s.worker
		s.mu.Unlock()
		if worker != nil && worker.runner.State() == jobrunner.StateIdle {
			p.returnToFree(s.idx)
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (p *Pool) returnToFree(idx int) {
	p.mu.Lock()
	p.free = append(p.free, idx)
	p.freeCond.Broadcast()
	p.mu.Unlock()
}

// Shutdown stops accepting new reservations, cancels every in-flight
// job, and waits up to grace for workers to exit before killing them.
func (p *Pool) Shutdown(ctx context.Context, grace time.Duration) error {
	p.mu.Lock()
	p.closed = true
	p.freeCond.Broadcast()
	slots := append([]*slot(nil), p.slots...)
	p.mu.Unlock()

	p.jobsMu.Lock()
	for jobID, runner := range p.jobs {
		runner.RequestCancel(jobID)
	}
	p.jobsMu.Unlock()

	deadline := time.Now().Add(grace)
	g, _ := errgroup.WithContext(ctx)
	for _, s := range slots {
		s := s
		g.Go(func() error {
			for {
				s.mu.Lock()
				worker := s.worker
				s.mu.Unlock()
				if worker == nil {
					return nil
				}
				if worker.runner.State() == jobrunner.StateIdle || time.Now().After(deadline) {
					return worker.conn.Kill()
				}
				time.Sleep(10 * time.Millisecond)
			}
		})
	}
	return g.Wait()
}

// Stats is a point-in-time snapshot used by diagnostics tooling.
type Stats struct {
	Size        int
	Live        int
	Reservable  int
	InFlightJobs int
}

// Stats returns the pool's current counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	live := 0
	for _, s := range p.slots {
		s.mu.Lock()
		if s.worker != nil {
			live++
		}
		s.mu.Unlock()
	}
	free := len(p.free)
	size := len(p.slots)
	p.mu.Unlock()

	p.jobsMu.Lock()
	inFlight := len(p.jobs)
	p.jobsMu.Unlock()

	return Stats{Size: size, Live: live, Reservable: free, InFlightJobs: inFlight}
}

type noopBus struct{}

func (noopBus) Publish(context.Context, events.Event) error                          { return nil }
func (noopBus) Subscribe(string, events.Handler) (events.SubscriptionID, error)       { return "", nil }
func (noopBus) SubscribeAsync(string, events.Handler, int) (events.SubscriptionID, error) {
	return "", nil
}
func (noopBus) Unsubscribe(events.SubscriptionID) error { return nil }
func (noopBus) History(events.Filter) ([]events.Event, error) { return nil, nil }
func (noopBus) Close() error                                   { return nil }
