// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package workerproc

import (
	"fmt"
	"sync"
	"time"

	"github.com/nodebooks/kernel/internal/protocol"
)

// FrameSink receives encoded frames ready to write to the worker's stdout.
type FrameSink interface {
	WriteFrame(frame []byte)
}

// OutputBatcher coalesces console writes into StreamFrame batches no more
// often than every window, so chatty console.log loops don't turn into one
// syscall per line. Every write is held until the window's timer fires
// or Flush is called, whatever its size.
type OutputBatcher struct {
	mu        sync.Mutex
	sink      FrameSink
	jobIDHash uint32
	window    time.Duration
	pending   map[protocol.OutputKind]string
	timer     *time.Timer
}

// NewOutputBatcher creates a batcher for one job's stdout/stderr console
// output, flushing at most once per window.
func NewOutputBatcher(sink FrameSink, jobIDHash uint32, window time.Duration) *OutputBatcher {
	if window <= 0 {
		window = 25 * time.Millisecond
	}
	return &OutputBatcher{
		sink:      sink,
		jobIDHash: jobIDHash,
		window:    window,
		pending:   make(map[protocol.OutputKind]string),
	}
}

// Write implements Console: it appends text under the given kind and
// schedules a flush if one isn't already pending.
func (b *OutputBatcher) Write(kind protocol.OutputKind, args []any) {
	text := joinConsoleArgs(args)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending[kind] += text + "\n"
	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.flush)
	}
}

// Flush forces any buffered output out immediately, marking it final.
// Call once when the job terminates so no trailing output is lost.
func (b *OutputBatcher) Flush(final bool) {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	pending := b.pending
	b.pending = make(map[protocol.OutputKind]string)
	b.mu.Unlock()

	b.emit(pending, final)
}

func (b *OutputBatcher) flush() {
	b.mu.Lock()
	b.timer = nil
	pending := b.pending
	b.pending = make(map[protocol.OutputKind]string)
	b.mu.Unlock()

	b.emit(pending, false)
}

func (b *OutputBatcher) emit(pending map[protocol.OutputKind]string, final bool) {
	if b.sink == nil {
		return
	}
	for kind, text := range pending {
		if text == "" {
			continue
		}
		frameKind := toFrameKind(kind)
		b.sink.WriteFrame(protocol.EncodeText(frameKind, b.jobIDHash, text, final))
	}
}

func toFrameKind(kind protocol.OutputKind) protocol.Kind {
	if kind == protocol.OutputStderr {
		return protocol.KindStderr
	}
	return protocol.KindStdout
}

func joinConsoleArgs(args []any) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += stringifyArg(a)
	}
	return out
}

func stringifyArg(a any) string {
	switch v := a.(type) {
	case string:
		return v
	case nil:
		return "undefined"
	default:
		// goja exports numbers/bools/maps/slices as native Go values; a
		// plain %v rendering matches console.log's human-readable (not
		// JSON) output for simple values closely enough for streamed
		// log text.
		return fmt.Sprint(v)
	}
}
