// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package workerproc

import (
	"bufio"
	"encoding/json"
	"io"
	"log"
	"sync"
	"time"

	"github.com/nodebooks/kernel/internal/protocol"
)

// Process is the kernelworker subprocess's main loop: it reads one
// ControlMessage per line from stdin and writes StreamFrames to stdout.
// A Process runs exactly one job at a time, matching the pool's one
// in-flight-job-per-worker reservation model (C4).
type Process struct {
	stdin  *bufio.Scanner
	stdout FrameSink

	// BatchWindow overrides defaultBatchWindow for every job's console
	// output batcher. Zero keeps the default; set from the host's
	// worker.batch_ms config before calling Run.
	BatchWindow time.Duration

	mu        sync.Mutex
	jobID     string
	jobHash   uint32
	interrupt chan struct{}
	protoErrs int
}

// NewProcess wires a Process to the given stdin/stdout streams.
func NewProcess(stdin io.Reader, stdout FrameSink) *Process {
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Process{stdin: scanner, stdout: stdout}
}

// Run reads control messages until stdin closes. It never returns an
// error: a malformed line is reported as a protocol_error event and
// reading continues; the worker never stops on protocol errors itself.
func (p *Process) Run() {
	for p.stdin.Scan() {
		line := p.stdin.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg protocol.ControlMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			p.onProtocolError("malformed control message: " + err.Error())
			continue
		}

		p.dispatch(msg)
	}
}

func (p *Process) dispatch(msg protocol.ControlMessage) {
	switch msg.Type {
	case protocol.ControlRunCell:
		p.runJob(msg)
	case protocol.ControlInvokeHandler:
		p.runJob(msg)
	case protocol.ControlCancel:
		p.cancel(msg.CancelJobID)
	case protocol.ControlPing:
		p.pong()
	default:
		p.onProtocolError("unknown control message type: " + string(msg.Type))
	}
}

func (p *Process) runJob(msg protocol.ControlMessage) {
	hash := protocol.HashJobID(msg.JobID)

	p.mu.Lock()
	if p.jobID != "" {
		p.mu.Unlock()
		p.onProtocolError("run_cell received while a job is already in flight")
		return
	}
	p.jobID = msg.JobID
	p.jobHash = hash
	interrupt := make(chan struct{})
	p.interrupt = interrupt
	p.mu.Unlock()

	p.emitEvent(hash, protocol.EventMessage{Type: protocol.EventAck, JobID: msg.JobID})

	batcher := NewOutputBatcher(p.stdout, hash, p.BatchWindow)
	outputs := &outputCollector{}
	eval := NewEvaluator(&batchingConsole{batcher: batcher, outputs: outputs})

	timeout := time.Duration(msg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	// display frames are written to stdout as they occur, synchronously
	// within the evaluator's goroutine, so every one of them reaches the
	// wire strictly before batcher.Flush(true) below sends the job's
	// final=1 stdout/stderr frame.
	display := func(v any) {
		outputs.addDisplay(v)
		p.stdout.WriteFrame(protocol.Frame{
			Kind:      protocol.KindDisplay,
			JobIDHash: hash,
			Final:     false,
			Payload:   protocol.EncodeDisplayValue(v),
		}.Encode())
	}

	result := eval.Run(msg.Code, msg.Globals, display, timeout, interrupt)
	batcher.Flush(true)

	p.mu.Lock()
	p.jobID = ""
	p.interrupt = nil
	p.mu.Unlock()

	if result.Status == protocol.ExecOK {
		p.emitEvent(hash, protocol.EventMessage{
			Type:      protocol.EventResult,
			JobID:     msg.JobID,
			Outputs:   outputs.snapshot(),
			Execution: &protocol.Execution{Started: time.Now(), Ended: time.Now(), Status: result.Status},
			Globals:   result.Globals,
		})
	} else {
		outputs.addError(result.Err)
		p.emitEvent(hash, protocol.EventMessage{
			Type:      protocol.EventError,
			JobID:     msg.JobID,
			Outputs:   outputs.snapshot(),
			Execution: &protocol.Execution{Started: time.Now(), Ended: time.Now(), Status: result.Status},
			Error:     result.Err,
		})
	}
}

// outputCollector assembles the in-order Outputs list (spec.md §3's "Result
// carries the complete ordered list of outputs") alongside the frame-level
// streaming that batcher/display handle independently. Every console.log
// and display() call records here at the call site, so list order matches
// script evaluation order regardless of how frames get batched or flushed.
type outputCollector struct {
	mu   sync.Mutex
	list []protocol.Output
}

func (o *outputCollector) addConsole(kind protocol.OutputKind, text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, protocol.Output{Kind: kind, Text: text})
}

func (o *outputCollector) addDisplay(v any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, protocol.Output{Kind: protocol.OutputDisplay, Display: v})
}

func (o *outputCollector) addError(e *protocol.ExecError) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, protocol.Output{Kind: protocol.OutputError, Error: e})
}

func (o *outputCollector) snapshot() []protocol.Output {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.list) == 0 {
		return nil
	}
	return append([]protocol.Output(nil), o.list...)
}

// batchingConsole forwards console.log/warn/error calls to the batcher for
// frame emission, unchanged, while also recording each call as an Output
// entry for the job's terminal event.
type batchingConsole struct {
	batcher *OutputBatcher
	outputs *outputCollector
}

func (c *batchingConsole) Write(kind protocol.OutputKind, args []any) {
	c.outputs.addConsole(kind, joinConsoleArgs(args))
	c.batcher.Write(kind, args)
}

func (p *Process) cancel(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.jobID == jobID && p.interrupt != nil {
		close(p.interrupt)
		p.interrupt = nil
	}
}

func (p *Process) pong() {
	p.emitEvent(0, protocol.EventMessage{Type: protocol.EventPong})
}

// onProtocolError reports a malformed control message. After three
// protocol errors within the current job's lifetime the worker is no
// longer trustworthy and the host is expected to treat it as crashed
// (the pool enforces the threshold; the worker only counts and logs).
func (p *Process) onProtocolError(reason string) {
	p.mu.Lock()
	p.protoErrs++
	n := p.protoErrs
	p.mu.Unlock()

	log.Printf("workerproc: protocol error (%d): %s", n, reason)
	p.emitEvent(0, protocol.EventMessage{
		Type: protocol.EventError,
		Error: &protocol.ExecError{
			EName:  "ProtocolError",
			EValue: reason,
		},
	})
}

func (p *Process) emitEvent(hash uint32, ev protocol.EventMessage) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("workerproc: failed to marshal event: %v", err)
		return
	}
	p.stdout.WriteFrame(protocol.EncodeText(protocol.KindLog, hash, string(payload), true))
}

const defaultBatchWindow = 25 * time.Millisecond
