// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Command kernelworker is the sandboxed subprocess the pool (C4) spawns
// one of per worker slot: it reads ControlMessages as newline-delimited
// JSON from stdin and writes binary StreamFrames to stdout, per the
// wire format in package protocol.
package main

import (
	"bufio"
	"io"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/nodebooks/kernel/internal/workerproc"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("kernelworker: ")
	log.SetOutput(os.Stderr)

	sink := newStdoutSink(os.Stdout)
	defer sink.Flush()

	proc := workerproc.NewProcess(os.Stdin, sink)
	if ms, ok := envInt("NODEBOOKS_BATCH_MS"); ok {
		proc.BatchWindow = time.Duration(ms) * time.Millisecond
	}
	proc.Run()
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

// stdoutSink serializes writes from the evaluator's output batcher and
// the main control loop onto the same buffered stdout, since both can
// emit frames from different goroutines for the same job.
type stdoutSink struct {
	mu  sync.Mutex
	out *bufio.Writer
}

func newStdoutSink(w io.Writer) *stdoutSink {
	return &stdoutSink{out: bufio.NewWriterSize(w, 64*1024)}
}

// WriteFrame implements workerproc.FrameSink.
func (s *stdoutSink) WriteFrame(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(frame); err != nil {
		log.Printf("write frame: %v", err)
		return
	}
	if err := s.out.Flush(); err != nil {
		log.Printf("flush: %v", err)
	}
}

func (s *stdoutSink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.out.Flush()
}
