// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package workerproc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodebooks/kernel/internal/protocol"
)

type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *recordingSink) WriteFrame(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
}

func (s *recordingSink) decoded() []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Frame, 0, len(s.frames))
	for _, raw := range s.frames {
		f, ok := protocol.Decode(raw)
		if ok {
			out = append(out, f)
		}
	}
	return out
}

func TestOutputBatcher_CoalescesWithinWindow(t *testing.T) {
	sink := &recordingSink{}
	b := NewOutputBatcher(sink, 42, 50*time.Millisecond)

	b.Write(protocol.OutputStdout, []any{"line one"})
	b.Write(protocol.OutputStdout, []any{"line two"})

	time.Sleep(100 * time.Millisecond)

	frames := sink.decoded()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.KindStdout, frames[0].Kind)
	assert.Equal(t, uint32(42), frames[0].JobIDHash)
	assert.Contains(t, string(frames[0].Payload), "line one")
	assert.Contains(t, string(frames[0].Payload), "line two")
}

func TestOutputBatcher_SeparatesStdoutAndStderr(t *testing.T) {
	sink := &recordingSink{}
	b := NewOutputBatcher(sink, 1, 30*time.Millisecond)

	b.Write(protocol.OutputStdout, []any{"out"})
	b.Write(protocol.OutputStderr, []any{"err"})

	time.Sleep(80 * time.Millisecond)

	frames := sink.decoded()
	require.Len(t, frames, 2)
	kinds := map[protocol.Kind]bool{}
	for _, f := range frames {
		kinds[f.Kind] = true
	}
	assert.True(t, kinds[protocol.KindStdout])
	assert.True(t, kinds[protocol.KindStderr])
}

func TestOutputBatcher_FlushForcesImmediateFinalFrame(t *testing.T) {
	sink := &recordingSink{}
	b := NewOutputBatcher(sink, 7, time.Hour)

	b.Write(protocol.OutputStdout, []any{"trailing"})
	b.Flush(true)

	frames := sink.decoded()
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Final)
}

func TestOutputBatcher_FlushWithNothingPendingEmitsNoFrame(t *testing.T) {
	sink := &recordingSink{}
	b := NewOutputBatcher(sink, 7, time.Hour)
	b.Flush(true)
	assert.Empty(t, sink.decoded())
}

func TestOutputBatcher_DefaultsWindowWhenNonPositive(t *testing.T) {
	sink := &recordingSink{}
	b := NewOutputBatcher(sink, 1, 0)
	assert.Equal(t, 25*time.Millisecond, b.window)
}

func TestJoinConsoleArgs(t *testing.T) {
	assert.Equal(t, "a 1 undefined", joinConsoleArgs([]any{"a", int64(1), nil}))
	assert.Equal(t, "", joinConsoleArgs(nil))
}

func TestStringifyArg(t *testing.T) {
	assert.Equal(t, "plain", stringifyArg("plain"))
	assert.Equal(t, "undefined", stringifyArg(nil))
	assert.Equal(t, "3.5", stringifyArg(3.5))
}
