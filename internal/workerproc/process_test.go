// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package workerproc

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodebooks/kernel/internal/protocol"
)

func eventsOf(t *testing.T, sink *recordingSink) []protocol.EventMessage {
	t.Helper()
	var out []protocol.EventMessage
	for _, f := range sink.decoded() {
		if f.Kind != protocol.KindLog {
			continue
		}
		var ev protocol.EventMessage
		require.NoError(t, json.Unmarshal(f.Payload, &ev))
		out = append(out, ev)
	}
	return out
}

func runControlLines(t *testing.T, lines []string) *recordingSink {
	t.Helper()
	sink := &recordingSink{}
	p := NewProcess(strings.NewReader(strings.Join(lines, "\n")+"\n"), sink)
	p.Run()
	return sink
}

func TestProcess_RunCellEmitsAckThenResult(t *testing.T) {
	msg := protocol.ControlMessage{
		Type:      protocol.ControlRunCell,
		JobID:     "job-1",
		Code:      `1 + 1;`,
		TimeoutMs: 1000,
	}
	line, err := json.Marshal(msg)
	require.NoError(t, err)

	sink := runControlLines(t, []string{string(line)})
	events := eventsOf(t, sink)

	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventAck, events[0].Type)
	assert.Equal(t, "job-1", events[0].JobID)
	assert.Equal(t, protocol.EventResult, events[1].Type)
	assert.Equal(t, "job-1", events[1].JobID)
	require.NotNil(t, events[1].Execution)
	assert.Equal(t, protocol.ExecOK, events[1].Execution.Status)
}

func TestProcess_RunCellErrorEmitsErrorEvent(t *testing.T) {
	msg := protocol.ControlMessage{
		Type:      protocol.ControlRunCell,
		JobID:     "job-2",
		Code:      `throw new Error("boom");`,
		TimeoutMs: 1000,
	}
	line, err := json.Marshal(msg)
	require.NoError(t, err)

	sink := runControlLines(t, []string{string(line)})
	events := eventsOf(t, sink)

	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventAck, events[0].Type)
	assert.Equal(t, protocol.EventError, events[1].Type)
	require.NotNil(t, events[1].Error)
	assert.Equal(t, "boom", events[1].Error.EValue)
}

func TestProcess_GlobalsCarryForwardAcrossCells(t *testing.T) {
	first := protocol.ControlMessage{
		Type:      protocol.ControlRunCell,
		JobID:     "job-a",
		Code:      "let x = 10;\n__scope__.x = x;",
		TimeoutMs: 1000,
	}
	firstLine, err := json.Marshal(first)
	require.NoError(t, err)

	sink := runControlLines(t, []string{string(firstLine)})
	events := eventsOf(t, sink)
	require.Len(t, events, 2)
	require.Equal(t, protocol.EventResult, events[1].Type)
	globals := events[1].Globals
	require.NotNil(t, globals)

	second := protocol.ControlMessage{
		Type:      protocol.ControlRunCell,
		JobID:     "job-b",
		Code:      "x = x + 1;\n__scope__.x = x;",
		Globals:   globals,
		TimeoutMs: 1000,
	}
	secondLine, err := json.Marshal(second)
	require.NoError(t, err)

	sink2 := runControlLines(t, []string{string(secondLine)})
	events2 := eventsOf(t, sink2)
	require.Len(t, events2, 2)
	assert.EqualValues(t, 11, events2[1].Globals["x"])
}

func TestProcess_ResultOutputsCarryStdoutAndAutoDisplayInOrder(t *testing.T) {
	msg := protocol.ControlMessage{
		Type:      protocol.ControlRunCell,
		JobID:     "job-outputs",
		Code:      `console.log('hi'); 2+3;`,
		TimeoutMs: 1000,
	}
	line, err := json.Marshal(msg)
	require.NoError(t, err)

	sink := runControlLines(t, []string{string(line)})
	events := eventsOf(t, sink)

	require.Len(t, events, 2)
	result := events[1]
	require.Equal(t, protocol.EventResult, result.Type)
	require.Len(t, result.Outputs, 2)
	assert.Equal(t, protocol.OutputStdout, result.Outputs[0].Kind)
	assert.Equal(t, "hi", result.Outputs[0].Text)
	assert.Equal(t, protocol.OutputDisplay, result.Outputs[1].Kind)
	assert.EqualValues(t, 5, result.Outputs[1].Display)
}

func TestProcess_ErrorOutputsIncludeErrorEntry(t *testing.T) {
	msg := protocol.ControlMessage{
		Type:      protocol.ControlRunCell,
		JobID:     "job-err-outputs",
		Code:      `throw new Error("boom");`,
		TimeoutMs: 1000,
	}
	line, err := json.Marshal(msg)
	require.NoError(t, err)

	sink := runControlLines(t, []string{string(line)})
	events := eventsOf(t, sink)

	require.Len(t, events, 2)
	errEvent := events[1]
	require.Len(t, errEvent.Outputs, 1)
	assert.Equal(t, protocol.OutputError, errEvent.Outputs[0].Kind)
	require.NotNil(t, errEvent.Outputs[0].Error)
	assert.Equal(t, "boom", errEvent.Outputs[0].Error.EValue)
}

func TestProcess_DisplayFrameArrivesBeforeFinalStdoutFrame(t *testing.T) {
	msg := protocol.ControlMessage{
		Type:      protocol.ControlRunCell,
		JobID:     "job-order",
		Code:      `console.log('a'); display(5);`,
		TimeoutMs: 1000,
	}
	line, err := json.Marshal(msg)
	require.NoError(t, err)

	sink := runControlLines(t, []string{string(line)})
	frames := sink.decoded()

	var sawDisplay, sawFinalStdout bool
	var displayIndex, finalStdoutIndex int
	for i, f := range frames {
		if f.Kind == protocol.KindDisplay {
			sawDisplay = true
			displayIndex = i
		}
		if f.Kind == protocol.KindStdout && f.Final {
			sawFinalStdout = true
			finalStdoutIndex = i
		}
	}
	require.True(t, sawDisplay, "expected a display frame")
	require.True(t, sawFinalStdout, "expected a final stdout frame")
	assert.Less(t, displayIndex, finalStdoutIndex, "display frame must arrive before the job's final=1 stdout frame")
}

func TestProcess_PingEmitsPong(t *testing.T) {
	msg := protocol.ControlMessage{Type: protocol.ControlPing}
	line, err := json.Marshal(msg)
	require.NoError(t, err)

	sink := runControlLines(t, []string{string(line)})
	events := eventsOf(t, sink)
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventPong, events[0].Type)
}

func TestProcess_MalformedLineEmitsProtocolError(t *testing.T) {
	sink := runControlLines(t, []string{"{not valid json"})
	events := eventsOf(t, sink)
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventError, events[0].Type)
	require.NotNil(t, events[0].Error)
	assert.Equal(t, "ProtocolError", events[0].Error.EName)
}

func TestProcess_UnknownControlTypeEmitsProtocolError(t *testing.T) {
	line := `{"type":"not_a_real_type"}`
	sink := runControlLines(t, []string{line})
	events := eventsOf(t, sink)
	require.Len(t, events, 1)
	assert.Equal(t, "ProtocolError", events[0].Error.EName)
}

func TestProcess_BlankLinesAreIgnored(t *testing.T) {
	msg := protocol.ControlMessage{Type: protocol.ControlPing}
	line, err := json.Marshal(msg)
	require.NoError(t, err)

	sink := runControlLines(t, []string{"", string(line), ""})
	events := eventsOf(t, sink)
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventPong, events[0].Type)
}
