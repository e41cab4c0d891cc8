// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package jobrunner

import (
	"bufio"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodebooks/kernel/internal/protocol"
)

func TestConn_SendWritesNDJSONLine(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	defer stdoutW.Close()

	c := NewConn(stdinW, stdoutR, nil)

	msg := protocol.ControlMessage{Type: protocol.ControlRunCell, JobID: "abc", Code: "1+1"}

	done := make(chan struct{})
	var gotLine string
	go func() {
		scanner := bufio.NewScanner(stdinR)
		if scanner.Scan() {
			gotLine = scanner.Text()
		}
		close(done)
	}()

	require.NoError(t, c.Send(msg))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("did not observe control message line")
	}

	var decoded protocol.ControlMessage
	require.NoError(t, json.Unmarshal([]byte(gotLine), &decoded))
	assert.Equal(t, msg.JobID, decoded.JobID)
	assert.Equal(t, msg.Code, decoded.Code)
}

func TestConn_DecodesFramesFromStdout(t *testing.T) {
	_, stdinW := io.Pipe()
	defer stdinW.Close()
	stdoutR, stdoutW := io.Pipe()

	c := NewConn(stdinW, stdoutR, nil)

	frame := protocol.EncodeText(protocol.KindStdout, 99, "hello", false)
	go func() {
		stdoutW.Write(frame)
	}()

	select {
	case f := <-c.Frames():
		assert.Equal(t, protocol.KindStdout, f.Kind)
		assert.Equal(t, uint32(99), f.JobIDHash)
		assert.Equal(t, "hello", string(f.Payload))
	case <-time.After(time.Second):
		t.Fatal("did not receive decoded frame")
	}
}

func TestConn_ClosesFramesChannelOnEOF(t *testing.T) {
	_, stdinW := io.Pipe()
	defer stdinW.Close()
	stdoutR, stdoutW := io.Pipe()

	c := NewConn(stdinW, stdoutR, nil)
	stdoutW.Close()

	select {
	case _, ok := <-c.Frames():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("frames channel was not closed on EOF")
	}
}

func TestConn_KillInvokesCallback(t *testing.T) {
	_, stdinW := io.Pipe()
	defer stdinW.Close()
	stdoutR, _ := io.Pipe()

	killed := make(chan struct{})
	c := NewConn(stdinW, stdoutR, func() error {
		close(killed)
		return nil
	})

	require.NoError(t, c.Kill())
	select {
	case <-killed:
	case <-time.After(time.Second):
		t.Fatal("kill callback was not invoked")
	}
}

func TestConn_SendAfterKillFails(t *testing.T) {
	_, stdinW := io.Pipe()
	defer stdinW.Close()
	stdoutR, _ := io.Pipe()

	c := NewConn(stdinW, stdoutR, func() error { return nil })
	require.NoError(t, c.Kill())

	err := c.Send(protocol.ControlMessage{Type: protocol.ControlPing})
	assert.Error(t, err)
}
