// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	hash := HashJobID("job-123")
	wire := EncodeText(KindStdout, hash, "hello, world", false)

	f, ok := Decode(wire)
	require.True(t, ok)
	assert.Equal(t, KindStdout, f.Kind)
	assert.Equal(t, hash, f.JobIDHash)
	assert.False(t, f.Final)
	assert.Equal(t, "hello, world", string(f.Payload))
}

func TestFrameFinalFlag(t *testing.T) {
	wire := EncodeText(KindLog, 0, `{"type":"result"}`, true)
	f, ok := Decode(wire)
	require.True(t, ok)
	assert.True(t, f.Final)
}

func TestDecodeRejectsTruncated(t *testing.T) {
	wire := EncodeText(KindStderr, 42, "partial", false)
	_, ok := Decode(wire[:len(wire)-2])
	assert.False(t, ok)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	wire := EncodeText(KindStderr, 42, "x", false)
	wire[0] ^= 0xFF
	_, ok := Decode(wire)
	assert.False(t, ok)
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	_, ok := Decode([]byte{1, 2, 3})
	assert.False(t, ok)
}

func TestHashJobIDStable(t *testing.T) {
	assert.Equal(t, HashJobID("abc"), HashJobID("abc"))
	assert.NotEqual(t, HashJobID("abc"), HashJobID("abd"))
}
