// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/valyala/bytebufferpool"
)

// Frame is one binary StreamFrame crossing the worker-to-host boundary.
// Header layout (13 bytes, little-endian), followed by Payload:
//
//	u16 magic
//	u8  version
//	u8  kind
//	u32 jobIDHash
//	u8  flags
//	u32 length (len(Payload))
type Frame struct {
	Kind      Kind
	JobIDHash uint32
	Final     bool
	Payload   []byte
}

// Kind discriminates the content of a Frame's payload.
type Kind uint8

const (
	KindStdout  Kind = 1
	KindStderr  Kind = 2
	KindDisplay Kind = 3
	KindLog     Kind = 4
)

const (
	magic      uint16 = 0x4E42
	version    uint8  = 1
	headerSize int    = 13

	flagFinal uint8 = 1 << 0

	// DefaultMaxPayloadBytes bounds a single frame's payload. Frames
	// larger than this are rejected by Decode rather than allocated.
	DefaultMaxPayloadBytes = 1 << 20
)

// HashJobID derives the 32-bit FNV-1a hash used as a frame's jobIDHash.
// It is a fast, collision-tolerant routing key, not an identity: the
// full job id travels separately in kind=Log envelopes for exact
// disambiguation (see EventMessage).
func HashJobID(jobID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(jobID))
	return h.Sum32()
}

// Encode serializes f into the wire format, using a pooled buffer.
func (f Frame) Encode() []byte {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(hdr[0:2], magic)
	hdr[2] = version
	hdr[3] = byte(f.Kind)
	binary.LittleEndian.PutUint32(hdr[4:8], f.JobIDHash)
	if f.Final {
		hdr[8] = flagFinal
	}
	binary.LittleEndian.PutUint32(hdr[9:13], uint32(len(f.Payload)))

	buf.Write(hdr)
	buf.Write(f.Payload)

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}

// EncodeText builds and encodes a text-carrying frame (Stdout/Stderr/Log).
func EncodeText(kind Kind, jobIDHash uint32, text string, final bool) []byte {
	return Frame{Kind: kind, JobIDHash: jobIDHash, Final: final, Payload: []byte(text)}.Encode()
}

// Decode parses buf as a single Frame. It returns a zero Frame and false on any
// malformed, truncated, or bad-magic/version input: callers must treat a
// failed decode as a protocol error and must never panic on worker input.
func Decode(buf []byte) (Frame, bool) {
	if len(buf) < headerSize {
		return Frame{}, false
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != magic {
		return Frame{}, false
	}
	if buf[2] != version {
		return Frame{}, false
	}
	length := binary.LittleEndian.Uint32(buf[9:13])
	if int(length) != len(buf)-headerSize {
		return Frame{}, false
	}
	if length > DefaultMaxPayloadBytes {
		return Frame{}, false
	}

	payload := make([]byte, length)
	copy(payload, buf[headerSize:])

	return Frame{
		Kind:      Kind(buf[3]),
		JobIDHash: binary.LittleEndian.Uint32(buf[4:8]),
		Final:     buf[8]&flagFinal != 0,
		Payload:   payload,
	}, true
}
