// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/binary"
	"errors"
	"math"
	"reflect"
)

// Display values travel as kind=Display frames using a small hand-rolled
// tag/length/value encoding rather than JSON: a worker's display() call may
// be handed arbitrary, possibly self-referential JS object graphs, and the
// codec needs to detect and terminate cycles itself rather than trust the
// value to be JSON-safe.
type tag uint8

const (
	tagNull       tag = 0
	tagBool       tag = 1
	tagInt        tag = 2
	tagFloat      tag = 3
	tagString     tag = 4
	tagArray      tag = 5
	tagMap        tag = 6
	tagCircularRef tag = 7
)

// ErrTruncated is returned by DecodeDisplayValue when buf ends mid-value.
var ErrTruncated = errors.New("protocol: truncated display value")

// EncodeDisplayValue encodes v into the structured binary display format.
func EncodeDisplayValue(v any) []byte {
	var out []byte
	seen := make(map[uintptr]bool)
	return encodeValue(out, v, seen)
}

func encodeValue(out []byte, v any, seen map[uintptr]bool) []byte {
	switch x := v.(type) {
	case nil:
		return append(out, byte(tagNull))
	case bool:
		b := byte(0)
		if x {
			b = 1
		}
		return append(out, byte(tagBool), b)
	case int:
		return encodeInt(out, int64(x))
	case int64:
		return encodeInt(out, x)
	case float64:
		return encodeFloat(out, x)
	case string:
		return encodeString(out, x)
	case []any:
		return encodeArray(out, x, seen)
	case map[string]any:
		return encodeMap(out, x, seen)
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Slice, reflect.Array:
			return encodeReflectSlice(out, rv, seen)
		case reflect.Map:
			return encodeReflectMap(out, rv, seen)
		default:
			return encodeString(out, "")
		}
	}
}

func encodeInt(out []byte, n int64) []byte {
	out = append(out, byte(tagInt))
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(n))
	return append(out, b[:]...)
}

func encodeFloat(out []byte, f float64) []byte {
	out = append(out, byte(tagFloat))
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(f))
	return append(out, b[:]...)
}

func encodeString(out []byte, s string) []byte {
	out = append(out, byte(tagString))
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], uint32(len(s)))
	out = append(out, lb[:]...)
	return append(out, s...)
}

// refPtr returns a stable pointer identity for cycle tracking, or 0 if v
// isn't a reference type that can cycle.
func refPtr(v reflect.Value) uintptr {
	switch v.Kind() {
	case reflect.Map, reflect.Slice:
		return v.Pointer()
	}
	return 0
}

func encodeArray(out []byte, arr []any, seen map[uintptr]bool) []byte {
	ptr := reflect.ValueOf(arr).Pointer()
	if ptr != 0 {
		if seen[ptr] {
			return append(out, byte(tagCircularRef))
		}
		seen[ptr] = true
		defer delete(seen, ptr)
	}

	out = append(out, byte(tagArray))
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], uint32(len(arr)))
	out = append(out, lb[:]...)
	for _, el := range arr {
		out = encodeValue(out, el, seen)
	}
	return out
}

func encodeMap(out []byte, m map[string]any, seen map[uintptr]bool) []byte {
	ptr := reflect.ValueOf(m).Pointer()
	if seen[ptr] {
		return append(out, byte(tagCircularRef))
	}
	seen[ptr] = true
	defer delete(seen, ptr)

	out = append(out, byte(tagMap))
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], uint32(len(m)))
	out = append(out, lb[:]...)
	for k, el := range m {
		out = encodeString(out, k)
		out = encodeValue(out, el, seen)
	}
	return out
}

func encodeReflectSlice(out []byte, rv reflect.Value, seen map[uintptr]bool) []byte {
	ptr := refPtr(rv)
	if ptr != 0 {
		if seen[ptr] {
			return append(out, byte(tagCircularRef))
		}
		seen[ptr] = true
		defer delete(seen, ptr)
	}

	n := rv.Len()
	out = append(out, byte(tagArray))
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], uint32(n))
	out = append(out, lb[:]...)
	for i := 0; i < n; i++ {
		out = encodeValue(out, rv.Index(i).Interface(), seen)
	}
	return out
}

func encodeReflectMap(out []byte, rv reflect.Value, seen map[uintptr]bool) []byte {
	ptr := refPtr(rv)
	if seen[ptr] {
		return append(out, byte(tagCircularRef))
	}
	seen[ptr] = true
	defer delete(seen, ptr)

	keys := rv.MapKeys()
	out = append(out, byte(tagMap))
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], uint32(len(keys)))
	out = append(out, lb[:]...)
	for _, k := range keys {
		out = encodeString(out, keyString(k))
		out = encodeValue(out, rv.MapIndex(k).Interface(), seen)
	}
	return out
}

func keyString(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	return ""
}

// DecodeDisplayValue parses a structured binary display value, returning
// the decoded Go value and the number of bytes consumed.
func DecodeDisplayValue(buf []byte) (any, int, error) {
	return decodeValue(buf)
}

func decodeValue(buf []byte) (any, int, error) {
	if len(buf) < 1 {
		return nil, 0, ErrTruncated
	}
	switch tag(buf[0]) {
	case tagNull:
		return nil, 1, nil
	case tagCircularRef:
		return "[circular]", 1, nil
	case tagBool:
		if len(buf) < 2 {
			return nil, 0, ErrTruncated
		}
		return buf[1] != 0, 2, nil
	case tagInt:
		if len(buf) < 9 {
			return nil, 0, ErrTruncated
		}
		n := int64(binary.LittleEndian.Uint64(buf[1:9]))
		return n, 9, nil
	case tagFloat:
		if len(buf) < 9 {
			return nil, 0, ErrTruncated
		}
		f := math.Float64frombits(binary.LittleEndian.Uint64(buf[1:9]))
		return f, 9, nil
	case tagString:
		s, n, err := decodeString(buf)
		return s, n, err
	case tagArray:
		return decodeArray(buf)
	case tagMap:
		return decodeMap(buf)
	default:
		return nil, 0, errors.New("protocol: unknown display tag")
	}
}

func decodeString(buf []byte) (string, int, error) {
	if len(buf) < 5 {
		return "", 0, ErrTruncated
	}
	l := int(binary.LittleEndian.Uint32(buf[1:5]))
	if len(buf) < 5+l {
		return "", 0, ErrTruncated
	}
	return string(buf[5 : 5+l]), 5 + l, nil
}

func decodeArray(buf []byte) ([]any, int, error) {
	if len(buf) < 5 {
		return nil, 0, ErrTruncated
	}
	n := int(binary.LittleEndian.Uint32(buf[1:5]))
	out := make([]any, 0, n)
	off := 5
	for i := 0; i < n; i++ {
		v, consumed, err := decodeValue(buf[off:])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, v)
		off += consumed
	}
	return out, off, nil
}

func decodeMap(buf []byte) (map[string]any, int, error) {
	if len(buf) < 5 {
		return nil, 0, ErrTruncated
	}
	n := int(binary.LittleEndian.Uint32(buf[1:5]))
	out := make(map[string]any, n)
	off := 5
	for i := 0; i < n; i++ {
		k, consumed, err := decodeString(buf[off:])
		if err != nil {
			return nil, 0, err
		}
		off += consumed
		v, consumed2, err := decodeValue(buf[off:])
		if err != nil {
			return nil, 0, err
		}
		off += consumed2
		out[k] = v
	}
	return out, off, nil
}
