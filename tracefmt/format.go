// Copyright The MethodTrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracefmt implements the binary method-trace format: the fixed
// 32-byte file header, the fixed-width per-event records, the streaming op
// blocks and the textual summary section. All multi-byte integers are
// little-endian and the layout is stable across releases; consumers decode
// traces produced by any prior version.
//
// File layout, buffered output mode:
//
//	summary text ("*version" .. "*end")
//	header (32 bytes)
//	record 0
//	record 1
//	...
//
// File layout, streaming output mode:
//
//	header (32 bytes, version ORed with 0xF0)
//	records interleaved with op blocks (new thread / new method)
//	summary op block
//
// Record format v2 (single clock): u2 thread id, u4 method id | action,
// u4 clock delta. Record format v3 (dual clock) appends a u4 wall delta.
// Format v1 (u1 thread id) is decoded but never produced.
package tracefmt // import "github.com/runtimekit/methodtrace/tracefmt"

import (
	"encoding/binary"
	"fmt"

	"github.com/runtimekit/methodtrace/times"
)

const (
	// Magic is the file magic, "SLOW" in little-endian byte order.
	Magic uint32 = 0x574f4c53

	// HeaderLength is the fixed byte length of the binary header.
	HeaderLength = 32

	// VersionSingleClock and VersionDualClock are the record format
	// versions produced for the respective clock sources.
	VersionSingleClock uint16 = 2
	VersionDualClock   uint16 = 3

	// streamingVersionBits is ORed into the header version when the trace
	// was produced in streaming output mode.
	streamingVersionBits uint16 = 0xF0

	// RecordSizeSingleClock and RecordSizeDualClock are the fixed record
	// widths for v2 and v3.
	RecordSizeSingleClock = 10
	RecordSizeDualClock   = 14

	recordSizeV1 = 9
)

// Action is the method event kind packed into the low bits of the method
// word.
type Action uint8

const (
	ActionEnter  Action = 0x00
	ActionExit   Action = 0x01
	ActionUnwind Action = 0x02

	// ActionBits is the number of low-order method-word bits reserved for
	// the action. Method ids must stay below 1<<(32-ActionBits).
	ActionBits = 2

	actionMask = 0x03
)

func (a Action) String() string {
	switch a {
	case ActionEnter:
		return "enter"
	case ActionExit:
		return "exit"
	case ActionUnwind:
		return "unwind"
	}
	return "unknown"
}

// Version returns the record format version for a clock source.
func Version(cs times.ClockSource) uint16 {
	if cs == times.ClockDual {
		return VersionDualClock
	}
	return VersionSingleClock
}

// RecordSize returns the fixed per-event record width in bytes for a clock
// source.
func RecordSize(cs times.ClockSource) int {
	if cs == times.ClockDual {
		return RecordSizeDualClock
	}
	return RecordSizeSingleClock
}

// Header is the decoded form of the 32-byte binary header.
type Header struct {
	// Version is the record format version, including the streaming bits
	// if the trace was streamed.
	Version uint16
	// StartMicros is the session start time in microseconds since the
	// Unix epoch.
	StartMicros uint64
	// RecordSize is the per-event record width in bytes.
	RecordSize uint16
}

// NewHeader builds the header for a session with the given clock source.
func NewHeader(cs times.ClockSource, streaming bool, startMicros uint64) Header {
	version := Version(cs)
	if streaming {
		version |= streamingVersionBits
	}
	return Header{
		Version:     version,
		StartMicros: startMicros,
		RecordSize:  uint16(RecordSize(cs)),
	}
}

// BaseVersion returns the version with the streaming bits masked off.
func (h Header) BaseVersion() uint16 { return h.Version & 0x0F }

// Streaming reports whether the trace was produced in streaming mode.
func (h Header) Streaming() bool { return h.Version&streamingVersionBits != 0 }

// MarshalBinary encodes the header into its fixed 32-byte representation.
func (h Header) MarshalBinary() []byte {
	buf := make([]byte, HeaderLength)
	binary.LittleEndian.PutUint32(buf[0:], Magic)
	binary.LittleEndian.PutUint16(buf[4:], h.Version)
	binary.LittleEndian.PutUint16(buf[6:], HeaderLength)
	binary.LittleEndian.PutUint64(buf[8:], h.StartMicros)
	binary.LittleEndian.PutUint16(buf[16:], h.RecordSize)
	// Remainder is zero padding up to HeaderLength.
	return buf
}

// ParseHeader decodes and validates a binary header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLength {
		return Header{}, fmt.Errorf("trace header truncated: %d bytes", len(b))
	}
	if magic := binary.LittleEndian.Uint32(b[0:]); magic != Magic {
		return Header{}, fmt.Errorf("bad trace magic %#x", magic)
	}
	h := Header{
		Version:     binary.LittleEndian.Uint16(b[4:]),
		StartMicros: binary.LittleEndian.Uint64(b[8:]),
		RecordSize:  binary.LittleEndian.Uint16(b[16:]),
	}
	if off := binary.LittleEndian.Uint16(b[6:]); off != HeaderLength {
		return Header{}, fmt.Errorf("unexpected data offset %d", off)
	}
	switch h.BaseVersion() {
	case 1, VersionSingleClock, VersionDualClock:
	default:
		return Header{}, fmt.Errorf("unsupported trace version %d", h.BaseVersion())
	}
	if h.RecordSize == 0 {
		// Early v2 producers omitted the record size field.
		h.RecordSize = uint16(recordWidthForVersion(h.BaseVersion()))
	}
	return h, nil
}

func recordWidthForVersion(version uint16) int {
	switch version {
	case 1:
		return recordSizeV1
	case VersionDualClock:
		return RecordSizeDualClock
	default:
		return RecordSizeSingleClock
	}
}
