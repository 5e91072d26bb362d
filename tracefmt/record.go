// Copyright The MethodTrace Authors
// SPDX-License-Identifier: Apache-2.0

package tracefmt

import (
	"encoding/binary"
	"fmt"

	"github.com/runtimekit/methodtrace/times"
)

// Record is one decoded method event.
type Record struct {
	ThreadID uint16
	MethodID uint32
	Action   Action
	// ThreadDelta is the thread-CPU-clock delta since session start in
	// microseconds. Unset when the clock source is wall-only.
	ThreadDelta uint32
	// WallDelta is the wall-clock delta since session start in
	// microseconds. Unset when the clock source is thread-CPU-only.
	WallDelta uint32
}

// EncodeRecord writes the fixed-width representation of r into dst, which
// must be at least RecordSize(cs) bytes. The method id is shifted left by
// ActionBits with the action packed into the low bits, so ids must stay
// below 1<<(32-ActionBits); the interner reserves that bit width.
func EncodeRecord(dst []byte, r *Record, cs times.ClockSource) {
	_ = dst[RecordSize(cs)-1]
	binary.LittleEndian.PutUint16(dst[0:], r.ThreadID)
	binary.LittleEndian.PutUint32(dst[2:], r.MethodID<<ActionBits|uint32(r.Action))
	next := 6
	if cs.UseThreadCPU() {
		binary.LittleEndian.PutUint32(dst[next:], r.ThreadDelta)
		next += 4
	}
	if cs.UseWall() {
		binary.LittleEndian.PutUint32(dst[next:], r.WallDelta)
	}
}

// DecodeRecord decodes one fixed-width record produced with the given clock
// source. It is the exact inverse of EncodeRecord.
func DecodeRecord(src []byte, cs times.ClockSource) (Record, error) {
	if len(src) < RecordSize(cs) {
		return Record{}, fmt.Errorf("record truncated: %d of %d bytes", len(src), RecordSize(cs))
	}
	word := binary.LittleEndian.Uint32(src[2:])
	r := Record{
		ThreadID: binary.LittleEndian.Uint16(src[0:]),
		MethodID: word >> ActionBits,
		Action:   Action(word & actionMask),
	}
	next := 6
	if cs.UseThreadCPU() {
		r.ThreadDelta = binary.LittleEndian.Uint32(src[next:])
		next += 4
	}
	if cs.UseWall() {
		r.WallDelta = binary.LittleEndian.Uint32(src[next:])
	}
	return r, nil
}

// decodeRecordV1 decodes the legacy v1 layout with a single-byte thread id.
func decodeRecordV1(src []byte) (Record, error) {
	if len(src) < recordSizeV1 {
		return Record{}, fmt.Errorf("v1 record truncated: %d bytes", len(src))
	}
	word := binary.LittleEndian.Uint32(src[1:])
	return Record{
		ThreadID:    uint16(src[0]),
		MethodID:    word >> ActionBits,
		Action:      Action(word & actionMask),
		ThreadDelta: binary.LittleEndian.Uint32(src[5:]),
	}, nil
}
