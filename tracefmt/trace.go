// Copyright The MethodTrace Authors
// SPDX-License-Identifier: Apache-2.0

package tracefmt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/runtimekit/methodtrace/times"
)

// Trace is a fully decoded trace artifact.
type Trace struct {
	Header  Header
	Summary *Summary
	// Clock is the clock source the records were produced with.
	Clock   times.ClockSource
	Records []Record
	// Threads maps interned thread ids to names, merged from the summary
	// table and any streaming new-thread blocks.
	Threads map[uint16]string
	// Methods maps interned method ids to their summary entries.
	Methods map[uint32]MethodEntry
}

var endMarker = []byte("*end\n")

// ParseTrace decodes a complete trace artifact in either output layout.
// Buffered traces carry the summary text up front, streamed traces start
// with the binary header and carry the summary in a trailing op block.
func ParseTrace(data []byte) (*Trace, error) {
	if len(data) == 0 {
		return nil, errors.New("empty trace")
	}
	if data[0] == sectionChar {
		return parseBuffered(data)
	}
	return parseStreaming(data)
}

func parseBuffered(data []byte) (*Trace, error) {
	end := bytes.Index(data, endMarker)
	if end < 0 {
		return nil, errors.New("buffered trace missing *end marker")
	}
	textEnd := end + len(endMarker)
	sum, err := ParseSummary(string(data[:textEnd]))
	if err != nil {
		return nil, err
	}
	hdr, err := ParseHeader(data[textEnd:])
	if err != nil {
		return nil, err
	}

	tr := &Trace{Header: hdr, Summary: sum, Clock: sum.Clock}
	body := data[textEnd+HeaderLength:]
	width := int(hdr.RecordSize)
	if len(body)%width != 0 {
		return nil, fmt.Errorf("trailing partial record: %d leftover bytes", len(body)%width)
	}
	for off := 0; off < len(body); off += width {
		var r Record
		if hdr.BaseVersion() == 1 {
			r, err = decodeRecordV1(body[off:])
		} else {
			r, err = DecodeRecord(body[off:], sum.Clock)
		}
		if err != nil {
			return nil, err
		}
		tr.Records = append(tr.Records, r)
	}
	tr.buildTables()
	return tr, nil
}

func parseStreaming(data []byte) (*Trace, error) {
	hdr, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	// Until the trailing summary names the exact clock source, a
	// single-clock delta is provisionally treated as thread-CPU time.
	cs := times.ClockThreadCPU
	if hdr.BaseVersion() == VersionDualClock {
		cs = times.ClockDual
	}
	tr := &Trace{Header: hdr, Clock: cs}

	width := int(hdr.RecordSize)
	off := HeaderLength
	for off+2 <= len(data) {
		if binary.LittleEndian.Uint16(data[off:]) != 0 {
			if off+width > len(data) {
				return nil, errors.New("streamed trace ends mid-record")
			}
			r, err := DecodeRecord(data[off:], cs)
			if err != nil {
				return nil, err
			}
			tr.Records = append(tr.Records, r)
			off += width
			continue
		}

		if off+3 > len(data) {
			return nil, errors.New("streamed trace ends mid-block")
		}
		switch op := data[off+2]; op {
		case opNewThread:
			if off+threadBlockHeaderLen > len(data) {
				return nil, errors.New("truncated new-thread block")
			}
			id := binary.LittleEndian.Uint16(data[off+3:])
			nameLen := int(binary.LittleEndian.Uint16(data[off+5:]))
			off += threadBlockHeaderLen
			if off+nameLen > len(data) {
				return nil, errors.New("truncated thread name")
			}
			if tr.Threads == nil {
				tr.Threads = make(map[uint16]string)
			}
			tr.Threads[id] = string(data[off : off+nameLen])
			off += nameLen
		case opNewMethod:
			if off+methodBlockHeaderLen > len(data) {
				return nil, errors.New("truncated new-method block")
			}
			lineLen := int(binary.LittleEndian.Uint16(data[off+3:]))
			off += methodBlockHeaderLen
			if off+lineLen > len(data) {
				return nil, errors.New("truncated method line")
			}
			e, err := parseMethodLine(string(bytes.TrimSuffix(data[off:off+lineLen], []byte("\n"))))
			if err != nil {
				return nil, err
			}
			if tr.Methods == nil {
				tr.Methods = make(map[uint32]MethodEntry)
			}
			tr.Methods[e.ID] = e
			off += lineLen
		case opSummary:
			if off+summaryBlockHeaderLen > len(data) {
				return nil, errors.New("truncated summary block")
			}
			sumLen := int(binary.LittleEndian.Uint32(data[off+3:]))
			off += summaryBlockHeaderLen
			if off+sumLen > len(data) {
				return nil, errors.New("truncated summary text")
			}
			sum, err := ParseSummary(string(data[off : off+sumLen]))
			if err != nil {
				return nil, err
			}
			tr.Summary = sum
			tr.fixClock(sum.Clock)
			tr.buildTables()
			return tr, nil
		default:
			return nil, fmt.Errorf("unknown op block %d", op)
		}
	}
	// A streamed trace without a summary block was aborted mid-session;
	// the records decoded so far are still returned.
	tr.buildTables()
	return tr, nil
}

// fixClock re-homes the single-clock delta once the summary names the
// actual clock source.
func (tr *Trace) fixClock(cs times.ClockSource) {
	if tr.Clock == cs || tr.Header.BaseVersion() == VersionDualClock {
		tr.Clock = cs
		return
	}
	tr.Clock = cs
	if cs == times.ClockWall {
		for i := range tr.Records {
			tr.Records[i].WallDelta = tr.Records[i].ThreadDelta
			tr.Records[i].ThreadDelta = 0
		}
	}
}

func (tr *Trace) buildTables() {
	if tr.Summary == nil {
		return
	}
	if tr.Threads == nil {
		tr.Threads = make(map[uint16]string, len(tr.Summary.Threads))
	}
	for _, t := range tr.Summary.Threads {
		tr.Threads[t.ID] = t.Name
	}
	if tr.Methods == nil {
		tr.Methods = make(map[uint32]MethodEntry, len(tr.Summary.Methods))
	}
	for _, e := range tr.Summary.Methods {
		tr.Methods[e.ID] = e
	}
}
