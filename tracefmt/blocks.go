// Copyright The MethodTrace Authors
// SPDX-License-Identifier: Apache-2.0

package tracefmt

import "encoding/binary"

// Streaming op blocks. A block starts where a record's thread id would be,
// with the reserved thread id 0 marking it as a block rather than an event.
const (
	opNewMethod = 1
	opNewThread = 2
	opSummary   = 3

	threadBlockHeaderLen  = 7
	methodBlockHeaderLen  = 5
	summaryBlockHeaderLen = 7
)

// AppendThreadBlock appends a new-thread op block announcing the interned id
// and name of a thread ahead of its first record.
func AppendThreadBlock(b []byte, id uint16, name string) []byte {
	var hdr [threadBlockHeaderLen]byte
	// Thread id 0 marks an op block.
	binary.LittleEndian.PutUint16(hdr[0:], 0)
	hdr[2] = opNewThread
	binary.LittleEndian.PutUint16(hdr[3:], id)
	binary.LittleEndian.PutUint16(hdr[5:], uint16(len(name)))
	b = append(b, hdr[:]...)
	return append(b, name...)
}

// AppendMethodBlock appends a new-method op block carrying a summary-table
// method line, emitted before the first record that references the method.
func AppendMethodBlock(b []byte, line string) []byte {
	var hdr [methodBlockHeaderLen]byte
	binary.LittleEndian.PutUint16(hdr[0:], 0)
	hdr[2] = opNewMethod
	binary.LittleEndian.PutUint16(hdr[3:], uint16(len(line)))
	b = append(b, hdr[:]...)
	return append(b, line...)
}

// AppendSummaryBlock appends the trailing summary op block that terminates a
// streamed trace.
func AppendSummaryBlock(b []byte, summary string) []byte {
	var hdr [summaryBlockHeaderLen]byte
	binary.LittleEndian.PutUint16(hdr[0:], 0)
	hdr[2] = opSummary
	binary.LittleEndian.PutUint32(hdr[3:], uint32(len(summary)))
	b = append(b, hdr[:]...)
	return append(b, summary...)
}
