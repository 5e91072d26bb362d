// Copyright The MethodTrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package intern assigns compact, file-format-stable integer ids to managed
// method handles and OS thread ids. Ids are dense, assigned on first
// observation and never reused or invalidated within a session; running out
// of id space is an unrecoverable session error.
package intern // import "github.com/runtimekit/methodtrace/intern"

import (
	"errors"
	"sort"

	"github.com/runtimekit/methodtrace/host"
	"github.com/runtimekit/methodtrace/tracefmt"
	"github.com/runtimekit/methodtrace/xsync"
)

var (
	// ErrMethodSpaceExhausted means the 30-bit method id space is used up.
	ErrMethodSpaceExhausted = errors.New("method id space exhausted")
	// ErrThreadSpaceExhausted means the 16-bit thread id space is used up.
	ErrThreadSpaceExhausted = errors.New("thread id space exhausted")
)

const (
	// Two low-order bits of the method word carry the action, so ids only
	// get 32-ActionBits bits.
	maxMethodID = 1<<(32-tracefmt.ActionBits) - 1

	// Thread id 0 is reserved for streaming op blocks; the top of the
	// space is kept unassigned as well.
	firstThreadID = 1
	maxThreadID   = 0xFFFD
)

type methodState struct {
	ids  map[host.MethodInfo]uint32
	next uint32
	// entries holds the summary rows in assignment order; next == ids
	// assigned so far, so entries[i].ID == i.
	entries []tracefmt.MethodEntry
}

// MethodTable interns managed method handles.
type MethodTable struct {
	state xsync.RWMutex[methodState]
}

func NewMethodTable() *MethodTable {
	return &MethodTable{
		state: xsync.NewRWMutex(methodState{
			ids: make(map[host.MethodInfo]uint32),
		}),
	}
}

// Encode returns the id for m, assigning the next sequential id on first
// observation. added reports whether the id was newly assigned, which the
// streaming flush path uses to emit the method's name block ahead of its
// first record.
func (mt *MethodTable) Encode(m host.MethodInfo) (id uint32, added bool, err error) {
	st := mt.state.WLock()
	defer mt.state.WUnlock(&st)

	if id, ok := st.ids[m]; ok {
		return id, false, nil
	}
	if st.next > maxMethodID {
		return 0, false, ErrMethodSpaceExhausted
	}
	id = st.next
	st.next++
	st.ids[m] = id
	st.entries = append(st.entries, tracefmt.MethodEntry{
		ID:        id,
		Class:     m.Class(),
		Name:      m.Name(),
		Signature: m.Signature(),
		Source:    m.SourceFile(),
	})
	return id, true, nil
}

// Entry returns the summary entry for an already-assigned id.
func (mt *MethodTable) Entry(id uint32) (tracefmt.MethodEntry, bool) {
	st := mt.state.RLock()
	defer mt.state.RUnlock(&st)
	if int(id) >= len(st.entries) {
		return tracefmt.MethodEntry{}, false
	}
	return st.entries[id], true
}

// Entries returns a copy of the summary table in id order.
func (mt *MethodTable) Entries() []tracefmt.MethodEntry {
	st := mt.state.RLock()
	defer mt.state.RUnlock(&st)
	return append([]tracefmt.MethodEntry(nil), st.entries...)
}

// Len returns the number of interned methods.
func (mt *MethodTable) Len() int {
	st := mt.state.RLock()
	defer mt.state.RUnlock(&st)
	return len(st.entries)
}

type threadState struct {
	ids  map[uint32]uint16
	next uint16
	// names keeps every observed thread's name, including threads that
	// exited before the session ended. Feeds the summary table only.
	names map[uint16]string
}

// ThreadTable interns OS thread ids into the 16-bit trace thread id space
// and doubles as the thread name registry for the summary table.
type ThreadTable struct {
	state xsync.RWMutex[threadState]
}

func NewThreadTable() *ThreadTable {
	return &ThreadTable{
		state: xsync.NewRWMutex(threadState{
			ids:   make(map[uint32]uint16),
			next:  firstThreadID,
			names: make(map[uint16]string),
		}),
	}
}

// Encode returns the 16-bit id for an OS thread, assigning the next
// sequential id and recording the name on first observation.
func (tt *ThreadTable) Encode(tid uint32, name string) (id uint16, added bool, err error) {
	st := tt.state.WLock()
	defer tt.state.WUnlock(&st)
	return encodeThread(st, tid, name)
}

func encodeThread(st *threadState, tid uint32, name string) (uint16, bool, error) {
	if id, ok := st.ids[tid]; ok {
		return id, false, nil
	}
	if st.next > maxThreadID {
		return 0, false, ErrThreadSpaceExhausted
	}
	id := st.next
	st.next++
	st.ids[tid] = id
	st.names[id] = name
	return id, true, nil
}

// UpdateName refreshes the registered name for a thread, interning it first
// if needed. Stop and thread-exit can both record the same thread; the
// overwrite is harmless, so no attempt is made to dedupe.
func (tt *ThreadTable) UpdateName(tid uint32, name string) error {
	st := tt.state.WLock()
	defer tt.state.WUnlock(&st)
	id, _, err := encodeThread(st, tid, name)
	if err != nil {
		return err
	}
	st.names[id] = name
	return nil
}

// Entries returns the thread name table in id order.
func (tt *ThreadTable) Entries() []tracefmt.ThreadEntry {
	st := tt.state.RLock()
	defer tt.state.RUnlock(&st)
	entries := make([]tracefmt.ThreadEntry, 0, len(st.names))
	for id, name := range st.names {
		entries = append(entries, tracefmt.ThreadEntry{ID: id, Name: name})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// Len returns the number of interned threads.
func (tt *ThreadTable) Len() int {
	st := tt.state.RLock()
	defer tt.state.RUnlock(&st)
	return len(st.ids)
}
