// Copyright The MethodTrace Authors
// SPDX-License-Identifier: Apache-2.0

package tracefmt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runtimekit/methodtrace/times"
)

func testSummary(cs times.ClockSource, streaming bool) *Summary {
	s := &Summary{
		Version:            Version(cs),
		Clock:              cs,
		ElapsedMicros:      5000,
		ClockOverheadNanos: 120,
		Pid:                4242,
		TraceID:            "d8f3c9be-13de-4c7e-9d34-4f5b8a2d9f01",
		Threads: []ThreadEntry{
			{ID: 1, Name: "main"},
			{ID: 2, Name: "worker-1"},
		},
		Methods: []MethodEntry{
			{ID: 0, Class: "Ljava/lang/Object;", Name: "wait", Signature: "()V", Source: "Object.java"},
			{ID: 1, Class: "Lcom/example/App;", Name: "run", Signature: "()V", Source: "App.java"},
		},
	}
	if !streaming {
		s.NumMethodCalls = 4
		s.HasNumMethodCalls = true
	}
	return s
}

func TestSummaryRoundTrip(t *testing.T) {
	s := testSummary(times.ClockDual, false)
	s.Overflow = true
	s.DroppedEvents = 17

	parsed, err := ParseSummary(s.Build())
	require.NoError(t, err)
	assert.Equal(t, s, parsed)
}

func TestParseSummaryRejectsMalformed(t *testing.T) {
	_, err := ParseSummary("no markers here")
	assert.Error(t, err)

	_, err = ParseSummary("*version\n3\nclock=dual\n")
	assert.Error(t, err, "missing *end must be rejected")
}

func TestParseBufferedTrace(t *testing.T) {
	cs := times.ClockDual
	sum := testSummary(cs, false)

	records := []Record{
		{ThreadID: 1, MethodID: 1, Action: ActionEnter, ThreadDelta: 10, WallDelta: 11},
		{ThreadID: 2, MethodID: 0, Action: ActionEnter, ThreadDelta: 20, WallDelta: 21},
		{ThreadID: 2, MethodID: 0, Action: ActionExit, ThreadDelta: 30, WallDelta: 31},
		{ThreadID: 1, MethodID: 1, Action: ActionUnwind, ThreadDelta: 40, WallDelta: 41},
	}

	data := []byte(sum.Build())
	data = append(data, NewHeader(cs, false, 77).MarshalBinary()...)
	for i := range records {
		buf := make([]byte, RecordSize(cs))
		EncodeRecord(buf, &records[i], cs)
		data = append(data, buf...)
	}

	tr, err := ParseTrace(data)
	require.NoError(t, err)
	assert.Equal(t, records, tr.Records)
	assert.Equal(t, cs, tr.Clock)
	assert.Equal(t, "main", tr.Threads[1])
	assert.Equal(t, "worker-1", tr.Threads[2])
	assert.Equal(t, "run", tr.Methods[1].Name)
	assert.Equal(t, uint64(77), tr.Header.StartMicros)
}

func TestParseBufferedTraceRejectsPartialRecord(t *testing.T) {
	cs := times.ClockThreadCPU
	data := []byte(testSummary(cs, false).Build())
	data = append(data, NewHeader(cs, false, 0).MarshalBinary()...)
	data = append(data, 1, 2, 3)

	_, err := ParseTrace(data)
	assert.Error(t, err)
}

func TestParseStreamingTrace(t *testing.T) {
	cs := times.ClockWall
	sum := testSummary(cs, true)

	data := NewHeader(cs, true, 99).MarshalBinary()
	data = AppendThreadBlock(data, 1, "main")
	entry := sum.Methods[1]
	data = AppendMethodBlock(data, entry.Line())

	rec := Record{ThreadID: 1, MethodID: 1, Action: ActionEnter, WallDelta: 123}
	buf := make([]byte, RecordSize(cs))
	EncodeRecord(buf, &rec, cs)
	data = append(data, buf...)

	data = AppendSummaryBlock(data, sum.Build())

	tr, err := ParseTrace(data)
	require.NoError(t, err)
	require.Len(t, tr.Records, 1)
	// The summary names the wall clock, so the single delta must surface
	// as a wall delta even though v2 streams don't say which clock it is.
	assert.Equal(t, rec, tr.Records[0])
	assert.True(t, tr.Header.Streaming())
	assert.Equal(t, "main", tr.Threads[1])
	assert.Equal(t, "run", tr.Methods[1].Name)
}

func TestParseStreamingTraceWithoutSummary(t *testing.T) {
	// An aborted streaming session leaves no summary block; the records
	// seen so far must still decode.
	cs := times.ClockThreadCPU
	data := NewHeader(cs, true, 0).MarshalBinary()
	data = AppendThreadBlock(data, 1, "main")
	rec := Record{ThreadID: 1, MethodID: 4, Action: ActionEnter, ThreadDelta: 5}
	buf := make([]byte, RecordSize(cs))
	EncodeRecord(buf, &rec, cs)
	data = append(data, buf...)

	tr, err := ParseTrace(data)
	require.NoError(t, err)
	require.Len(t, tr.Records, 1)
	assert.Equal(t, rec, tr.Records[0])
	assert.Nil(t, tr.Summary)
}
