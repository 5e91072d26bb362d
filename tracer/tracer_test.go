// Copyright The MethodTrace Authors
// SPDX-License-Identifier: Apache-2.0

package tracer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runtimekit/methodtrace/host"
	"github.com/runtimekit/methodtrace/sampler"
	"github.com/runtimekit/methodtrace/sink"
	"github.com/runtimekit/methodtrace/tracefmt"
)

func dualClockFlags() Flags {
	return FlagClockSourceWall | FlagClockSourceThreadCPU
}

// startChanSession starts a session publishing into a channel and returns
// the controller plus the payload channel.
func startChanSession(t *testing.T, cfg Config) (*Controller, chan []byte) {
	t.Helper()
	out := make(chan []byte, 1)
	cfg.Sink = sink.NewChan(out)
	c := NewController()
	require.NoError(t, c.Start(cfg))
	return c, out
}

func TestBufferedSession(t *testing.T) {
	inst := host.NewFakeInstrumentation()
	c, out := startChanSession(t, Config{
		BufferSize:      4096,
		Flags:           dualClockFlags(),
		Output:          OutputChannel,
		Mode:            ModeMethodTracing,
		Instrumentation: inst,
	})
	traceID := c.TraceID()
	require.NotEmpty(t, traceID)

	m := host.NewFakeMethod("Lcom/example/App;", "work", "()V")
	threads := []*host.FakeThread{
		host.NewFakeThread(101, "main"),
		host.NewFakeThread(102, "worker-1"),
		host.NewFakeThread(103, "worker-2"),
	}
	for _, th := range threads {
		inst.EmitEnter(th, m)
		inst.EmitExit(th, m)
	}

	require.NoError(t, c.Stop())
	assert.Equal(t, 0, inst.ListenerCount())

	tr, err := tracefmt.ParseTrace(<-out)
	require.NoError(t, err)
	require.Len(t, tr.Records, 6)

	// Thread ids are dense from 1 in first-seen order; all six records hit
	// the single interned method id 0.
	for i := range threads {
		enter, exit := tr.Records[2*i], tr.Records[2*i+1]
		assert.Equal(t, uint16(i+1), enter.ThreadID)
		assert.Equal(t, tracefmt.ActionEnter, enter.Action)
		assert.Equal(t, uint32(0), enter.MethodID)
		assert.Equal(t, uint16(i+1), exit.ThreadID)
		assert.Equal(t, tracefmt.ActionExit, exit.Action)
	}

	require.NotNil(t, tr.Summary)
	assert.False(t, tr.Summary.Overflow)
	assert.True(t, tr.Summary.HasNumMethodCalls)
	assert.Equal(t, uint64(6), tr.Summary.NumMethodCalls)
	assert.Equal(t, uint64(0), tr.Summary.DroppedEvents)
	assert.Equal(t, traceID, tr.Summary.TraceID)
	assert.Equal(t, "work", tr.Methods[0].Name)
	assert.Equal(t, "main", tr.Threads[1])
	assert.Equal(t, "worker-2", tr.Threads[3])
}

func TestBufferedOverflowDropsExactly(t *testing.T) {
	inst := host.NewFakeInstrumentation()
	// Wall-clock records are 10 bytes; 95 bytes of capacity hold exactly 9
	// records, and the capacity remainder must never become a partial
	// record.
	c, out := startChanSession(t, Config{
		BufferSize:      95,
		Flags:           FlagClockSourceWall,
		Output:          OutputChannel,
		Mode:            ModeMethodTracing,
		Instrumentation: inst,
	})

	th := host.NewFakeThread(1, "main")
	m := host.NewFakeMethod("LApp;", "spin", "()V")
	for i := 0; i < 15; i++ {
		inst.EmitEnter(th, m)
	}

	require.NoError(t, c.Stop())

	tr, err := tracefmt.ParseTrace(<-out)
	require.NoError(t, err)
	assert.Len(t, tr.Records, 9)
	require.NotNil(t, tr.Summary)
	assert.True(t, tr.Summary.Overflow)
	assert.Equal(t, uint64(6), tr.Summary.DroppedEvents)
	assert.Equal(t, uint64(9), tr.Summary.NumMethodCalls)
}

func TestBufferedPerThreadOrderUnderConcurrency(t *testing.T) {
	inst := host.NewFakeInstrumentation()
	c, out := startChanSession(t, Config{
		BufferSize:      1 << 20,
		Flags:           dualClockFlags(),
		Output:          OutputChannel,
		Mode:            ModeMethodTracing,
		Instrumentation: inst,
	})

	const goroutines = 4
	const callsPerThread = 50

	methods := make([]*host.FakeMethod, callsPerThread)
	for i := range methods {
		methods[i] = host.NewFakeMethod("LApp;", fmt.Sprintf("m%d", i), "()V")
	}

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			th := host.NewFakeThread(uint32(1000+g), fmt.Sprintf("worker-%d", g))
			for _, m := range methods {
				inst.EmitEnter(th, m)
				inst.EmitExit(th, m)
			}
		}(g)
	}
	wg.Wait()

	require.NoError(t, c.Stop())
	tr, err := tracefmt.ParseTrace(<-out)
	require.NoError(t, err)
	require.Len(t, tr.Records, goroutines*callsPerThread*2)

	// A thread's records must appear in its emission order even though the
	// threads interleaved in the shared buffer.
	perThread := make(map[uint16][]tracefmt.Record)
	for _, r := range tr.Records {
		perThread[r.ThreadID] = append(perThread[r.ThreadID], r)
	}
	require.Len(t, perThread, goroutines)
	for tid, recs := range perThread {
		require.Len(t, recs, callsPerThread*2, "thread %d", tid)
		for i, r := range recs {
			if i%2 == 0 {
				assert.Equal(t, tracefmt.ActionEnter, r.Action)
			} else {
				assert.Equal(t, tracefmt.ActionExit, r.Action)
			}
			assert.Equal(t, fmt.Sprintf("m%d", i/2), tr.Methods[r.MethodID].Name)
		}
	}
}

func TestStreamingSession(t *testing.T) {
	inst := host.NewFakeInstrumentation()
	// 30 bytes of wall-clock records per thread buffer force a flush every
	// 3 records.
	c, out := startChanSession(t, Config{
		BufferSize:      30,
		Flags:           FlagClockSourceWall,
		Output:          OutputStreaming,
		Mode:            ModeMethodTracing,
		Instrumentation: inst,
	})

	th := host.NewFakeThread(1, "worker")
	outer := host.NewFakeMethod("LApp;", "outer", "()V")
	inner := host.NewFakeMethod("LApp;", "inner", "()V")

	inst.EmitEnter(th, outer)
	for i := 0; i < 3; i++ {
		inst.EmitEnter(th, inner)
		inst.EmitExit(th, inner)
	}

	require.NoError(t, c.Stop())
	payload := <-out

	// The first bytes after the header must announce the thread before any
	// of its records reach the sink.
	require.Greater(t, len(payload), tracefmt.HeaderLength+3)
	assert.Equal(t, byte(0), payload[tracefmt.HeaderLength])
	assert.Equal(t, byte(0), payload[tracefmt.HeaderLength+1])
	assert.Equal(t, byte(2), payload[tracefmt.HeaderLength+2], "expected a new-thread op block")

	tr, err := tracefmt.ParseTrace(payload)
	require.NoError(t, err)
	assert.True(t, tr.Header.Streaming())
	require.Len(t, tr.Records, 7)
	assert.Equal(t, "worker", tr.Threads[1])
	assert.Equal(t, "outer", tr.Methods[tr.Records[0].MethodID].Name)

	// No records may be lost across flush boundaries and order holds.
	wantActions := []tracefmt.Action{
		tracefmt.ActionEnter,
		tracefmt.ActionEnter, tracefmt.ActionExit,
		tracefmt.ActionEnter, tracefmt.ActionExit,
		tracefmt.ActionEnter, tracefmt.ActionExit,
	}
	for i, r := range tr.Records {
		assert.Equal(t, wantActions[i], r.Action, "record %d", i)
	}

	require.NotNil(t, tr.Summary)
	assert.False(t, tr.Summary.HasNumMethodCalls)
}

func TestStreamingThreadExitFlush(t *testing.T) {
	inst := host.NewFakeInstrumentation()
	c, out := startChanSession(t, Config{
		BufferSize:      1 << 16,
		Flags:           FlagClockSourceWall,
		Output:          OutputStreaming,
		Mode:            ModeMethodTracing,
		Instrumentation: inst,
	})

	th := host.NewFakeThread(42, "short-lived")
	m := host.NewFakeMethod("LApp;", "run", "()V")
	inst.EmitEnter(th, m)

	// Well below the flush threshold; the exit hook must flush anyway.
	c.ThreadExiting(th)
	assert.Nil(t, th.TraceState().Stream)

	require.NoError(t, c.Stop())
	tr, err := tracefmt.ParseTrace(<-out)
	require.NoError(t, err)
	require.Len(t, tr.Records, 1)
	assert.Equal(t, "short-lived", tr.Threads[1])
}

func TestAbortPersistsNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.trace")
	fs, err := sink.NewFile(path)
	require.NoError(t, err)

	inst := host.NewFakeInstrumentation()
	c := NewController()
	require.NoError(t, c.Start(Config{
		Sink:            fs,
		BufferSize:      4096,
		Flags:           dualClockFlags(),
		Output:          OutputFile,
		Mode:            ModeMethodTracing,
		Instrumentation: inst,
	}))

	th := host.NewFakeThread(1, "main")
	inst.EmitEnter(th, host.NewFakeMethod("LApp;", "doomed", "()V"))

	require.NoError(t, c.Abort())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, TracingInactive, c.TracingMode())
}

func TestDoubleStartFails(t *testing.T) {
	inst := host.NewFakeInstrumentation()
	c, _ := startChanSession(t, Config{
		Flags:           dualClockFlags(),
		Output:          OutputChannel,
		Mode:            ModeMethodTracing,
		Instrumentation: inst,
	})
	defer func() { _ = c.Abort() }()

	err := c.Start(Config{
		Sink:            sink.NewChan(make(chan []byte, 1)),
		Mode:            ModeMethodTracing,
		Instrumentation: inst,
	})
	assert.ErrorIs(t, err, ErrAlreadyTracing)
}

func TestStopWithoutSessionFails(t *testing.T) {
	c := NewController()
	assert.ErrorIs(t, c.Stop(), ErrNotTracing)
	assert.ErrorIs(t, c.Abort(), ErrNotTracing)
}

func TestStartValidation(t *testing.T) {
	c := NewController()

	err := c.Start(Config{Mode: ModeMethodTracing})
	assert.Error(t, err, "missing sink must be rejected")

	err = c.Start(Config{
		Sink: sink.NewChan(make(chan []byte, 1)),
		Mode: ModeMethodTracing,
	})
	assert.Error(t, err, "missing instrumentation must be rejected")

	err = c.Start(Config{
		Sink:     sink.NewChan(make(chan []byte, 1)),
		Mode:     ModeSampling,
		Capturer: host.NewFakeCapturer(),
	})
	assert.Error(t, err, "sampling without an interval must be rejected")
}

func TestQuerySurface(t *testing.T) {
	inst := host.NewFakeInstrumentation()
	c, _ := startChanSession(t, Config{
		BufferSize:      8192,
		Flags:           FlagClockSourceWall | FlagCountAllocations,
		Output:          OutputChannel,
		Mode:            ModeMethodTracing,
		Instrumentation: inst,
	})

	assert.Equal(t, MethodTracingActive, c.TracingMode())
	assert.Equal(t, OutputChannel, c.OutputMode())
	assert.Equal(t, ModeMethodTracing, c.TraceMode())
	assert.Equal(t, 8192, c.BufferSize())
	assert.Equal(t, FlagClockSourceWall|FlagCountAllocations, c.Flags())

	require.NoError(t, c.Stop())
	assert.Equal(t, TracingInactive, c.TracingMode())
	assert.Equal(t, 0, c.BufferSize())
	assert.Empty(t, c.TraceID())
}

func TestSamplingSession(t *testing.T) {
	capturer := host.NewFakeCapturer()
	th := host.NewFakeThread(9, "sampled")
	stack := []host.MethodInfo{
		host.NewFakeMethod("LApp;", "leaf", "()V"),
		host.NewFakeMethod("LApp;", "main", "()V"),
	}
	capturer.SetStack(th, stack)

	c, out := startChanSession(t, Config{
		BufferSize:     1 << 16,
		Flags:          FlagClockSourceWall,
		Output:         OutputChannel,
		Mode:           ModeSampling,
		IntervalMicros: 2000,
		Capturer:       capturer,
	})
	assert.Equal(t, SampleProfilingActive, c.TracingMode())
	assert.Equal(t, 2*time.Millisecond, c.Interval())

	// A handful of 2ms ticks is plenty for the first snapshot to land.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Stop())

	tr, err := tracefmt.ParseTrace(<-out)
	require.NoError(t, err)
	// First snapshot: the whole stack enters bottom-up; the identical
	// snapshots afterwards add nothing.
	require.Len(t, tr.Records, 2)
	assert.Equal(t, tracefmt.ActionEnter, tr.Records[0].Action)
	assert.Equal(t, "main", tr.Methods[tr.Records[0].MethodID].Name)
	assert.Equal(t, "leaf", tr.Methods[tr.Records[1].MethodID].Name)
}

// stepCapturer hands out one stack per CaptureStacks call and signals when
// the visit has completed, making sampling ticks deterministic.
type stepCapturer struct {
	th     host.Thread
	stacks chan []host.MethodInfo
	done   chan struct{}
}

func (c *stepCapturer) CaptureStacks(visit func(host.Thread, []host.MethodInfo)) {
	visit(c.th, <-c.stacks)
	c.done <- struct{}{}
}

func TestSamplingWithStreamingOutput(t *testing.T) {
	// Sampling can stream its output; the sampler's snapshot and the
	// streaming buffer then both hold per-thread state, and records from
	// earlier ticks must survive later ones.
	out := make(chan []byte, 1)
	th := host.NewFakeThread(3, "sampled")
	capturer := &stepCapturer{
		th:     th,
		stacks: make(chan []host.MethodInfo),
		done:   make(chan struct{}),
	}

	cfg := Config{
		Sink:           sink.NewChan(out),
		BufferSize:     1 << 16,
		Flags:          FlagClockSourceWall,
		Output:         OutputStreaming,
		Mode:           ModeSampling,
		IntervalMicros: 1000,
		Capturer:       capturer,
	}
	s, err := newSession(&cfg, "streamed-sampling")
	require.NoError(t, err)

	smp := sampler.New(capturer, s, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	exited := smp.Start(ctx)

	a := host.NewFakeMethod("LApp;", "a", "()V")
	b := host.NewFakeMethod("LApp;", "b", "()V")

	smp.Trigger()
	capturer.stacks <- []host.MethodInfo{a}
	<-capturer.done

	smp.Trigger()
	capturer.stacks <- []host.MethodInfo{b}
	<-capturer.done

	cancel()
	<-exited

	s.stopped.Store(true)
	require.NoError(t, s.finish())

	tr, err := tracefmt.ParseTrace(<-out)
	require.NoError(t, err)
	require.Len(t, tr.Records, 3)
	assert.Equal(t, tracefmt.ActionEnter, tr.Records[0].Action)
	assert.Equal(t, "a", tr.Methods[tr.Records[0].MethodID].Name)
	assert.Equal(t, tracefmt.ActionExit, tr.Records[1].Action)
	assert.Equal(t, "a", tr.Methods[tr.Records[1].MethodID].Name)
	assert.Equal(t, tracefmt.ActionEnter, tr.Records[2].Action)
	assert.Equal(t, "b", tr.Methods[tr.Records[2].MethodID].Name)
}

func TestThreadSpaceExhaustionBreaksSession(t *testing.T) {
	inst := host.NewFakeInstrumentation()
	c, out := startChanSession(t, Config{
		BufferSize:      1 << 20,
		Flags:           FlagClockSourceWall,
		Output:          OutputChannel,
		Mode:            ModeMethodTracing,
		Instrumentation: inst,
	})

	m := host.NewFakeMethod("LApp;", "hop", "()V")
	// The 16-bit id space ends at 0xFFFD; one thread past it must poison
	// the session.
	for id := uint32(1); id <= 0xFFFE; id++ {
		inst.EmitEnter(host.NewFakeThread(id, "t"), m)
	}

	assert.ErrorIs(t, c.Stop(), ErrSessionBroken)
	select {
	case payload := <-out:
		t.Fatalf("broken session published %d bytes", len(payload))
	default:
	}
}
