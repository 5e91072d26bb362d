// Copyright The MethodTrace Authors
// SPDX-License-Identifier: Apache-2.0

package tracer

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/runtimekit/methodtrace/host"
	"github.com/runtimekit/methodtrace/intern"
	"github.com/runtimekit/methodtrace/metrics"
	"github.com/runtimekit/methodtrace/sink"
	"github.com/runtimekit/methodtrace/tracefmt"
	"github.com/runtimekit/methodtrace/times"
)

// Session holds all state of one active trace: the interner tables, the
// record buffer(s), the clock bases and the output sink.
type Session struct {
	clock      times.ClockSource
	streaming  bool
	traceID    string
	startWall  uint64
	overheadNs uint32

	methods *intern.MethodTable
	threads *intern.ThreadTable
	out     sink.Sink

	// Buffered mode: fixed arena with an atomic reservation cursor. The
	// first HeaderLength bytes hold the binary header; the cursor keeps
	// growing past the arena once full so the dropped count stays exact.
	arena []byte
	cur   atomic.Int64

	recorded atomic.Uint64
	overflow atomic.Bool
	dropped  atomic.Uint64

	// stopped makes event hooks no-ops during teardown. broken marks an
	// unrecoverable session error (id space exhausted); Stop then behaves
	// like Abort.
	stopped atomic.Bool
	broken  atomic.Bool

	// tracingMu serializes everything that touches the sink in streaming
	// mode: per-thread flushes share the method announcement set and the
	// sink write cursor.
	tracingMu     sync.Mutex
	streamBufs    map[uint32]*threadBuf
	announced     map[uint32]struct{}
	maxStreamRecs int
}

// threadBuf is the streaming mode per-thread record buffer, reached via the
// owning thread's trace state slot without any shared lookup.
type threadBuf struct {
	id   uint16
	recs []tracefmt.Record
}

func newSession(cfg *Config, traceID string) (*Session, error) {
	bufSize := cfg.BufferSize
	if bufSize == 0 {
		bufSize = DefaultBufferSize
	}

	cs := cfg.Flags.ClockSource()
	s := &Session{
		clock:      cs,
		streaming:  cfg.Output == OutputStreaming,
		traceID:    traceID,
		overheadNs: times.MeasureClockOverheadNanos(cs),
		methods:    intern.NewMethodTable(),
		threads:    intern.NewThreadTable(),
		out:        cfg.Sink,
	}
	s.startWall = times.WallMicros()

	hdr := tracefmt.NewHeader(cs, s.streaming, s.startWall).MarshalBinary()
	if s.streaming {
		width := tracefmt.RecordSize(cs)
		s.maxStreamRecs = bufSize / width
		if s.maxStreamRecs < 1 {
			s.maxStreamRecs = 1
		}
		s.streamBufs = make(map[uint32]*threadBuf)
		s.announced = make(map[uint32]struct{})
		if _, err := s.out.Write(hdr); err != nil {
			return nil, fmt.Errorf("failed to write trace header: %w", err)
		}
	} else {
		s.arena = make([]byte, tracefmt.HeaderLength+bufSize)
		copy(s.arena, hdr)
		s.cur.Store(tracefmt.HeaderLength)
	}
	return s, nil
}

// TraceID returns the session's unique id.
func (s *Session) TraceID() string {
	return s.traceID
}

// RecordSampled records one synthetic event on behalf of another thread.
// Called only from the sampling coordinator goroutine.
func (s *Session) RecordSampled(t host.Thread, m host.MethodInfo, action tracefmt.Action) {
	s.record(t, m, action, true)
}

// recordEvent records one event reported by the executing thread itself.
func (s *Session) recordEvent(t host.Thread, m host.MethodInfo, action tracefmt.Action) {
	s.record(t, m, action, false)
}

func (s *Session) record(t host.Thread, m host.MethodInfo, action tracefmt.Action, crossThread bool) {
	if s.stopped.Load() || s.broken.Load() {
		return
	}

	threadDelta, wallDelta := s.readClocks(t, crossThread)

	methodID, _, err := s.methods.Encode(m)
	if err != nil {
		s.markBroken(err)
		return
	}
	threadID, _, err := s.threads.Encode(t.ID(), t.Name())
	if err != nil {
		s.markBroken(err)
		return
	}

	rec := tracefmt.Record{
		ThreadID:    threadID,
		MethodID:    methodID,
		Action:      action,
		ThreadDelta: threadDelta,
		WallDelta:   wallDelta,
	}
	if s.streaming {
		s.streamRecord(t, &rec)
	} else {
		s.bufferRecord(&rec)
	}
}

// readClocks produces the record's timestamp deltas. The thread CPU clock
// is rebased at the thread's first event so deltas start at zero per
// thread; the wall clock is relative to session start.
func (s *Session) readClocks(t host.Thread, crossThread bool) (threadDelta, wallDelta uint32) {
	if s.clock.UseThreadCPU() {
		var now uint64
		if crossThread {
			now = times.ThreadCPUMicrosOf(t.ID())
		} else {
			now = times.ThreadCPUMicros()
		}
		ts := t.TraceState()
		if ts.CPUClockBase == 0 {
			ts.CPUClockBase = now
		}
		threadDelta = uint32(now - ts.CPUClockBase)
	}
	if s.clock.UseWall() {
		wallDelta = uint32(times.WallMicros() - s.startWall)
	}
	return threadDelta, wallDelta
}

func (s *Session) bufferRecord(rec *tracefmt.Record) {
	width := int64(tracefmt.RecordSize(s.clock))
	end := s.cur.Add(width)
	if end > int64(len(s.arena)) {
		s.overflow.Store(true)
		s.dropped.Add(1)
		metrics.Add(metrics.IDEventsDropped, 1)
		return
	}
	tracefmt.EncodeRecord(s.arena[end-width:end], rec, s.clock)
	s.recorded.Add(1)
	metrics.Add(metrics.IDEventsRecorded, 1)
}

func (s *Session) streamRecord(t host.Thread, rec *tracefmt.Record) {
	ts := t.TraceState()
	tb, _ := ts.Stream.(*threadBuf)
	if tb == nil {
		tb = &threadBuf{id: rec.ThreadID}
		ts.Stream = tb

		// Announce the thread before any of its records can reach the
		// sink.
		s.tracingMu.Lock()
		s.streamBufs[t.ID()] = tb
		block := tracefmt.AppendThreadBlock(nil, tb.id, t.Name())
		_, err := s.out.Write(block)
		s.tracingMu.Unlock()
		if err != nil {
			log.Errorf("Failed to write thread block for %d: %v", t.ID(), err)
		}
	}

	tb.recs = append(tb.recs, *rec)
	if len(tb.recs) >= s.maxStreamRecs {
		if err := s.flushThreadBuf(tb); err != nil {
			log.Errorf("Failed to flush streaming buffer for thread %d: %v", t.ID(), err)
		}
	}
}

// flushThread flushes the streaming buffer of t, if any. Thread-exit hook
// and explicit flush entry point.
func (s *Session) flushThread(t host.Thread) {
	tb, _ := t.TraceState().Stream.(*threadBuf)
	if tb == nil {
		return
	}
	if err := s.flushThreadBuf(tb); err != nil {
		log.Errorf("Failed to flush streaming buffer for thread %d: %v", t.ID(), err)
	}
}

func (s *Session) flushThreadBuf(tb *threadBuf) error {
	s.tracingMu.Lock()
	defer s.tracingMu.Unlock()
	return s.flushThreadBufLocked(tb)
}

// flushThreadBufLocked writes the buffered records of one thread to the
// sink as a single segment, preceded by name blocks for any method ids the
// sink has not seen yet.
func (s *Session) flushThreadBufLocked(tb *threadBuf) error {
	if len(tb.recs) == 0 {
		return nil
	}

	width := tracefmt.RecordSize(s.clock)
	blob := make([]byte, 0, len(tb.recs)*width)
	for i := range tb.recs {
		rec := &tb.recs[i]
		if _, seen := s.announced[rec.MethodID]; !seen {
			if entry, ok := s.methods.Entry(rec.MethodID); ok {
				blob = tracefmt.AppendMethodBlock(blob, entry.Line())
			}
			s.announced[rec.MethodID] = struct{}{}
		}
		off := len(blob)
		blob = append(blob, make([]byte, width)...)
		tracefmt.EncodeRecord(blob[off:], rec, s.clock)
	}
	n := uint64(len(tb.recs))
	tb.recs = tb.recs[:0]

	if _, err := s.out.Write(blob); err != nil {
		return fmt.Errorf("failed to write streaming segment: %w", err)
	}
	s.recorded.Add(n)
	metrics.Add(metrics.IDEventsRecorded, n)
	metrics.Add(metrics.IDStreamFlushes, 1)
	return nil
}

// buildSummary assembles the textual trailer. Only called once writers have
// quiesced.
func (s *Session) buildSummary() *tracefmt.Summary {
	return &tracefmt.Summary{
		Version:            tracefmt.Version(s.clock),
		Overflow:           s.overflow.Load(),
		Clock:              s.clock,
		ElapsedMicros:      times.WallMicros() - s.startWall,
		ClockOverheadNanos: s.overheadNs,
		Pid:                os.Getpid(),
		TraceID:            s.traceID,
		DroppedEvents:      s.dropped.Load(),
		Threads:            s.threads.Entries(),
		Methods:            s.methods.Entries(),
	}
}

// finish writes out the completed trace and closes the sink.
func (s *Session) finish() error {
	sum := s.buildSummary()

	if s.streaming {
		s.tracingMu.Lock()
		var flushErr error
		for _, tb := range s.streamBufs {
			if err := s.flushThreadBufLocked(tb); err != nil && flushErr == nil {
				flushErr = err
			}
		}
		block := tracefmt.AppendSummaryBlock(nil, sum.Build())
		_, writeErr := s.out.Write(block)
		s.tracingMu.Unlock()
		if flushErr != nil {
			return flushErr
		}
		if writeErr != nil {
			return fmt.Errorf("failed to write summary block: %w", writeErr)
		}
		return s.out.Close()
	}

	sum.NumMethodCalls = s.recorded.Load()
	sum.HasNumMethodCalls = true

	end := s.cur.Load()
	if end > int64(len(s.arena)) {
		end = int64(len(s.arena))
	}
	// Drop a trailing partial record if the capacity isn't a multiple of
	// the record width.
	width := int64(tracefmt.RecordSize(s.clock))
	end = tracefmt.HeaderLength + (end-tracefmt.HeaderLength)/width*width

	if _, err := io.WriteString(s.out, sum.Build()); err != nil {
		return fmt.Errorf("failed to write trace summary: %w", err)
	}
	if _, err := s.out.Write(s.arena[:end]); err != nil {
		return fmt.Errorf("failed to write trace records: %w", err)
	}
	return s.out.Close()
}

// abort throws away the session output where the sink supports it.
func (s *Session) abort() error {
	if d, ok := s.out.(sink.Discarder); ok {
		return d.Discard()
	}
	return s.out.Close()
}

func (s *Session) markBroken(err error) {
	if s.broken.CompareAndSwap(false, true) {
		log.Errorf("Unrecoverable tracing error, session will be aborted: %v", err)
	}
}
