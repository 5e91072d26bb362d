// Copyright The MethodTrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package times provides the clock sources a trace session can timestamp
// events with, and helpers to read them as session-relative microseconds.
package times // import "github.com/runtimekit/methodtrace/times"

import (
	"time"

	"golang.org/x/sys/unix"
)

// ClockSource selects which clock(s) a trace session records per event.
// It determines the trace format version and the per-event record width.
type ClockSource uint8

const (
	// ClockWall records a single wall-clock delta per event.
	ClockWall ClockSource = iota
	// ClockThreadCPU records a single thread-CPU-time delta per event.
	ClockThreadCPU
	// ClockDual records both deltas per event.
	ClockDual
)

// ClockSourceFromFlags maps the requested clock flags to a source. Requesting
// both clocks yields ClockDual; requesting neither falls back to the default,
// which is ClockDual as well.
func ClockSourceFromFlags(wall, threadCPU bool) ClockSource {
	switch {
	case wall && threadCPU:
		return ClockDual
	case wall:
		return ClockWall
	case threadCPU:
		return ClockThreadCPU
	default:
		return ClockDual
	}
}

// UseWall reports whether the source records a wall-clock delta.
func (cs ClockSource) UseWall() bool {
	return cs == ClockWall || cs == ClockDual
}

// UseThreadCPU reports whether the source records a thread-CPU delta.
func (cs ClockSource) UseThreadCPU() bool {
	return cs == ClockThreadCPU || cs == ClockDual
}

func (cs ClockSource) String() string {
	switch cs {
	case ClockWall:
		return "wall"
	case ClockThreadCPU:
		return "thread-cpu"
	case ClockDual:
		return "dual"
	}
	return "unknown"
}

// ThreadCPUMicros returns the CPU time consumed by the calling thread, in
// microseconds. Callers on the event reporting path run on the thread being
// traced, so the calling thread's clock is the right one to read.
func ThreadCPUMicros() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_THREAD_CPUTIME_ID, &ts); err != nil {
		return 0
	}
	return uint64(ts.Sec)*1e6 + uint64(ts.Nsec)/1e3
}

// ThreadCPUMicrosOf returns the CPU time consumed by the thread with the
// given OS thread id, in microseconds. This is the cross-thread variant used
// by the sampling path, which reads clocks on behalf of other threads.
func ThreadCPUMicrosOf(tid uint32) uint64 {
	// Per-thread CPU clock ids are encoded as ((~tid) << 3) | clock, with
	// clock = CPUCLOCK_SCHED | CPUCLOCK_PERTHREAD_MASK. This mirrors what
	// glibc's pthread_getcpuclockid does.
	clockid := int32(^tid<<3 | 6)
	var ts unix.Timespec
	if err := unix.ClockGettime(clockid, &ts); err != nil {
		return 0
	}
	return uint64(ts.Sec)*1e6 + uint64(ts.Nsec)/1e3
}

// WallMicros returns the current wall-clock time in microseconds since the
// Unix epoch. Used for the trace header start timestamp.
func WallMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}

const overheadIterations = 4000

func measureClockOverhead(cs ClockSource) {
	if cs.UseThreadCPU() {
		ThreadCPUMicros()
	}
	if cs.UseWall() {
		_ = time.Now()
	}
}

// MeasureClockOverheadNanos computes an average cost of one clock read for
// the given source, in nanoseconds. The result is recorded in the trace
// summary so consumers can judge how much of the reported time is
// measurement overhead.
func MeasureClockOverheadNanos(cs ClockSource) uint32 {
	start := ThreadCPUMicros()
	for i := overheadIterations; i > 0; i-- {
		measureClockOverhead(cs)
		measureClockOverhead(cs)
		measureClockOverhead(cs)
		measureClockOverhead(cs)
		measureClockOverhead(cs)
		measureClockOverhead(cs)
		measureClockOverhead(cs)
		measureClockOverhead(cs)
	}
	elapsedMicros := ThreadCPUMicros() - start
	// 8 reads per iteration: elapsed_us / 32 == elapsed_ns / (4000 * 8).
	return uint32(elapsedMicros / 32)
}
