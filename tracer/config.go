// Copyright The MethodTrace Authors
// SPDX-License-Identifier: Apache-2.0

package tracer

import (
	"errors"
	"fmt"

	"github.com/runtimekit/methodtrace/host"
	"github.com/runtimekit/methodtrace/sink"
	"github.com/runtimekit/methodtrace/times"
)

// Flags modify a tracing session. The values match the trace file
// producers this format originated with.
type Flags uint32

const (
	// FlagCountAllocations requests allocation counting alongside the
	// trace. Accepted for compatibility; no allocation statistics are
	// recorded here.
	FlagCountAllocations Flags = 0x001
	// FlagClockSourceWall requests wall-clock deltas.
	FlagClockSourceWall Flags = 0x010
	// FlagClockSourceThreadCPU requests thread-CPU deltas.
	FlagClockSourceThreadCPU Flags = 0x100
)

// ClockSource derives the session clock source from the flag set.
func (f Flags) ClockSource() times.ClockSource {
	return times.ClockSourceFromFlags(
		f&FlagClockSourceWall != 0, f&FlagClockSourceThreadCPU != 0)
}

// OutputMode says how trace data leaves the process.
type OutputMode uint8

const (
	// OutputFile buffers all records in memory and writes one artifact on
	// Stop.
	OutputFile OutputMode = iota
	// OutputChannel behaves like OutputFile but the caller receives the
	// artifact through a sink.ChanSink instead of the filesystem.
	OutputChannel
	// OutputStreaming flushes records incrementally while tracing runs.
	OutputStreaming
)

// TraceMode selects how events are produced.
type TraceMode uint8

const (
	// ModeMethodTracing records every method entry and exit via the
	// instrumentation listener.
	ModeMethodTracing TraceMode = iota
	// ModeSampling derives events from periodic stack snapshots.
	ModeSampling
)

// TracingMode is the controller's observable state.
type TracingMode uint8

const (
	TracingInactive TracingMode = iota
	MethodTracingActive
	SampleProfilingActive
)

func (m TracingMode) String() string {
	switch m {
	case TracingInactive:
		return "inactive"
	case MethodTracingActive:
		return "method-tracing"
	case SampleProfilingActive:
		return "sample-profiling"
	}
	return "unknown"
}

// DefaultBufferSize is used when Config.BufferSize is zero.
const DefaultBufferSize = 8 * 1024 * 1024

// Config describes one tracing session.
type Config struct {
	// Sink receives the trace output. Required.
	Sink sink.Sink

	// BufferSize is the record buffer capacity in bytes. In buffered
	// output modes it bounds the whole session; in streaming mode it
	// sizes the per-thread buffers. Zero selects DefaultBufferSize.
	BufferSize int

	Flags  Flags
	Output OutputMode
	Mode   TraceMode

	// IntervalMicros is the sampling period. Required in sampling mode.
	IntervalMicros int

	// Instrumentation is the dispatch layer to register against. Required
	// in method tracing mode.
	Instrumentation host.Instrumentation

	// Capturer provides stack snapshots. Required in sampling mode.
	Capturer host.StackCapturer
}

var errNoSink = errors.New("config has no sink")

func (c *Config) validate() error {
	if c.Sink == nil {
		return errNoSink
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("negative buffer size %d", c.BufferSize)
	}
	switch c.Mode {
	case ModeMethodTracing:
		if c.Instrumentation == nil {
			return errors.New("method tracing requires an instrumentation layer")
		}
	case ModeSampling:
		if c.Capturer == nil {
			return errors.New("sampling requires a stack capturer")
		}
		if c.IntervalMicros <= 0 {
			return fmt.Errorf("invalid sampling interval %dus", c.IntervalMicros)
		}
	default:
		return fmt.Errorf("unknown trace mode %d", c.Mode)
	}
	return nil
}
