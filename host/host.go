// Copyright The MethodTrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package host declares the interfaces through which the tracing engine
// observes the executing runtime: the instrumentation dispatch layer, the
// threads it runs on, and the stack capture machinery used for sampling.
// The tracer never reaches into the runtime beyond these.
package host // import "github.com/runtimekit/methodtrace/host"

// MethodInfo is the managed method handle. Values are used as interning keys
// and must be comparable; runtimes typically hand out one pointer per method
// for the lifetime of the process.
type MethodInfo interface {
	// Name returns the bare method name.
	Name() string
	// Class returns the pretty descriptor of the declaring type.
	Class() string
	// Signature returns the method signature string.
	Signature() string
	// SourceFile returns the declaring type's source file, or "".
	SourceFile() string
}

// TraceState is per-thread storage owned by the tracing engine but kept on
// the thread, so the hot recording path reaches it without a shared lookup.
// Only the thread itself (synchronous tracing) or the single sampling
// goroutine (sampling) touches it while a session is active.
type TraceState struct {
	// CPUClockBase is the thread CPU clock value at the thread's first
	// recorded event. Zero means not yet rebased.
	CPUClockBase uint64

	// Stream is the streaming writer's per-thread record buffer. Separate
	// from Snapshot because sampling mode can stream its output, in which
	// case both components hold per-thread state at once.
	Stream any

	// Snapshot is the sampling coordinator's previous stack snapshot for
	// this thread.
	Snapshot any
}

// Thread represents one OS execution thread of the runtime.
type Thread interface {
	// ID returns the OS thread id.
	ID() uint32
	// Name returns the thread's human-readable name.
	Name() string
	// TraceState returns the tracer-owned per-thread state slot. The
	// returned pointer is stable for the thread's lifetime.
	TraceState() *TraceState
}

// EventListener is the capability set delivered by the instrumentation
// layer. Only the method enter/exit/unwind callbacks produce trace records;
// the remaining hooks exist so the same registration can serve allocation
// counting and coverage consumers.
type EventListener interface {
	MethodEntered(t Thread, m MethodInfo)
	// MethodExited reports a normal return. The return value is ignored by
	// the tracer.
	MethodExited(t Thread, m MethodInfo, returnValue any)
	// MethodUnwind reports a method exiting exceptionally.
	MethodUnwind(t Thread, m MethodInfo)
	FieldRead(t Thread, m MethodInfo, pc uint32)
	FieldWritten(t Thread, m MethodInfo, pc uint32, value any)
	ExceptionThrown(t Thread)
	ExceptionHandled(t Thread)
	Branch(t Thread, m MethodInfo, pc uint32, offset int32)
	PCMoved(t Thread, m MethodInfo, newPC uint32)
	WatchedFramePop(t Thread)
}

// Instrumentation is the dispatch layer the tracer registers against for
// synchronous method tracing.
type Instrumentation interface {
	AddListener(l EventListener)
	RemoveListener(l EventListener)
}

// StackCapturer delivers call stack snapshots to the sampling coordinator.
type StackCapturer interface {
	// CaptureStacks invokes visit once per live thread with the thread's
	// current managed call stack, topmost frame first. The callee must not
	// retain the slice beyond the call.
	CaptureStacks(visit func(t Thread, stack []MethodInfo))
}

// ThreadExitNotifier lets the runtime tell the tracer that a thread is about
// to terminate, so its streaming buffer can be flushed before the thread is
// torn down.
type ThreadExitNotifier interface {
	ThreadExiting(t Thread)
}
