// Copyright The MethodTrace Authors
// SPDX-License-Identifier: Apache-2.0

package host

import "sync"

// Fake implementations of the collaborator interfaces, shared by the tests
// of the packages building on them.

// FakeMethod is a comparable MethodInfo backed by plain strings.
type FakeMethod struct {
	class, name, signature, source string
}

// NewFakeMethod returns a method handle for tests. The returned pointer is
// the identity used for interning.
func NewFakeMethod(class, name, signature string) *FakeMethod {
	return &FakeMethod{class: class, name: name, signature: signature, source: class + ".src"}
}

func (m *FakeMethod) Name() string       { return m.name }
func (m *FakeMethod) Class() string      { return m.class }
func (m *FakeMethod) Signature() string  { return m.signature }
func (m *FakeMethod) SourceFile() string { return m.source }

// FakeThread is a Thread with a fixed id and name.
type FakeThread struct {
	id    uint32
	name  string
	state TraceState
}

func NewFakeThread(id uint32, name string) *FakeThread {
	return &FakeThread{id: id, name: name}
}

func (t *FakeThread) ID() uint32              { return t.id }
func (t *FakeThread) Name() string            { return t.name }
func (t *FakeThread) TraceState() *TraceState { return &t.state }

// FakeInstrumentation fans events out to registered listeners, standing in
// for the runtime's dispatch layer.
type FakeInstrumentation struct {
	mu        sync.Mutex
	listeners []EventListener
}

func NewFakeInstrumentation() *FakeInstrumentation {
	return &FakeInstrumentation{}
}

func (f *FakeInstrumentation) AddListener(l EventListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
}

func (f *FakeInstrumentation) RemoveListener(l EventListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, reg := range f.listeners {
		if reg == l {
			f.listeners = append(f.listeners[:i], f.listeners[i+1:]...)
			return
		}
	}
}

// ListenerCount returns the number of registered listeners.
func (f *FakeInstrumentation) ListenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

func (f *FakeInstrumentation) snapshot() []EventListener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]EventListener(nil), f.listeners...)
}

// EmitEnter delivers a method-entered event on the calling goroutine, the
// way the real dispatch layer would.
func (f *FakeInstrumentation) EmitEnter(t Thread, m MethodInfo) {
	for _, l := range f.snapshot() {
		l.MethodEntered(t, m)
	}
}

// EmitExit delivers a method-exited event.
func (f *FakeInstrumentation) EmitExit(t Thread, m MethodInfo) {
	for _, l := range f.snapshot() {
		l.MethodExited(t, m, nil)
	}
}

// EmitUnwind delivers a method-unwind event.
func (f *FakeInstrumentation) EmitUnwind(t Thread, m MethodInfo) {
	for _, l := range f.snapshot() {
		l.MethodUnwind(t, m)
	}
}

// FakeCapturer serves fixed stacks per thread for sampling tests.
type FakeCapturer struct {
	mu      sync.Mutex
	threads []Thread
	stacks  map[Thread][]MethodInfo
}

func NewFakeCapturer() *FakeCapturer {
	return &FakeCapturer{stacks: make(map[Thread][]MethodInfo)}
}

// SetStack installs the stack snapshot returned for t, topmost frame first.
func (f *FakeCapturer) SetStack(t Thread, stack []MethodInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, seen := f.stacks[t]; !seen {
		f.threads = append(f.threads, t)
	}
	f.stacks[t] = append([]MethodInfo(nil), stack...)
}

func (f *FakeCapturer) CaptureStacks(visit func(t Thread, stack []MethodInfo)) {
	f.mu.Lock()
	threads := append([]Thread(nil), f.threads...)
	stacks := make(map[Thread][]MethodInfo, len(f.stacks))
	for t, s := range f.stacks {
		stacks[t] = append([]MethodInfo(nil), s...)
	}
	f.mu.Unlock()

	for _, t := range threads {
		visit(t, stacks[t])
	}
}
