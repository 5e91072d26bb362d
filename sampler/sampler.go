// Copyright The MethodTrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package sampler implements sampled method tracing: a single coordinator
// goroutine periodically snapshots every thread's call stack and converts
// consecutive snapshots into synthetic method enter/exit events.
package sampler // import "github.com/runtimekit/methodtrace/sampler"

import (
	"context"
	"sync"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/runtimekit/methodtrace/host"
	"github.com/runtimekit/methodtrace/metrics"
	"github.com/runtimekit/methodtrace/tracefmt"
)

// Recorder receives the synthetic events derived from stack diffs. The
// session's cross-thread recording path implements it.
type Recorder interface {
	RecordSampled(t host.Thread, m host.MethodInfo, action tracefmt.Action)
}

// snapshot is a retained copy of one thread's stack, topmost frame first,
// stored in the thread's trace state slot between ticks.
type snapshot struct {
	frames []host.MethodInfo
	hash   uint64
}

// Sampler drives the periodic capture loop.
type Sampler struct {
	capturer host.StackCapturer
	rec      Recorder
	interval time.Duration

	// trigger forces an immediate tick, used by tests to make the loop
	// deterministic.
	trigger chan bool

	pool sync.Pool
}

func New(capturer host.StackCapturer, rec Recorder, interval time.Duration) *Sampler {
	return &Sampler{
		capturer: capturer,
		rec:      rec,
		interval: interval,
		trigger:  make(chan bool),
	}
}

// Start launches the coordinator goroutine. The returned channel is closed
// once the goroutine has fully exited after ctx cancellation, so teardown
// can join it before finalizing the trace. Ticks that fire while a capture
// is still running are dropped by the ticker, never queued.
func (s *Sampler) Start(ctx context.Context) <-chan struct{} {
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.tick()
			case <-s.trigger:
				s.tick()
			case <-ctx.Done():
				return
			}
		}
	}()
	return exited
}

// Trigger forces one tick and returns once a tick has been picked up. Test
// hook; blocks if the sampler is not running.
func (s *Sampler) Trigger() {
	s.trigger <- true
}

func (s *Sampler) tick() {
	metrics.Add(metrics.IDSamplerTicks, 1)
	s.capturer.CaptureStacks(func(t host.Thread, stack []host.MethodInfo) {
		s.compareAndUpdate(t, stack)
	})
}

// compareAndUpdate diffs the thread's stack against the previous snapshot
// and emits events for the difference only: exits top-down for frames that
// left the stack, enters bottom-up for frames that appeared. K changed
// frames cost K records regardless of stack depth.
func (s *Sampler) compareAndUpdate(t host.Thread, stack []host.MethodInfo) {
	ts := t.TraceState()
	prev, _ := ts.Snapshot.(*snapshot)

	hash := hashStack(stack)
	if prev != nil && prev.hash == hash && len(prev.frames) == len(stack) {
		metrics.Add(metrics.IDSamplerSkips, 1)
		return
	}

	next := s.alloc()
	next.frames = append(next.frames, stack...)
	next.hash = hash

	if prev == nil {
		// First snapshot for this thread: the whole stack enters.
		for i := len(stack) - 1; i >= 0; i-- {
			s.rec.RecordSampled(t, stack[i], tracefmt.ActionEnter)
		}
	} else {
		// Stacks are topmost-first, so the unchanged common part is a
		// common suffix ending at the stack bottom.
		old := prev.frames
		i, j := len(old)-1, len(stack)-1
		for i >= 0 && j >= 0 && old[i] == stack[j] {
			i--
			j--
		}
		for k := 0; k <= i; k++ {
			s.rec.RecordSampled(t, old[k], tracefmt.ActionExit)
		}
		for k := j; k >= 0; k-- {
			s.rec.RecordSampled(t, stack[k], tracefmt.ActionEnter)
		}
		s.free(prev)
	}
	ts.Snapshot = next
}

func hashStack(stack []host.MethodInfo) uint64 {
	h := xxh3.New()
	for _, m := range stack {
		_, _ = h.WriteString(m.Class())
		_, _ = h.WriteString(m.Name())
		_, _ = h.WriteString(m.Signature())
		_, _ = h.WriteString("\n")
	}
	return h.Sum64()
}

func (s *Sampler) alloc() *snapshot {
	if v := s.pool.Get(); v != nil {
		sn := v.(*snapshot)
		sn.frames = sn.frames[:0]
		return sn
	}
	return &snapshot{}
}

func (s *Sampler) free(sn *snapshot) {
	s.pool.Put(sn)
}
