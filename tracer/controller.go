// Copyright The MethodTrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracer implements the method tracing engine: a controller owning
// at most one active session, the session's record buffers, and the
// listener adapter feeding it from the instrumentation layer.
package tracer // import "github.com/runtimekit/methodtrace/tracer"

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/runtimekit/methodtrace/host"
	"github.com/runtimekit/methodtrace/metrics"
	"github.com/runtimekit/methodtrace/periodiccaller"
	"github.com/runtimekit/methodtrace/sampler"
)

var (
	// ErrAlreadyTracing is returned by Start while a session is active.
	ErrAlreadyTracing = errors.New("tracing is already in progress")
	// ErrNotTracing is returned by Stop and Abort without an active session.
	ErrNotTracing = errors.New("no tracing session in progress")
	// ErrSessionBroken is returned by Stop when the session hit an
	// unrecoverable error and was aborted instead of finalized.
	ErrSessionBroken = errors.New("tracing session broken, output discarded")
)

const monitorInterval = 10 * time.Second

// Controller owns the lifecycle of at most one tracing session at a time.
// All methods are safe for concurrent use; Stop may be called from a
// different goroutine than Start.
type Controller struct {
	mu      sync.Mutex
	mode    TracingMode
	cfg     Config
	session *Session

	lst         *listener
	samplerJoin func()
	monitorStop func()
}

var _ host.ThreadExitNotifier = (*Controller)(nil)

func NewController() *Controller {
	return &Controller{}
}

// Start validates cfg and begins tracing. Exactly one of the listener
// registration (method tracing) or the sampling coordinator (sampling) is
// activated.
func (c *Controller) Start(cfg Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return ErrAlreadyTracing
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid trace config: %w", err)
	}

	s, err := newSession(&cfg, uuid.New().String())
	if err != nil {
		return err
	}

	switch cfg.Mode {
	case ModeMethodTracing:
		c.lst = &listener{s: s}
		cfg.Instrumentation.AddListener(c.lst)
		c.mode = MethodTracingActive
	case ModeSampling:
		smp := sampler.New(cfg.Capturer, s,
			time.Duration(cfg.IntervalMicros)*time.Microsecond)
		ctx, cancel := context.WithCancel(context.Background())
		exited := smp.Start(ctx)
		c.samplerJoin = func() {
			cancel()
			<-exited
		}
		c.mode = SampleProfilingActive
	}

	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	stopTicker := periodiccaller.Start(monitorCtx, monitorInterval, func() {
		log.Debugf("methodtrace %s: recorded=%d dropped=%d flushes=%d",
			s.traceID, metrics.Get(metrics.IDEventsRecorded),
			metrics.Get(metrics.IDEventsDropped),
			metrics.Get(metrics.IDStreamFlushes))
	})
	c.monitorStop = func() {
		monitorCancel()
		stopTicker()
	}

	c.cfg = cfg
	c.session = s
	log.Infof("Started tracing session %s: mode %s, clock %s",
		s.traceID, c.mode, s.clock)
	return nil
}

// Stop ends the active session and finalizes its output. If the session hit
// an unrecoverable error while recording, the output is discarded and
// ErrSessionBroken is returned.
func (c *Controller) Stop() error {
	return c.stopTracing(true)
}

// Abort ends the active session and discards its output.
func (c *Controller) Abort() error {
	return c.stopTracing(false)
}

func (c *Controller) stopTracing(finish bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session
	if s == nil {
		return ErrNotTracing
	}

	// Stop producers before touching the buffers. Events delivered between
	// the stop flag and the listener removal are dropped by the flag; an
	// event already past the flag check when removal happens can still race
	// the teardown. The window is accepted, matching the producers of this
	// format.
	s.stopped.Store(true)
	if c.samplerJoin != nil {
		c.samplerJoin()
		c.samplerJoin = nil
	}
	if c.lst != nil {
		c.cfg.Instrumentation.RemoveListener(c.lst)
		c.lst = nil
	}
	if c.monitorStop != nil {
		c.monitorStop()
		c.monitorStop = nil
	}

	c.session = nil
	c.cfg = Config{}
	c.mode = TracingInactive

	broken := s.broken.Load()
	if broken {
		finish = false
	}
	var err error
	if finish {
		err = s.finish()
	} else {
		err = s.abort()
	}
	if err != nil {
		return fmt.Errorf("failed to finalize trace %s: %w", s.traceID, err)
	}
	if broken {
		return ErrSessionBroken
	}
	log.Infof("Stopped tracing session %s: recorded=%d dropped=%d",
		s.traceID, s.recorded.Load(), s.dropped.Load())
	return nil
}

// Shutdown stops any active session, logging instead of failing. Meant for
// process teardown paths.
func (c *Controller) Shutdown() {
	if err := c.Stop(); err != nil && !errors.Is(err, ErrNotTracing) {
		log.Errorf("Failed to stop tracing during shutdown: %v", err)
	}
}

// FlushThreadBuffer flushes t's streaming buffer to the sink. No-op outside
// streaming mode or without an active session.
func (c *Controller) FlushThreadBuffer(t host.Thread) {
	s := c.activeSession()
	if s == nil || !s.streaming {
		return
	}
	s.flushThread(t)
}

// ThreadExiting flushes the exiting thread's streaming buffer and records
// its final name for the summary thread table.
func (c *Controller) ThreadExiting(t host.Thread) {
	s := c.activeSession()
	if s == nil {
		return
	}
	if s.streaming {
		s.flushThread(t)
	}
	if err := s.threads.UpdateName(t.ID(), t.Name()); err != nil {
		s.markBroken(err)
	}
	ts := t.TraceState()
	ts.Stream = nil
	ts.Snapshot = nil
}

func (c *Controller) activeSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// TracingMode returns the controller's current state.
func (c *Controller) TracingMode() TracingMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// OutputMode returns the active session's output mode, or OutputFile when
// inactive.
func (c *Controller) OutputMode() OutputMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Output
}

// TraceMode returns the active session's trace mode.
func (c *Controller) TraceMode() TraceMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Mode
}

// BufferSize returns the active session's configured buffer capacity.
func (c *Controller) BufferSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.BufferSize
}

// Flags returns the active session's flags.
func (c *Controller) Flags() Flags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Flags
}

// Interval returns the active session's sampling interval.
func (c *Controller) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.cfg.IntervalMicros) * time.Microsecond
}

// TraceID returns the active session's id, or "" when inactive.
func (c *Controller) TraceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.traceID
}
