// Copyright The MethodTrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package sink abstracts the destinations a trace session writes to: a
// file path owned by the session, a borrowed file descriptor, a plain
// io.Writer, or an in-process channel that receives the finished artifact
// as one payload.
package sink // import "github.com/runtimekit/methodtrace/sink"

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// Sink receives trace output. Writes happen under the session's tracing
// lock, so implementations don't need to be concurrency safe.
type Sink interface {
	io.Writer

	// Close finalizes the destination. Called exactly once.
	Close() error
}

// Discarder is implemented by sinks that can throw away everything written
// so far. Aborting a session discards instead of closing where possible.
type Discarder interface {
	Discard() error
}

type fileSink struct {
	f *os.File
	// path is non-empty when the sink owns the file and may unlink it on
	// Discard.
	path string
}

var _ Sink = (*fileSink)(nil)
var _ Discarder = (*fileSink)(nil)

// NewFile creates (or truncates) a trace file at path. The sink owns the
// file: Discard closes and removes it.
func NewFile(path string) (Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace file: %w", err)
	}
	return &fileSink{f: f, path: path}, nil
}

// NewFD wraps an already-open file handed in by the caller, e.g. a pipe or
// a pre-opened output file. The caller gives up ownership; the sink closes
// it. Discard truncates but does not remove the file.
func NewFD(f *os.File) Sink {
	return &fileSink{f: f}
}

func (s *fileSink) Write(p []byte) (int, error) {
	return s.f.Write(p)
}

func (s *fileSink) Close() error {
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync trace file: %w", err)
	}
	return s.f.Close()
}

func (s *fileSink) Discard() error {
	if s.path != "" {
		err := s.f.Close()
		if rmErr := os.Remove(s.path); rmErr != nil && err == nil {
			err = rmErr
		}
		return err
	}
	// Borrowed fd: truncate and rewind while it is still open, so a
	// half-written header isn't mistaken for a trace.
	err := s.f.Truncate(0)
	if _, seekErr := s.f.Seek(0, io.SeekStart); seekErr != nil && err == nil {
		err = seekErr
	}
	if closeErr := s.f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

type writerSink struct {
	w io.Writer
}

var _ Sink = (*writerSink)(nil)

// NewWriter adapts a plain io.Writer. Close closes the writer if it is an
// io.Closer, otherwise it is a no-op.
func NewWriter(w io.Writer) Sink {
	return &writerSink{w: w}
}

func (s *writerSink) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func (s *writerSink) Close() error {
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ChanSink buffers all writes in memory and publishes the complete artifact
// on the channel when the session closes it. Aborted sessions publish
// nothing.
type ChanSink struct {
	buf    bytes.Buffer
	out    chan<- []byte
	closed bool
}

var _ Sink = (*ChanSink)(nil)
var _ Discarder = (*ChanSink)(nil)

func NewChan(out chan<- []byte) *ChanSink {
	return &ChanSink{out: out}
}

func (s *ChanSink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, errors.New("write to closed chan sink")
	}
	return s.buf.Write(p)
}

func (s *ChanSink) Close() error {
	if s.closed {
		return errors.New("chan sink closed twice")
	}
	s.closed = true
	s.out <- s.buf.Bytes()
	return nil
}

func (s *ChanSink) Discard() error {
	s.closed = true
	s.buf.Reset()
	return nil
}
