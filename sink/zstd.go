// Copyright The MethodTrace Authors
// SPDX-License-Identifier: Apache-2.0

package sink

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

type zstdSink struct {
	enc   *zstd.Encoder
	inner Sink
}

var _ Sink = (*zstdSink)(nil)
var _ Discarder = (*zstdSink)(nil)

// NewZstd wraps a sink with zstd compression. Closing flushes the encoder
// before closing the inner sink.
func NewZstd(inner Sink) (Sink, error) {
	enc, err := zstd.NewWriter(inner, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return &zstdSink{enc: enc, inner: inner}, nil
}

func (s *zstdSink) Write(p []byte) (int, error) {
	return s.enc.Write(p)
}

func (s *zstdSink) Close() error {
	if err := s.enc.Close(); err != nil {
		return fmt.Errorf("failed to flush zstd encoder: %w", err)
	}
	return s.inner.Close()
}

func (s *zstdSink) Discard() error {
	_ = s.enc.Close()
	if d, ok := s.inner.(Discarder); ok {
		return d.Discard()
	}
	return s.inner.Close()
}
