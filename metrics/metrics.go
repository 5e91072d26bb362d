// Copyright The MethodTrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds cheap process-wide counters for the tracing
// machinery. Counters are written from event hooks, so everything here is
// lock-free.
package metrics // import "github.com/runtimekit/methodtrace/metrics"

import "sync/atomic"

// MetricID identifies a counter.
type MetricID int

const (
	// IDEventsRecorded counts method events written into a trace buffer.
	IDEventsRecorded MetricID = iota
	// IDEventsDropped counts events lost to buffer overflow.
	IDEventsDropped
	// IDStreamFlushes counts per-thread buffer flushes in streaming mode.
	IDStreamFlushes
	// IDSamplerTicks counts sampling iterations.
	IDSamplerTicks
	// IDSamplerSkips counts per-thread sampling iterations skipped by the
	// unchanged-stack fast path.
	IDSamplerSkips

	idCount
)

var counters [idCount]atomic.Uint64

// Add increments a counter by n.
func Add(id MetricID, n uint64) {
	counters[id].Add(n)
}

// Get returns the current value of a counter.
func Get(id MetricID) uint64 {
	return counters[id].Load()
}

// Reset zeroes all counters. Test helper.
func Reset() {
	for i := range counters {
		counters[i].Store(0)
	}
}
