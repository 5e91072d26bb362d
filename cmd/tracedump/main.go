// Copyright The MethodTrace Authors
// SPDX-License-Identifier: Apache-2.0

// Command tracedump decodes method trace files, plain or zstd compressed,
// and prints their headers, summaries and optionally every record.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/runtimekit/methodtrace/tracefmt"
)

type dump struct {
	path  string
	trace *tracefmt.Trace
}

func main() {
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	fs := flag.NewFlagSet("tracedump", flag.ContinueOnError)
	verbose := fs.Bool("verbose", false, "Enable debug logging.")
	methods := fs.Bool("methods", false, "Print per-method call counts.")
	records := fs.Bool("records", false, "Print every record.")

	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("TRACEDUMP")); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		log.Errorf("Failed to parse flags: %v", err)
		return 1
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	paths := fs.Args()
	if len(paths) == 0 {
		log.Error("Usage: tracedump [flags] <trace file>...")
		return 1
	}

	dumps := make([]*dump, len(paths))
	g, _ := errgroup.WithContext(context.Background())
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			d, err := load(path)
			if err != nil {
				return fmt.Errorf("failed to load %s: %w", path, err)
			}
			dumps[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Errorf("%v", err)
		return 1
	}

	for _, d := range dumps {
		d.print(*methods, *records)
	}
	return 0
}

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

func load(path string) (*dump, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(data, zstdMagic) {
		log.Debugf("%s: zstd compressed, decompressing", path)
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		if data, err = dec.DecodeAll(data, nil); err != nil {
			return nil, fmt.Errorf("failed to decompress: %w", err)
		}
	}
	tr, err := tracefmt.ParseTrace(data)
	if err != nil {
		return nil, err
	}
	return &dump{path: path, trace: tr}, nil
}

func (d *dump) print(methods, records bool) {
	tr := d.trace

	fmt.Printf("%s:\n", d.path)
	fmt.Printf("  version %d, clock %s, %d-byte records, streaming=%t\n",
		tr.Header.BaseVersion(), tr.Clock, tr.Header.RecordSize,
		tr.Header.Streaming())
	fmt.Printf("  %d records, %d threads, %d methods\n",
		len(tr.Records), len(tr.Threads), len(tr.Methods))

	if sum := tr.Summary; sum != nil {
		fmt.Printf("  elapsed %dus, clock overhead %dns, pid %d\n",
			sum.ElapsedMicros, sum.ClockOverheadNanos, sum.Pid)
		if sum.TraceID != "" {
			fmt.Printf("  trace id %s\n", sum.TraceID)
		}
		if sum.Overflow {
			fmt.Printf("  buffer overflowed, %d events dropped\n", sum.DroppedEvents)
		}
	} else {
		fmt.Printf("  no summary (trace was aborted mid-stream)\n")
	}

	if methods {
		d.printMethodCounts()
	}
	if records {
		d.printRecords()
	}
}

func (d *dump) printMethodCounts() {
	tr := d.trace
	counts := make(map[uint32]int)
	for _, r := range tr.Records {
		if r.Action == tracefmt.ActionEnter {
			counts[r.MethodID]++
		}
	}

	ids := make([]uint32, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if counts[ids[i]] != counts[ids[j]] {
			return counts[ids[i]] > counts[ids[j]]
		}
		return ids[i] < ids[j]
	})

	fmt.Printf("  calls:\n")
	for _, id := range ids {
		m := tr.Methods[id]
		fmt.Printf("    %8d  %s.%s%s\n", counts[id], m.Class, m.Name, m.Signature)
	}
}

func (d *dump) printRecords() {
	tr := d.trace
	for i, r := range tr.Records {
		m := tr.Methods[r.MethodID]
		fmt.Printf("    #%-6d %-18s %-7s %s.%s cpu=%dus wall=%dus\n",
			i, tr.Threads[r.ThreadID], r.Action, m.Class, m.Name,
			r.ThreadDelta, r.WallDelta)
	}
}
