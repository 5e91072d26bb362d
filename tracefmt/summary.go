// Copyright The MethodTrace Authors
// SPDX-License-Identifier: Apache-2.0

package tracefmt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/runtimekit/methodtrace/times"
)

// sectionChar introduces the summary section markers (*version, *threads,
// *methods, *end).
const sectionChar = '*'

// MethodEntry is one row of the method summary table. ID is the interned
// method id, unshifted; the textual form stores it pre-shifted by
// ActionBits so consumers can match record method words directly.
type MethodEntry struct {
	ID        uint32
	Class     string
	Name      string
	Signature string
	Source    string
}

// Line renders the entry in the summary table format.
func (e *MethodEntry) Line() string {
	return fmt.Sprintf("%#x\t%s\t%s\t%s\t%s\n",
		e.ID<<ActionBits, e.Class, e.Name, e.Signature, e.Source)
}

func parseMethodLine(line string) (MethodEntry, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 4 {
		return MethodEntry{}, fmt.Errorf("malformed method line %q", line)
	}
	id, err := strconv.ParseUint(fields[0], 0, 32)
	if err != nil {
		return MethodEntry{}, fmt.Errorf("malformed method id in %q: %w", line, err)
	}
	e := MethodEntry{
		ID:        uint32(id) >> ActionBits,
		Class:     fields[1],
		Name:      fields[2],
		Signature: fields[3],
	}
	if len(fields) > 4 {
		e.Source = fields[4]
	}
	return e, nil
}

// ThreadEntry is one row of the thread summary table.
type ThreadEntry struct {
	ID   uint16
	Name string
}

// Summary is the textual trailer of a trace: session metadata plus the
// method and thread name tables needed to decode the records.
type Summary struct {
	Version            uint16
	Overflow           bool
	Clock              times.ClockSource
	ElapsedMicros      uint64
	ClockOverheadNanos uint32
	Pid                int
	TraceID            string
	DroppedEvents      uint64

	// NumMethodCalls is only present for buffered traces, where the
	// record count is known when the summary is written.
	NumMethodCalls    uint64
	HasNumMethodCalls bool

	Threads []ThreadEntry
	Methods []MethodEntry
}

// Build renders the summary section.
func (s *Summary) Build() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%cversion\n", sectionChar)
	fmt.Fprintf(&b, "%d\n", s.Version)
	fmt.Fprintf(&b, "data-file-overflow=%t\n", s.Overflow)
	fmt.Fprintf(&b, "clock=%s\n", s.Clock)
	fmt.Fprintf(&b, "elapsed-time-usec=%d\n", s.ElapsedMicros)
	if s.HasNumMethodCalls {
		fmt.Fprintf(&b, "num-method-calls=%d\n", s.NumMethodCalls)
	}
	fmt.Fprintf(&b, "clock-call-overhead-nsec=%d\n", s.ClockOverheadNanos)
	fmt.Fprintf(&b, "vm=go\n")
	fmt.Fprintf(&b, "pid=%d\n", s.Pid)
	if s.TraceID != "" {
		fmt.Fprintf(&b, "trace-id=%s\n", s.TraceID)
	}
	fmt.Fprintf(&b, "num-dropped-events=%d\n", s.DroppedEvents)
	fmt.Fprintf(&b, "%cthreads\n", sectionChar)
	for _, t := range s.Threads {
		fmt.Fprintf(&b, "%d\t%s\n", t.ID, t.Name)
	}
	fmt.Fprintf(&b, "%cmethods\n", sectionChar)
	for i := range s.Methods {
		b.WriteString(s.Methods[i].Line())
	}
	fmt.Fprintf(&b, "%cend\n", sectionChar)
	return b.String()
}

// ParseSummary parses a summary section. It tolerates unknown key=value
// lines so newer producers stay readable.
func ParseSummary(text string) (*Summary, error) {
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || lines[0] != "*version" {
		return nil, fmt.Errorf("summary does not start with *version")
	}
	s := &Summary{}
	section := "version"
	versionRead := false
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		if line[0] == sectionChar {
			section = line[1:]
			if section == "end" {
				return s, nil
			}
			continue
		}
		switch section {
		case "version":
			if !versionRead {
				v, err := strconv.ParseUint(line, 10, 16)
				if err != nil {
					return nil, fmt.Errorf("malformed summary version %q: %w", line, err)
				}
				s.Version = uint16(v)
				versionRead = true
				continue
			}
			key, value, found := strings.Cut(line, "=")
			if !found {
				return nil, fmt.Errorf("malformed summary line %q", line)
			}
			if err := s.applyKey(key, value); err != nil {
				return nil, err
			}
		case "threads":
			idStr, name, found := strings.Cut(line, "\t")
			if !found {
				return nil, fmt.Errorf("malformed thread line %q", line)
			}
			id, err := strconv.ParseUint(idStr, 10, 16)
			if err != nil {
				return nil, fmt.Errorf("malformed thread id in %q: %w", line, err)
			}
			s.Threads = append(s.Threads, ThreadEntry{ID: uint16(id), Name: name})
		case "methods":
			e, err := parseMethodLine(line)
			if err != nil {
				return nil, err
			}
			s.Methods = append(s.Methods, e)
		}
	}
	return nil, fmt.Errorf("summary missing *end marker")
}

func (s *Summary) applyKey(key, value string) error {
	switch key {
	case "data-file-overflow":
		s.Overflow = value == "true"
	case "clock":
		switch value {
		case "wall":
			s.Clock = times.ClockWall
		case "thread-cpu":
			s.Clock = times.ClockThreadCPU
		case "dual":
			s.Clock = times.ClockDual
		default:
			return fmt.Errorf("unknown clock source %q", value)
		}
	case "elapsed-time-usec":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("malformed %s=%s: %w", key, value, err)
		}
		s.ElapsedMicros = v
	case "num-method-calls":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("malformed %s=%s: %w", key, value, err)
		}
		s.NumMethodCalls = v
		s.HasNumMethodCalls = true
	case "clock-call-overhead-nsec":
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("malformed %s=%s: %w", key, value, err)
		}
		s.ClockOverheadNanos = uint32(v)
	case "pid":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("malformed %s=%s: %w", key, value, err)
		}
		s.Pid = v
	case "trace-id":
		s.TraceID = value
	case "num-dropped-events":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("malformed %s=%s: %w", key, value, err)
		}
		s.DroppedEvents = v
	default:
		// Ignore keys from newer producers (vm=, alloc stats, ...).
	}
	return nil
}
