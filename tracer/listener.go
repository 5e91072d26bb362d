// Copyright The MethodTrace Authors
// SPDX-License-Identifier: Apache-2.0

package tracer

import (
	log "github.com/sirupsen/logrus"

	"github.com/runtimekit/methodtrace/host"
	"github.com/runtimekit/methodtrace/tracefmt"
)

// listener adapts instrumentation callbacks to trace records. Only the
// method enter/exit/unwind events produce records; the tracer never asks
// the dispatch layer for the other capabilities, so receiving one of them
// indicates a registration bug upstream.
type listener struct {
	s *Session
}

var _ host.EventListener = (*listener)(nil)

func (l *listener) MethodEntered(t host.Thread, m host.MethodInfo) {
	l.s.recordEvent(t, m, tracefmt.ActionEnter)
}

func (l *listener) MethodExited(t host.Thread, m host.MethodInfo, _ any) {
	l.s.recordEvent(t, m, tracefmt.ActionExit)
}

func (l *listener) MethodUnwind(t host.Thread, m host.MethodInfo) {
	l.s.recordEvent(t, m, tracefmt.ActionUnwind)
}

func (l *listener) FieldRead(host.Thread, host.MethodInfo, uint32) {
	log.Errorf("Unexpected field read event in tracing")
}

func (l *listener) FieldWritten(host.Thread, host.MethodInfo, uint32, any) {
	log.Errorf("Unexpected field write event in tracing")
}

func (l *listener) ExceptionThrown(host.Thread) {
	log.Errorf("Unexpected exception thrown event in tracing")
}

func (l *listener) ExceptionHandled(host.Thread) {
	log.Errorf("Unexpected exception handled event in tracing")
}

func (l *listener) Branch(host.Thread, host.MethodInfo, uint32, int32) {
	log.Errorf("Unexpected branch event in tracing")
}

func (l *listener) PCMoved(host.Thread, host.MethodInfo, uint32) {
	log.Errorf("Unexpected pc moved event in tracing")
}

func (l *listener) WatchedFramePop(host.Thread) {
	log.Errorf("Unexpected watched frame pop event in tracing")
}
