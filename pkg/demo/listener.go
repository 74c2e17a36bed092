// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package demo

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/hookdemo/pkg/export"
	"github.com/mbeema/hookdemo/pkg/hook"
	"go.uber.org/zap"
)

// ListenerState counts the calls a listener has seen. It is only written by
// the on-enter callback.
type ListenerState struct {
	calls atomic.Int64
}

// Calls returns the number of intercepted calls so far.
func (s *ListenerState) Calls() int64 {
	return s.calls.Load()
}

// Sink receives invocation records. *export.Manager implements it.
type Sink interface {
	Export(inv *export.Invocation)
}

// argReader is the part of an invocation context the listener reads.
type argReader interface {
	Arg(n int) uint64
	ReadCString(addr uint64) (string, error)
}

// Listener prints every intercepted call tagged with its HookID and counts
// it. The HookID is found through the attachment that routed the call, so
// one listener can serve any number of targets.
type Listener struct {
	logger   *zap.Logger
	out      io.Writer
	sink     Sink
	scenario string
	pid      int

	state *ListenerState
	hl    hook.InvocationListener

	mu   sync.RWMutex
	tags map[hook.AttachmentID]*Resolved
}

func newListener(scenario string, pid int, out io.Writer, sink Sink, logger *zap.Logger) *Listener {
	l := &Listener{
		logger:   logger,
		out:      out,
		sink:     sink,
		scenario: scenario,
		pid:      pid,
		state:    &ListenerState{},
		tags:     make(map[hook.AttachmentID]*Resolved),
	}
	// Nothing to do on leave, so no return breakpoints are planted.
	l.hl = hook.CallListener(l.onEnter, nil)
	return l
}

// State returns the listener's call counter.
func (l *Listener) State() *ListenerState {
	return l.state
}

// bind records which target an attachment belongs to.
func (l *Listener) bind(id hook.AttachmentID, t *Resolved) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tags[id] = t
}

func (l *Listener) onEnter(ic *hook.InvocationContext) {
	l.record(ic.Attachment().ID(), ic, ic.ThreadID())
}

func (l *Listener) record(id hook.AttachmentID, args argReader, tid int) {
	l.mu.RLock()
	t, ok := l.tags[id]
	l.mu.RUnlock()
	if !ok {
		l.logger.Warn("call through unknown attachment", zap.Uint64("attachment", uint64(id)))
		return
	}

	rendered := formatArg(t.Arg, args)
	fmt.Fprintf(l.out, "[*] %s(%s)\n", t.Hook, rendered)
	n := l.state.calls.Add(1)

	if l.sink != nil {
		l.sink.Export(&export.Invocation{
			Time:     time.Now(),
			Scenario: l.scenario,
			Hook:     string(t.Hook),
			Function: t.Symbol,
			Module:   t.ModuleName,
			Address:  uint64(t.Address),
			Phase:    hook.PointEnter.String(),
			Arg:      rendered,
			Count:    n,
			PID:      l.pid,
			TID:      tid,
		})
	}
}

// formatArg renders the first argument according to kind.
func formatArg(kind ArgKind, args argReader) string {
	v := args.Arg(0)
	switch kind {
	case ArgString:
		s, err := args.ReadCString(v)
		if err != nil {
			return fmt.Sprintf("%#x", v)
		}
		return `"` + s + `"`
	case ArgUint:
		return fmt.Sprintf("%d", uint32(v))
	default:
		return fmt.Sprintf("%d", int32(v))
	}
}
