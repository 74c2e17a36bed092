// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"encoding/binary"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// breakpointInsn is the x86 int3 instruction.
var breakpointInsn = []byte{0xcc}

// AttachmentID identifies one (target, listener) pair.
type AttachmentID uint64

// Attachment associates a listener with a target function.
type Attachment struct {
	id       AttachmentID
	target   Address
	listener InvocationListener
}

func (a *Attachment) ID() AttachmentID             { return a.id }
func (a *Attachment) Target() Address              { return a.target }
func (a *Attachment) Listener() InvocationListener { return a.listener }
func (a *Attachment) String() string               { return fmt.Sprintf("#%d@%s", a.id, a.target) }

// breakpoint is a patched instruction slot. One slot may serve several
// purposes at once; it is restored when none remain.
type breakpoint struct {
	addr  Address
	orig  []byte
	hook  bool // at least one active attachment targets addr
	leave int  // outstanding leave frames returning to addr
	trap  bool // remote call return trap
}

func (b *breakpoint) needed() bool {
	return b.hook || b.leave > 0 || b.trap
}

// leaveFrame is an intercepted call that has entered but not yet returned.
type leaveFrame struct {
	ret         Address
	sp          Address // stack pointer once the call has returned
	attachments []*Attachment
}

// runner serializes work onto the tracer thread.
type runner interface {
	run(fn func() error) error
}

// Interceptor attaches listeners to functions in the host process.
//
// Attachments made between BeginTransaction and EndTransaction are staged
// and take effect together when the outermost bracket ends. Outside a
// bracket every Attach and Detach is committed immediately. Commits happen
// while the host is stopped, so the host observes either none or all of a
// transaction's patches.
type Interceptor struct {
	logger *zap.Logger
	exec   runner
	mem    memory

	nextID AttachmentID
	depth  int
	closed bool

	staged map[Address][]*Attachment
	active map[Address][]*Attachment
	bps    map[Address]*breakpoint
	frames []*leaveFrame
}

func newInterceptor(mem memory, exec runner, logger *zap.Logger) *Interceptor {
	return &Interceptor{
		logger: logger,
		exec:   exec,
		mem:    mem,
		staged: make(map[Address][]*Attachment),
		active: make(map[Address][]*Attachment),
		bps:    make(map[Address]*breakpoint),
	}
}

// BeginTransaction opens a (possibly nested) transaction bracket.
func (ic *Interceptor) BeginTransaction() error {
	return ic.exec.run(func() error {
		if ic.closed {
			return ErrNotInitialized
		}
		ic.depth++
		return nil
	})
}

// EndTransaction closes a bracket, committing staged changes when it is the
// outermost one. If the commit fails nothing from the transaction is
// applied.
func (ic *Interceptor) EndTransaction() error {
	return ic.exec.run(func() error {
		if ic.closed {
			return ErrNotInitialized
		}
		if ic.depth == 0 {
			return ErrNoTransaction
		}
		ic.depth--
		if ic.depth > 0 {
			return nil
		}
		return ic.commit()
	})
}

// Attach routes calls of the function at target to l. The same listener
// may be attached to many targets; each pairing gets its own AttachmentID.
// Listeners are compared by identity, so they must be comparable values
// (pointers in practice).
func (ic *Interceptor) Attach(target Address, l InvocationListener) (AttachmentID, error) {
	var id AttachmentID
	err := ic.exec.run(func() error {
		if ic.closed {
			return ErrNotInitialized
		}
		if target == 0 || l == nil {
			return ErrInvalidTarget
		}
		for _, a := range ic.staged[target] {
			if a.listener == l {
				return fmt.Errorf("%s: %w", target, ErrAlreadyAttached)
			}
		}

		ic.nextID++
		a := &Attachment{id: ic.nextID, target: target, listener: l}
		ic.staged[target] = append(ic.staged[target], a)

		if ic.depth == 0 {
			if err := ic.commit(); err != nil {
				return err
			}
		}
		id = a.id
		ic.logger.Debug("attach staged",
			zap.Stringer("target", target),
			zap.Uint64("attachment", uint64(a.id)),
			zap.Bool("deferred", ic.depth > 0),
		)
		return nil
	})
	return id, err
}

// Detach removes every attachment of l. Once it takes effect, at the call
// itself or at the end of the enclosing bracket, l receives no further
// callbacks, including OnLeave for calls still in flight.
func (ic *Interceptor) Detach(l InvocationListener) error {
	return ic.exec.run(func() error {
		if ic.closed {
			return ErrNotInitialized
		}

		found := false
		for addr, list := range ic.staged {
			kept := list[:0:0]
			for _, a := range list {
				if a.listener == l {
					found = true
					continue
				}
				kept = append(kept, a)
			}
			ic.staged[addr] = kept
		}
		if !found {
			return ErrNotAttached
		}

		if ic.depth == 0 {
			return ic.commit()
		}
		return nil
	})
}

// Attachments returns the committed attachments ordered by ID.
func (ic *Interceptor) Attachments() ([]*Attachment, error) {
	var out []*Attachment
	err := ic.exec.run(func() error {
		if ic.closed {
			return ErrNotInitialized
		}
		for _, list := range ic.active {
			out = append(out, list...)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out, err
}

// commit brings the patched code in line with the staged attachments.
func (ic *Interceptor) commit() error {
	var added []*breakpoint
	for addr, list := range ic.staged {
		if len(list) == 0 {
			delete(ic.staged, addr)
			continue
		}
		bp, err := ic.acquire(addr)
		if err != nil {
			for _, b := range added {
				b.hook = false
				ic.release(b)
			}
			ic.staged = cloneAttachments(ic.active)
			return fmt.Errorf("attach %s: %w: %v", addr, ErrInvalidTarget, err)
		}
		if !bp.hook {
			bp.hook = true
			added = append(added, bp)
		}
	}

	for addr, bp := range ic.bps {
		if bp.hook && len(ic.staged[addr]) == 0 {
			bp.hook = false
			ic.release(bp)
		}
	}

	ic.active = cloneAttachments(ic.staged)
	ic.pruneFrames()

	ic.logger.Debug("transaction committed",
		zap.Int("targets", len(ic.active)),
		zap.Int("breakpoints", len(ic.bps)),
	)
	return nil
}

// pruneFrames drops detached attachments from in-flight calls.
func (ic *Interceptor) pruneFrames() {
	live := make(map[*Attachment]bool)
	for _, list := range ic.active {
		for _, a := range list {
			live[a] = true
		}
	}

	kept := ic.frames[:0]
	for _, f := range ic.frames {
		atts := f.attachments[:0]
		for _, a := range f.attachments {
			if live[a] {
				atts = append(atts, a)
			}
		}
		f.attachments = atts
		if len(atts) > 0 {
			kept = append(kept, f)
			continue
		}
		if bp, ok := ic.bps[f.ret]; ok {
			bp.leave--
			ic.release(bp)
		}
	}
	ic.frames = kept
}

func cloneAttachments(m map[Address][]*Attachment) map[Address][]*Attachment {
	out := make(map[Address][]*Attachment, len(m))
	for addr, list := range m {
		if len(list) > 0 {
			out[addr] = append([]*Attachment(nil), list...)
		}
	}
	return out
}

// acquire returns the breakpoint at addr, patching it in if needed.
func (ic *Interceptor) acquire(addr Address) (*breakpoint, error) {
	if bp, ok := ic.bps[addr]; ok {
		return bp, nil
	}
	orig := make([]byte, len(breakpointInsn))
	if err := ic.mem.readMem(addr, orig); err != nil {
		return nil, err
	}
	if err := ic.mem.writeMem(addr, breakpointInsn); err != nil {
		return nil, err
	}
	bp := &breakpoint{addr: addr, orig: orig}
	ic.bps[addr] = bp
	return bp, nil
}

// release restores the original instruction once nothing needs bp.
func (ic *Interceptor) release(bp *breakpoint) {
	if bp.needed() {
		return
	}
	if err := ic.mem.writeMem(bp.addr, bp.orig); err != nil {
		ic.logger.Warn("failed to restore instruction",
			zap.Stringer("addr", bp.addr),
			zap.Error(err),
		)
	}
	delete(ic.bps, bp.addr)
}

// installTrap plants the permanent remote-call return trap.
func (ic *Interceptor) installTrap(addr Address) error {
	bp, err := ic.acquire(addr)
	if err != nil {
		return err
	}
	bp.trap = true
	return nil
}

// trapOutcome tells the tracer how to resume after a breakpoint.
type trapOutcome struct {
	known      bool // pc is one of our breakpoints
	callReturn bool // pc is the remote call return trap
	stepOver   bool // the breakpoint is still installed at pc
}

// handleTrap dispatches a breakpoint hit at pc. Returns are handled before
// entries so a function that returns straight into another hooked one sees
// its OnLeave first.
func (ic *Interceptor) handleTrap(pc Address, th thread) trapOutcome {
	bp, ok := ic.bps[pc]
	if !ok {
		return trapOutcome{}
	}
	out := trapOutcome{known: true}

	if bp.leave > 0 {
		ic.fireLeave(bp, th)
	}
	if bp.hook {
		ic.fireEnter(pc, th)
	}
	if bp.trap {
		out.callReturn = true
		return out
	}
	if cur, ok := ic.bps[pc]; ok && cur == bp {
		out.stepOver = true
	}
	return out
}

func (ic *Interceptor) fireEnter(pc Address, th thread) {
	list := append([]*Attachment(nil), ic.active[pc]...)

	var leavers []*Attachment
	for _, a := range list {
		a.listener.OnEnter(&InvocationContext{point: PointEnter, attachment: a, th: th})
		if wantsLeave(a.listener) {
			leavers = append(leavers, a)
		}
	}
	if len(leavers) == 0 {
		return
	}

	sp := th.sp()
	var raw [8]byte
	if err := th.readMem(sp, raw[:]); err != nil {
		ic.logger.Warn("cannot read return address; OnLeave skipped",
			zap.Stringer("pc", pc),
			zap.Error(err),
		)
		return
	}
	ret := Address(binary.LittleEndian.Uint64(raw[:]))
	bp, err := ic.acquire(ret)
	if err != nil {
		ic.logger.Warn("cannot patch return address; OnLeave skipped",
			zap.Stringer("ret", ret),
			zap.Error(err),
		)
		return
	}
	bp.leave++
	ic.frames = append(ic.frames, &leaveFrame{ret: ret, sp: sp + 8, attachments: leavers})
}

func (ic *Interceptor) fireLeave(bp *breakpoint, th thread) {
	sp := th.sp()
	for i := len(ic.frames) - 1; i >= 0; i-- {
		f := ic.frames[i]
		if f.ret != bp.addr || f.sp != sp {
			continue
		}
		ic.frames = append(ic.frames[:i], ic.frames[i+1:]...)
		bp.leave--
		for _, a := range f.attachments {
			a.listener.OnLeave(&InvocationContext{point: PointLeave, attachment: a, th: th})
		}
	}
	ic.release(bp)
}

// stepOver executes the original instruction under a breakpoint, then
// re-arms it if it is still needed.
func (ic *Interceptor) stepOver(pc Address, th thread) error {
	bp, ok := ic.bps[pc]
	if !ok {
		return nil
	}
	if err := th.writeMem(pc, bp.orig); err != nil {
		return fmt.Errorf("step over %s: %w", pc, err)
	}
	if err := th.singleStep(); err != nil {
		return fmt.Errorf("step over %s: %w", pc, err)
	}
	if cur, ok := ic.bps[pc]; ok && cur.needed() {
		if err := th.writeMem(pc, breakpointInsn); err != nil {
			return fmt.Errorf("re-arm %s: %w", pc, err)
		}
	}
	return nil
}

// abandonFrames drops every in-flight call. Used when a remote call is
// unwound without returning normally.
func (ic *Interceptor) abandonFrames() {
	for _, f := range ic.frames {
		if bp, ok := ic.bps[f.ret]; ok {
			bp.leave--
			ic.release(bp)
		}
	}
	ic.frames = nil
}

// shutdown forgets every attachment. The host is about to be killed, so no
// instructions are restored.
func (ic *Interceptor) shutdown() {
	ic.closed = true
	ic.staged = make(map[Address][]*Attachment)
	ic.active = make(map[Address][]*Attachment)
	ic.frames = nil
	ic.bps = make(map[Address]*breakpoint)
}
