// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux && amd64

package hook

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mbeema/hookdemo/pkg/symbols"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	// redZone is the area below rsp a leaf function may use without
	// adjusting the stack pointer.
	redZone = 128

	maxRegisterArgs = 6
)

// ptraceSession drives a single-threaded host process stopped at its entry
// point. Every method must run on the executor thread that started it.
type ptraceSession struct {
	logger *zap.Logger
	cmd    *exec.Cmd
	hostID int
	entry  Address
	ic     *Interceptor

	// base is the register file at the entry stop. Each remote call starts
	// from it and it is restored afterwards.
	base   unix.PtraceRegs
	exited bool
}

func startSession(ctx context.Context, opts Options, r runner, logger *zap.Logger) (session, *Interceptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	cmd, err := hostCommand(opts)
	if err != nil {
		return nil, nil, err
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Ptrace:    true,
		Pdeathsig: syscall.SIGKILL,
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start host: %w", err)
	}

	s := &ptraceSession{
		logger: logger,
		cmd:    cmd,
		hostID: cmd.Process.Pid,
	}
	s.ic = newInterceptor(s, r, logger)

	if err := s.runToEntry(); err != nil {
		s.kill()
		return nil, nil, err
	}
	return s, s.ic, nil
}

// runToEntry lets the dynamic loader map and initialize every dependency,
// then stops the host on the first instruction of the executable.
func (s *ptraceSession) runToEntry() error {
	ws, err := s.wait()
	if err != nil {
		return err
	}
	if !ws.Stopped() || ws.StopSignal() != unix.SIGTRAP {
		return fmt.Errorf("host did not stop at exec: status %#x", uint32(ws))
	}
	if err := unix.PtraceSetOptions(s.hostID, unix.PTRACE_O_EXITKILL); err != nil {
		return fmt.Errorf("set ptrace options: %w", err)
	}

	entry, err := symbols.EntryPoint(s.hostID)
	if err != nil {
		return err
	}
	s.entry = Address(entry)
	if err := s.ic.installTrap(s.entry); err != nil {
		return fmt.Errorf("patch entry %s: %w", s.entry, err)
	}

	sig := 0
	for {
		if err := unix.PtraceCont(s.hostID, sig); err != nil {
			return fmt.Errorf("continue host: %w", err)
		}
		ws, err := s.wait()
		if err != nil {
			return err
		}
		if ws.Exited() || ws.Signaled() {
			s.exited = true
			return fmt.Errorf("before entry: %w", ErrTargetExited)
		}
		sig = 0
		if ws.StopSignal() != unix.SIGTRAP {
			sig = int(ws.StopSignal())
			continue
		}

		var regs unix.PtraceRegs
		if err := unix.PtraceGetRegs(s.hostID, &regs); err != nil {
			return fmt.Errorf("read registers: %w", err)
		}
		if Address(regs.Rip-1) != s.entry {
			sig = int(unix.SIGTRAP)
			continue
		}
		regs.Rip = uint64(s.entry)
		if err := unix.PtraceSetRegs(s.hostID, &regs); err != nil {
			return fmt.Errorf("write registers: %w", err)
		}
		s.base = regs

		s.logger.Debug("host stopped at entry",
			zap.Int("pid", s.hostID),
			zap.Stringer("entry", s.entry),
		)
		return nil
	}
}

func (s *ptraceSession) pid() int {
	return s.hostID
}

func (s *ptraceSession) readMem(addr Address, buf []byte) error {
	n, err := unix.PtracePeekData(s.hostID, uintptr(addr), buf)
	if err != nil {
		return fmt.Errorf("read %d bytes at %s: %w", len(buf), addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("short read at %s: %d of %d bytes", addr, n, len(buf))
	}
	return nil
}

func (s *ptraceSession) writeMem(addr Address, data []byte) error {
	n, err := unix.PtracePokeData(s.hostID, uintptr(addr), data)
	if err != nil {
		return fmt.Errorf("write %d bytes at %s: %w", len(data), addr, err)
	}
	if n != len(data) {
		return fmt.Errorf("short write at %s: %d of %d bytes", addr, n, len(data))
	}
	return nil
}

// call runs fn on the host's stack with the System V calling convention and
// returns rax. The host resumes from the entry trap when fn returns.
func (s *ptraceSession) call(ctx context.Context, fn Address, args []Value, timeout time.Duration) (uint64, error) {
	if s.exited {
		return 0, ErrTargetExited
	}
	if len(args) > maxRegisterArgs {
		return 0, fmt.Errorf("%d arguments: %w", len(args), ErrTooManyArgs)
	}

	regs := s.base
	sp := Address(regs.Rsp) - redZone

	vals := make([]uint64, len(args))
	for i, a := range args {
		if a.kind != kindString {
			vals[i] = a.n
			continue
		}
		data := append([]byte(a.s), 0)
		sp -= Address(len(data))
		if err := s.writeMem(sp, data); err != nil {
			return 0, err
		}
		vals[i] = uint64(sp)
	}

	// 16-byte aligned before the call, so rsp%16 == 8 at the callee's entry.
	sp &^= 15
	sp -= 8
	var ret [8]byte
	binary.LittleEndian.PutUint64(ret[:], uint64(s.entry))
	if err := s.writeMem(sp, ret[:]); err != nil {
		return 0, err
	}

	argRegs := []*uint64{&regs.Rdi, &regs.Rsi, &regs.Rdx, &regs.Rcx, &regs.R8, &regs.R9}
	for i, v := range vals {
		*argRegs[i] = v
	}
	regs.Rsp = uint64(sp)
	regs.Rip = uint64(fn)
	regs.Rax = 0
	regs.Orig_rax = ^uint64(0)
	if err := unix.PtraceSetRegs(s.hostID, &regs); err != nil {
		return 0, fmt.Errorf("write registers: %w", err)
	}

	var timedOut atomic.Bool
	if timeout > 0 {
		t := time.AfterFunc(timeout, func() {
			timedOut.Store(true)
			unix.Kill(s.hostID, unix.SIGKILL)
		})
		defer t.Stop()
	}
	stop := context.AfterFunc(ctx, func() {
		unix.Kill(s.hostID, unix.SIGKILL)
	})
	defer stop()

	rax, err := s.runCall()
	if err == nil {
		return rax, nil
	}

	switch {
	case s.exited && timedOut.Load():
		err = fmt.Errorf("after %s: %w", timeout, ErrCallTimeout)
	case s.exited && ctx.Err() != nil:
		err = ctx.Err()
	case !s.exited:
		// The host is still alive; put it back at the entry stop so the
		// engine stays usable.
		s.ic.abandonFrames()
		if rerr := unix.PtraceSetRegs(s.hostID, &s.base); rerr != nil {
			s.logger.Warn("failed to restore host registers", zap.Error(rerr))
		}
	}
	return 0, err
}

// runCall resumes the host until the call returns into the entry trap,
// servicing breakpoints on the way.
func (s *ptraceSession) runCall() (uint64, error) {
	sig := 0
	for {
		if err := unix.PtraceCont(s.hostID, sig); err != nil {
			return 0, fmt.Errorf("continue host: %w", err)
		}
		ws, err := s.wait()
		if err != nil {
			return 0, err
		}
		if ws.Exited() || ws.Signaled() {
			s.exited = true
			return 0, ErrTargetExited
		}

		sig = 0
		switch stopSig := ws.StopSignal(); stopSig {
		case unix.SIGTRAP:
		case unix.SIGSEGV, unix.SIGBUS, unix.SIGILL, unix.SIGFPE, unix.SIGABRT:
			var regs unix.PtraceRegs
			if err := unix.PtraceGetRegs(s.hostID, &regs); err != nil {
				return 0, fmt.Errorf("%s (registers unavailable: %v): %w", stopSig, err, ErrTargetFault)
			}
			return 0, fmt.Errorf("%s at %s: %w", stopSig, Address(regs.Rip), ErrTargetFault)
		default:
			sig = int(stopSig)
			continue
		}

		th, err := s.stoppedThread()
		if err != nil {
			return 0, err
		}
		pc := Address(th.regs.Rip - 1)
		out := s.ic.handleTrap(pc, th)
		if !out.known {
			// A trap that is not ours belongs to the host.
			sig = int(unix.SIGTRAP)
			continue
		}

		th.regs.Rip = uint64(pc)
		if out.callReturn {
			rax := th.regs.Rax
			if err := unix.PtraceSetRegs(s.hostID, &s.base); err != nil {
				return 0, fmt.Errorf("restore registers: %w", err)
			}
			return rax, nil
		}
		if err := unix.PtraceSetRegs(s.hostID, &th.regs); err != nil {
			return 0, fmt.Errorf("write registers: %w", err)
		}
		if out.stepOver {
			if err := s.ic.stepOver(pc, th); err != nil {
				return 0, err
			}
		}
	}
}

func (s *ptraceSession) stoppedThread() (*amd64Thread, error) {
	th := &amd64Thread{s: s}
	if err := unix.PtraceGetRegs(s.hostID, &th.regs); err != nil {
		return nil, fmt.Errorf("read registers: %w", err)
	}
	return th, nil
}

// wait reaps the next state change of the host.
func (s *ptraceSession) wait() (unix.WaitStatus, error) {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(s.hostID, &ws, unix.WALL, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return ws, fmt.Errorf("wait for host: %w", err)
		}
		return ws, nil
	}
}

// kill terminates and reaps the host.
func (s *ptraceSession) kill() error {
	if !s.exited {
		if err := unix.Kill(s.hostID, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("kill host: %w", err)
		}
		for !s.exited {
			ws, err := s.wait()
			if err != nil {
				break
			}
			s.exited = ws.Exited() || ws.Signaled()
		}
	}
	s.exited = true
	return s.cmd.Process.Release()
}

// amd64Thread is the host thread as captured at a trap.
type amd64Thread struct {
	s    *ptraceSession
	regs unix.PtraceRegs
}

func (t *amd64Thread) readMem(addr Address, buf []byte) error {
	return t.s.readMem(addr, buf)
}

func (t *amd64Thread) writeMem(addr Address, data []byte) error {
	return t.s.writeMem(addr, data)
}

func (t *amd64Thread) tid() int {
	return t.s.hostID
}

func (t *amd64Thread) sp() Address {
	return Address(t.regs.Rsp)
}

func (t *amd64Thread) arg(n int) (uint64, error) {
	switch n {
	case 0:
		return t.regs.Rdi, nil
	case 1:
		return t.regs.Rsi, nil
	case 2:
		return t.regs.Rdx, nil
	case 3:
		return t.regs.Rcx, nil
	case 4:
		return t.regs.R8, nil
	case 5:
		return t.regs.R9, nil
	}
	if n < 0 {
		return 0, fmt.Errorf("argument %d: %w", n, ErrInvalidTarget)
	}
	// Past the return address at [rsp].
	var raw [8]byte
	slot := Address(t.regs.Rsp) + 8 + Address(8*(n-maxRegisterArgs))
	if err := t.readMem(slot, raw[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(raw[:]), nil
}

func (t *amd64Thread) retval() uint64 {
	return t.regs.Rax
}

func (t *amd64Thread) singleStep() error {
	for {
		if err := unix.PtraceSingleStep(t.s.hostID); err != nil {
			return fmt.Errorf("single step: %w", err)
		}
		ws, err := t.s.wait()
		if err != nil {
			return err
		}
		if ws.Exited() || ws.Signaled() {
			t.s.exited = true
			return ErrTargetExited
		}
		switch stopSig := ws.StopSignal(); stopSig {
		case unix.SIGTRAP:
			return nil
		case unix.SIGSEGV, unix.SIGBUS, unix.SIGILL, unix.SIGFPE:
			return fmt.Errorf("%s while stepping: %w", stopSig, ErrTargetFault)
		default:
			// Asynchronous signal raced the step; drop it and step again.
			t.s.logger.Debug("signal discarded during single step", zap.Stringer("signal", stopSig))
		}
	}
}
