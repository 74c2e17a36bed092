// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mbeema/hookdemo/pkg/symbols"
	"go.uber.org/zap"
)

// Options configures the host process the engine instruments.
type Options struct {
	// Program is the host executable. It must be dynamically linked against
	// the C library whose exports are intercepted.
	Program string
	Args    []string

	// CallTimeout bounds each remote call. Zero means no limit.
	CallTimeout time.Duration
}

type valueKind int

const (
	kindInt valueKind = iota
	kindString
)

// Value is an argument to a remote call.
type Value struct {
	kind valueKind
	n    uint64
	s    string
}

// Int passes a signed integer argument.
func Int(v int64) Value { return Value{kind: kindInt, n: uint64(v)} }

// Uint passes an unsigned integer argument.
func Uint(v uint64) Value { return Value{kind: kindInt, n: v} }

// Ptr passes an address.
func Ptr(a Address) Value { return Value{kind: kindInt, n: uint64(a)} }

// Str copies s into host memory as a C string and passes its address.
func Str(s string) Value { return Value{kind: kindString, s: s} }

func (v Value) String() string {
	if v.kind == kindString {
		return fmt.Sprintf("%q", v.s)
	}
	return fmt.Sprintf("%d", int64(v.n))
}

// session is the platform side of an engine: a stopped host process and the
// means to run code in it.
type session interface {
	memory
	pid() int
	call(ctx context.Context, fn Address, args []Value, timeout time.Duration) (uint64, error)
	kill() error
}

// Engine owns one instrumented host process. It is created by Open and must
// be released with Close; there is no process-wide instance.
type Engine struct {
	logger   *zap.Logger
	opts     Options
	exec     *executor
	sess     session
	ic       *Interceptor
	resolver *symbols.Resolver

	closeOnce sync.Once
	closeErr  error
}

// Open starts the host program stopped under the engine's control, runs it
// until its C library is initialized, and returns the ready engine.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (*Engine, error) {
	if opts.Program == "" {
		return nil, fmt.Errorf("open engine: empty host program")
	}

	e := &Engine{
		logger: logger,
		opts:   opts,
		exec:   newExecutor(),
	}

	err := e.exec.run(func() error {
		sess, ic, err := startSession(ctx, opts, e.exec, logger)
		if err != nil {
			return err
		}
		e.sess, e.ic = sess, ic
		return nil
	})
	if err != nil {
		e.exec.stop()
		return nil, fmt.Errorf("open engine: %w", err)
	}

	resolver, err := symbols.NewResolver(e.sess.pid(), logger)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("open engine: %w", err)
	}
	// IFUNC selectors run in the host, like the loader does when binding.
	// Lookups must not happen from inside a listener callback.
	resolver.SetIndirectFunc(func(addr uint64) (uint64, error) {
		return e.Call(context.Background(), Address(addr))
	})
	e.resolver = resolver

	logger.Info("engine initialized",
		zap.String("program", opts.Program),
		zap.Int("pid", e.sess.pid()),
		zap.Int("modules", len(resolver.Modules())),
	)
	return e, nil
}

// Interceptor returns the engine's interceptor.
func (e *Engine) Interceptor() *Interceptor {
	return e.ic
}

// Resolver returns the module snapshot taken when the host became ready.
func (e *Engine) Resolver() *symbols.Resolver {
	return e.resolver
}

// PID returns the host process ID.
func (e *Engine) PID() int {
	return e.sess.pid()
}

// Call invokes the function at fn inside the host with up to six integer
// class arguments and returns its integer result. Attached listeners fire
// for fn and for anything it calls, synchronously, before Call returns.
func (e *Engine) Call(ctx context.Context, fn Address, args ...Value) (uint64, error) {
	if fn == 0 {
		return 0, ErrInvalidTarget
	}
	var ret uint64
	err := e.exec.run(func() error {
		if e.ic.closed {
			return ErrNotInitialized
		}
		r, err := e.sess.call(ctx, fn, args, e.opts.CallTimeout)
		ret = r
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("call %s: %w", fn, err)
	}
	return ret, nil
}

// Close detaches everything, kills the host and stops the tracer thread.
// It is safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.exec.run(func() error {
			e.ic.shutdown()
			return e.sess.kill()
		})
		e.exec.stop()
		e.logger.Info("engine deinitialized")
	})
	return e.closeErr
}
