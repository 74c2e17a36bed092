// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package demo

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/mbeema/hookdemo/pkg/hook"
	"github.com/mbeema/hookdemo/pkg/symbols"
	"go.uber.org/zap"
)

// Engine is what the driver needs from an instrumentation engine.
// *hook.Engine implements it.
type Engine interface {
	Interceptor() *hook.Interceptor
	Resolver() *symbols.Resolver
	PID() int
	Call(ctx context.Context, fn hook.Address, args ...hook.Value) (uint64, error)
}

// Resolved is a target with its address in the host.
type Resolved struct {
	Target
	Address    hook.Address
	ModuleName string
}

// Result summarizes a scenario run.
type Result struct {
	Scenario string
	Targets  []*Resolved

	// Calls counted after the attached round and after the detached round.
	Attached int64
	Detached int64
}

// Run performs one attach / observe / detach cycle on eng and prints the
// demo lines to out. Every target is resolved before anything is attached;
// a resolution failure aborts the run with nothing changed in the host.
func Run(ctx context.Context, eng Engine, sc *Scenario, out io.Writer, sink Sink, logger *zap.Logger) (*Result, error) {
	targets, funcs, err := Resolve(eng.Resolver(), sc)
	if err != nil {
		return nil, err
	}

	ic := eng.Interceptor()
	l := newListener(sc.Name, eng.PID(), out, sink, logger)

	if err := attachAll(ic, l, targets, logger); err != nil {
		return nil, err
	}
	attached := true
	defer func() {
		if !attached {
			return
		}
		if err := ic.Detach(l.hl); err != nil && !errors.Is(err, hook.ErrNotInitialized) {
			logger.Warn("detach on abort failed", zap.Error(err))
		}
	}()

	logger.Debug("listener attached",
		zap.String("scenario", sc.Name),
		zap.Int("targets", len(targets)),
	)

	res := &Result{Scenario: sc.Name, Targets: targets}

	if err := runRound(ctx, eng, sc, funcs, logger); err != nil {
		return nil, fmt.Errorf("attached round: %w", err)
	}
	res.Attached = l.State().Calls()
	fmt.Fprintf(out, "[*] listener got %d calls\n", res.Attached)

	if err := ic.Detach(l.hl); err != nil {
		return nil, fmt.Errorf("detach: %w", err)
	}
	attached = false

	if err := runRound(ctx, eng, sc, funcs, logger); err != nil {
		return nil, fmt.Errorf("detached round: %w", err)
	}
	res.Detached = l.State().Calls()
	fmt.Fprintf(out, "[*] listener still has %d calls\n", res.Detached)

	return res, nil
}

// attachAll attaches l to every target inside one transaction. On failure
// nothing stays attached.
func attachAll(ic *hook.Interceptor, l *Listener, targets []*Resolved, logger *zap.Logger) error {
	if err := ic.BeginTransaction(); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	for _, t := range targets {
		id, err := ic.Attach(t.Address, l.hl)
		if err != nil {
			if derr := ic.Detach(l.hl); derr != nil && !errors.Is(derr, hook.ErrNotAttached) {
				logger.Warn("detach on rollback failed", zap.Error(derr))
			}
			if eerr := ic.EndTransaction(); eerr != nil {
				logger.Warn("end transaction on rollback failed", zap.Error(eerr))
			}
			return fmt.Errorf("attach %s at %s: %w", t.Hook, t.Address, err)
		}
		l.bind(id, t)
	}
	if err := ic.EndTransaction(); err != nil {
		return fmt.Errorf("commit attachments: %w", err)
	}
	return nil
}

func runRound(ctx context.Context, eng Engine, sc *Scenario, funcs map[string]hook.Address, logger *zap.Logger) error {
	for _, c := range sc.Round {
		if _, err := invoke(ctx, eng, sc, c, funcs, logger); err != nil {
			return err
		}
	}
	return nil
}

// invoke evaluates nested calls first and passes their results on.
func invoke(ctx context.Context, eng Engine, sc *Scenario, c Call, funcs map[string]hook.Address, logger *zap.Logger) (uint64, error) {
	args := make([]hook.Value, 0, len(c.Args))
	for _, a := range c.Args {
		switch {
		case a.Str != nil:
			args = append(args, hook.Str(*a.Str))
		case a.Int != nil:
			args = append(args, hook.Int(*a.Int))
		default:
			ret, err := invoke(ctx, eng, sc, *a.Nested(), funcs, logger)
			if err != nil {
				return 0, err
			}
			args = append(args, hook.Uint(ret))
		}
	}

	ret, err := eng.Call(ctx, funcs[sc.callKey(c)], args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", c, err)
	}
	logger.Debug("remote call returned",
		zap.Stringer("call", c),
		zap.Int64("ret", int64(ret)),
	)
	return ret, nil
}

// Resolve looks up every target and every function the round calls. The
// function map is keyed by module and name.
func Resolve(r *symbols.Resolver, sc *Scenario) ([]*Resolved, map[string]hook.Address, error) {
	funcs := make(map[string]hook.Address)
	targets := make([]*Resolved, 0, len(sc.Targets))

	for _, t := range sc.Targets {
		addr, mod, err := lookup(r, sc.Resolution, t.Symbol, t.Module)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve %s: %w", t.Hook, err)
		}
		targets = append(targets, &Resolved{Target: t, Address: hook.Address(addr), ModuleName: mod})
		funcs[funcKey(t.Module, t.Symbol)] = hook.Address(addr)
	}

	var walk func(c Call) error
	walk = func(c Call) error {
		key := sc.callKey(c)
		if _, ok := funcs[key]; !ok {
			how := ResolveGlobal
			if c.Module != "" {
				how = ResolveModule
			}
			addr, _, err := lookup(r, how, c.Func, c.Module)
			if err != nil {
				return fmt.Errorf("resolve call %s: %w", c.Func, err)
			}
			funcs[key] = hook.Address(addr)
		}
		for _, a := range c.Args {
			if n := a.Nested(); n != nil {
				if err := walk(*n); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for _, c := range sc.Round {
		if err := walk(c); err != nil {
			return nil, nil, err
		}
	}
	return targets, funcs, nil
}

func lookup(r *symbols.Resolver, how Resolution, symbol, module string) (uint64, string, error) {
	if how == ResolveModule {
		m, err := r.FindModuleByName(module)
		if err != nil {
			return 0, "", err
		}
		addr, err := m.FindExportByName(symbol)
		if err != nil {
			return 0, "", err
		}
		return addr, m.Name, nil
	}

	addr, m, err := r.FindGlobalExportByName(symbol)
	if err != nil {
		return 0, "", err
	}
	return addr, m.Name, nil
}
