// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"runtime"
	"sync"
)

// executor runs closures on a single goroutine locked to its OS thread.
// ptrace binds a tracee to the thread that attached it, so every request
// touching the host must come through here.
type executor struct {
	mu     sync.RWMutex
	closed bool
	reqs   chan func()
	done   chan struct{}
}

func newExecutor() *executor {
	e := &executor{
		reqs: make(chan func()),
		done: make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *executor) loop() {
	// The thread is never unlocked: it exits with the goroutine, taking any
	// leftover ptrace state with it instead of returning it to the pool.
	runtime.LockOSThread()
	defer close(e.done)

	for fn := range e.reqs {
		fn()
	}
}

// run executes fn on the tracer thread and waits for it.
func (e *executor) run(fn func() error) error {
	errCh := make(chan error, 1)

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return ErrNotInitialized
	}
	e.reqs <- func() { errCh <- fn() }
	e.mu.RUnlock()

	return <-errCh
}

// stop drains the executor and ends its thread. It is idempotent.
func (e *executor) stop() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.reqs)
	}
	e.mu.Unlock()
	<-e.done
}
