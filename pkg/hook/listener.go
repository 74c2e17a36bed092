// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"errors"
	"fmt"
)

// Errors returned by the engine and its interceptor.
var (
	ErrNotInitialized  = errors.New("engine not initialized")
	ErrUnsupported     = errors.New("interception not supported on this platform")
	ErrInvalidTarget   = errors.New("invalid target address")
	ErrAlreadyAttached = errors.New("listener already attached to target")
	ErrNotAttached     = errors.New("listener not attached")
	ErrNoTransaction   = errors.New("no transaction in progress")
	ErrTargetExited    = errors.New("host process exited")
	ErrTargetFault     = errors.New("host process faulted")
	ErrCallTimeout     = errors.New("remote call timed out")
	ErrTooManyArgs     = errors.New("too many arguments for remote call")
)

// Address is a code or data address inside the host process.
type Address uint64

func (a Address) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// Point says which side of a call an InvocationContext describes.
type Point int

const (
	PointEnter Point = iota
	PointLeave
)

func (p Point) String() string {
	switch p {
	case PointEnter:
		return "enter"
	case PointLeave:
		return "leave"
	default:
		return fmt.Sprintf("Point(%d)", int(p))
	}
}

// InvocationListener receives callbacks around intercepted calls. Callbacks
// run synchronously on the engine's tracer thread while the calling host
// thread is stopped. They must not call back into the Engine or Interceptor.
type InvocationListener interface {
	// OnEnter runs at function entry, before the first original instruction.
	OnEnter(ic *InvocationContext)

	// OnLeave runs when the intercepted call returns to its caller.
	OnLeave(ic *InvocationContext)
}

// callListener adapts a pair of functions to InvocationListener. Any state
// the callbacks need lives in their closures and is released with them.
type callListener struct {
	onEnter func(*InvocationContext)
	onLeave func(*InvocationContext)
}

// CallListener builds a listener from an on-enter and an on-leave function.
// Either may be nil. A nil onLeave skips return tracking entirely, which
// saves a breakpoint round trip per call.
func CallListener(onEnter, onLeave func(*InvocationContext)) InvocationListener {
	return &callListener{onEnter: onEnter, onLeave: onLeave}
}

func (l *callListener) OnEnter(ic *InvocationContext) {
	if l.onEnter != nil {
		l.onEnter(ic)
	}
}

func (l *callListener) OnLeave(ic *InvocationContext) {
	if l.onLeave != nil {
		l.onLeave(ic)
	}
}

// wantsLeave reports whether l needs its OnLeave callback.
func wantsLeave(l InvocationListener) bool {
	if cl, ok := l.(*callListener); ok {
		return cl.onLeave != nil
	}
	return true
}
