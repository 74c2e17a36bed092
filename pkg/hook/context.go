// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"bytes"
	"fmt"
)

// maxCString bounds ReadCString so a missing terminator cannot walk the
// whole address space.
const maxCString = 4096

// memory is read/write access to the host address space.
type memory interface {
	readMem(addr Address, buf []byte) error
	writeMem(addr Address, data []byte) error
}

// thread is the stopped host thread a trap was taken on.
type thread interface {
	memory
	tid() int
	sp() Address
	arg(n int) (uint64, error)
	retval() uint64
	singleStep() error
}

// InvocationContext describes one intercepted call as seen by a listener.
// It is only valid for the duration of the callback.
type InvocationContext struct {
	point      Point
	attachment *Attachment
	th         thread
}

// Point reports whether this is an enter or a leave callback.
func (c *InvocationContext) Point() Point {
	return c.point
}

// Attachment returns the attachment that routed this call to the listener.
// Its ID is stable for the attachment's lifetime and is the key for any
// per-attachment data the listener keeps.
func (c *InvocationContext) Attachment() *Attachment {
	return c.attachment
}

// ThreadID returns the host thread that made the call.
func (c *InvocationContext) ThreadID() int {
	return c.th.tid()
}

// Arg returns the nth integer-class argument of the call. Only meaningful on
// enter; by the time OnLeave runs the argument registers are clobbered.
// A failure to read a stack-passed argument yields 0.
func (c *InvocationContext) Arg(n int) uint64 {
	v, err := c.th.arg(n)
	if err != nil {
		return 0
	}
	return v
}

// ReturnValue returns the integer return register. Only meaningful on leave.
func (c *InvocationContext) ReturnValue() uint64 {
	return c.th.retval()
}

// ReadCString reads a NUL-terminated string from host memory.
func (c *InvocationContext) ReadCString(addr uint64) (string, error) {
	return readCString(c.th, Address(addr))
}

// ReadBytes copies n bytes of host memory starting at addr.
func (c *InvocationContext) ReadBytes(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := c.th.readMem(Address(addr), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readCString(mem memory, addr Address) (string, error) {
	if addr == 0 {
		return "", fmt.Errorf("read string: %w", ErrInvalidTarget)
	}

	const chunk = 64
	var out []byte
	for len(out) < maxCString {
		// Never read past the current page; the string may end right
		// before an unmapped one.
		n := chunk
		if toPage := int(pageSize - uint64(addr)%pageSize); toPage < n {
			n = toPage
		}

		buf := make([]byte, n)
		if err := mem.readMem(addr, buf); err != nil {
			return "", fmt.Errorf("read string at %s: %w", addr, err)
		}
		if i := bytes.IndexByte(buf, 0); i >= 0 {
			return string(append(out, buf[:i]...)), nil
		}
		out = append(out, buf...)
		addr += Address(n)
	}
	return string(out[:maxCString]), nil
}

const pageSize = 4096
