// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package discovery

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// HostInfo describes the process whose exports are being intercepted.
type HostInfo struct {
	PID        int32
	PPID       int32
	Name       string
	Exe        string
	Cmdline    string
	Status     string
	NumThreads int32
	StartedAt  time.Time
}

// Describe collects what the OS knows about pid. Only the name is required;
// the rest is best effort since some fields need privileges.
func Describe(pid int32, logger *zap.Logger) (*HostInfo, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("describe pid %d: %w", pid, err)
	}

	info := &HostInfo{PID: pid}
	if info.Name, err = proc.Name(); err != nil {
		return nil, fmt.Errorf("describe pid %d: %w", pid, err)
	}

	if exe, err := proc.Exe(); err == nil {
		info.Exe = exe
	} else {
		logger.Debug("host exe unavailable", zap.Int32("pid", pid), zap.Error(err))
	}
	if cmdline, err := proc.Cmdline(); err == nil {
		info.Cmdline = cmdline
	}
	if ppid, err := proc.Ppid(); err == nil {
		info.PPID = ppid
	}
	if status, err := proc.Status(); err == nil {
		info.Status = strings.Join(status, ",")
	}
	if n, err := proc.NumThreads(); err == nil {
		info.NumThreads = n
	}
	if ms, err := proc.CreateTime(); err == nil {
		info.StartedAt = time.UnixMilli(ms)
	}

	return info, nil
}

// DisplayName is the executable's base name without common suffixes.
func (h *HostInfo) DisplayName() string {
	name := h.Name
	if h.Exe != "" {
		name = filepath.Base(h.Exe)
	}
	name = strings.TrimSuffix(name, ".exe")
	name = strings.TrimSuffix(name, ".bin")
	return name
}

// Attributes returns OpenTelemetry process resource attributes.
func (h *HostInfo) Attributes() map[string]string {
	attrs := map[string]string{
		"process.executable.name": h.DisplayName(),
		"process.parent_pid":      strconv.Itoa(int(h.PPID)),
	}
	if h.Exe != "" {
		attrs["process.executable.path"] = h.Exe
	}
	if h.Cmdline != "" {
		attrs["process.command_line"] = h.Cmdline
	}
	return attrs
}

// Fields returns the description as zap fields for a single log line.
func (h *HostInfo) Fields() []zap.Field {
	return []zap.Field{
		zap.Int32("pid", h.PID),
		zap.Int32("ppid", h.PPID),
		zap.String("name", h.DisplayName()),
		zap.String("exe", h.Exe),
		zap.String("cmdline", h.Cmdline),
		zap.String("status", h.Status),
		zap.Int32("threads", h.NumThreads),
	}
}

// IsInterpreter reports whether the host is a script interpreter rather than
// a native program. Interpreters load extra libraries that may shadow the
// exports being resolved.
func (h *HostInfo) IsInterpreter() bool {
	return isInterpreter(h.DisplayName())
}

func isInterpreter(name string) bool {
	interpreters := map[string]bool{
		"python": true, "python2": true, "python3": true,
		"node": true, "nodejs": true,
		"ruby": true, "java": true, "php": true,
		"perl": true, "bash": true, "sh": true, "zsh": true,
	}
	return interpreters[name]
}
