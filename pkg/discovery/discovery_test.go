// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestDescribeSelf(t *testing.T) {
	info, err := Describe(int32(os.Getpid()), zap.NewNop())
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if info.PID != int32(os.Getpid()) {
		t.Errorf("PID = %d", info.PID)
	}
	if info.Name == "" {
		t.Error("empty process name")
	}
	if info.PPID != int32(os.Getppid()) {
		t.Errorf("PPID = %d, want %d", info.PPID, os.Getppid())
	}
	if info.IsInterpreter() {
		t.Errorf("test binary %q classified as interpreter", info.DisplayName())
	}
}

func TestDescribeMissingProcess(t *testing.T) {
	// PIDs are bounded well below this on every supported kernel.
	if _, err := Describe(1<<30, zap.NewNop()); err == nil {
		t.Error("expected error for nonexistent pid")
	}
}

func TestAttributes(t *testing.T) {
	h := &HostInfo{
		PID:     42,
		PPID:    1,
		Name:    "true",
		Exe:     "/usr/bin/true",
		Cmdline: "/usr/bin/true",
	}
	attrs := h.Attributes()
	want := map[string]string{
		"process.executable.name": "true",
		"process.executable.path": "/usr/bin/true",
		"process.command_line":    "/usr/bin/true",
		"process.parent_pid":      "1",
	}
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("%s = %q, want %q", k, attrs[k], v)
		}
	}
	if len(h.Fields()) == 0 {
		t.Error("no log fields")
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name, exe, want string
	}{
		{"true", "", "true"},
		{"truncated-na", "/opt/app/server.bin", "server"},
		{"notepad.exe", "", "notepad"},
	}
	for _, tt := range tests {
		h := &HostInfo{Name: tt.name, Exe: tt.exe}
		if got := h.DisplayName(); got != tt.want {
			t.Errorf("DisplayName(%q, %q) = %q, want %q", tt.name, filepath.Base(tt.exe), got, tt.want)
		}
	}
}

func TestIsInterpreter(t *testing.T) {
	for _, name := range []string{"python3", "sh", "node"} {
		if !isInterpreter(name) {
			t.Errorf("%s should be an interpreter", name)
		}
	}
	if isInterpreter("true") {
		t.Error("true is not an interpreter")
	}
}
