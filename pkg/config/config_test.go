// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig should validate: %v", err)
	}
	if want := DefaultScenario(runtime.GOOS); cfg.Scenario != want {
		t.Errorf("Scenario = %q, want %s", cfg.Scenario, want)
	}
	if cfg.Exporters.OTLP.Enabled {
		t.Error("OTLP export should be off by default")
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hookdemo.yaml")
	data := []byte(`
log_level: debug
scenario: libc-sleep
engine:
  program: /bin/sleep
  args: ["0"]
  timeout: 2s
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Scenario != "libc-sleep" {
		t.Errorf("Scenario = %q, want libc-sleep", cfg.Scenario)
	}
	if cfg.Engine.Program != "/bin/sleep" || len(cfg.Engine.Args) != 1 {
		t.Errorf("Engine = %+v, want /bin/sleep with one arg", cfg.Engine)
	}
	if cfg.Engine.Timeout != 2*time.Second {
		t.Errorf("Timeout = %v, want 2s", cfg.Engine.Timeout)
	}
	// Untouched sections keep their defaults.
	if cfg.Exporters.OTLP.Endpoint != "localhost:4317" {
		t.Errorf("OTLP endpoint = %q, want default", cfg.Exporters.OTLP.Endpoint)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("log_level: chatty\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for unknown log level")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HOOKDEMO_SCENARIO", "windows")
	t.Setenv("HOOKDEMO_EXPORTERS_STDOUT_ENABLED", "true")
	t.Setenv("HOOKDEMO_ENGINE_TIMEOUT", "750ms")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Scenario != "windows" {
		t.Errorf("Scenario = %q, want windows", cfg.Scenario)
	}
	if !cfg.Exporters.Stdout.Enabled {
		t.Error("stdout exporter should be enabled by env")
	}
	if cfg.Engine.Timeout != 750*time.Millisecond {
		t.Errorf("Timeout = %v, want 750ms", cfg.Engine.Timeout)
	}
}

func TestValidateOTLP(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exporters.OTLP.Enabled = true
	cfg.Exporters.OTLP.Protocol = "thrift"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown OTLP protocol")
	}

	cfg.Exporters.OTLP.Protocol = "http"
	cfg.Exporters.OTLP.Compression = "zstd"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown compression")
	}

	cfg.Exporters.OTLP.Compression = "none"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateEngine(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.Program = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty engine.program")
	}

	cfg = DefaultConfig()
	cfg.Engine.Timeout = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero engine.timeout")
	}
}

func TestDefaultScenarioFollowsOSFlavor(t *testing.T) {
	for goos, want := range map[string]string{
		"linux":   "posix",
		"darwin":  "posix",
		"freebsd": "posix",
		"windows": "windows",
	} {
		if got := DefaultScenario(goos); got != want {
			t.Errorf("DefaultScenario(%q) = %q, want %q", goos, got, want)
		}
	}
}
