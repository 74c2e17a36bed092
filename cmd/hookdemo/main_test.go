package main

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/mbeema/hookdemo/pkg/config"
	"github.com/mbeema/hookdemo/pkg/demo"
	"github.com/mbeema/hookdemo/pkg/discovery"
	"github.com/mbeema/hookdemo/pkg/symbols"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"version"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", code, stderr.String())
	}
	if !strings.HasPrefix(stdout.String(), "hookdemo dev") {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestRunList(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"-log-level", "error", "list"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", code, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{
		"posix\t",
		"hook open -> open (global)",
		"windows\t",
		"hook MessageBeep -> MessageBeep (user32.dll)",
		"libc-sleep\t",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("list output missing %q:\n%s", want, out)
		}
	}
}

func TestRunListWithScenarioFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenarios.yaml")
	data := `
scenarios:
  - name: getpid
    description: getpid twice
    targets:
      - hook: getpid
        symbol: getpid
        arg: int
    round:
      - call: getpid
      - call: getpid
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	code := run([]string{"-log-level", "error", "-scenario-file", path, "list"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "getpid\tgetpid twice") {
		t.Errorf("loaded scenario not listed:\n%s", stdout.String())
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code int
	}{
		{"unknown flag", []string{"-nope"}, 2},
		{"unknown command", []string{"-log-level", "error", "frobnicate"}, 2},
		{"extra args", []string{"run", "again"}, 2},
		{"bad log level", []string{"-log-level", "loud", "list"}, 1},
		{"missing scenario file", []string{"-scenario-file", "/nonexistent/s.yaml", "list"}, 1},
		{"unknown scenario", []string{"-log-level", "error", "-scenario", "nope", "run"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := run(tt.args, &stdout, &stderr); code != tt.code {
				t.Errorf("exit code = %d, want %d (stderr: %s)", code, tt.code, stderr.String())
			}
		})
	}
}

func TestApplyFlags(t *testing.T) {
	cfg := config.DefaultConfig()
	opts := &options{
		scenario: "libc-sleep",
		program:  "/bin/sleep",
		timeout:  0,
	}
	if err := applyFlags(cfg, opts); err != nil {
		t.Fatalf("applyFlags: %v", err)
	}
	if cfg.Scenario != "libc-sleep" || cfg.Engine.Program != "/bin/sleep" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Engine.Timeout != config.DefaultConfig().Engine.Timeout {
		t.Errorf("zero timeout flag changed timeout to %v", cfg.Engine.Timeout)
	}

	opts = &options{timeout: -1}
	if err := applyFlags(cfg, opts); err == nil {
		t.Error("negative timeout accepted")
	}
}

func TestHostResourceWarnsForInterpreter(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)

	attrs := hostResource(&discovery.HostInfo{PID: 42, Name: "python3", Exe: "/usr/bin/python3"}, logger)
	if attrs["process.executable.name"] != "python3" {
		t.Errorf("attributes = %v", attrs)
	}
	if logs.FilterMessageSnippet("script interpreter").Len() != 1 {
		t.Errorf("no interpreter warning logged: %v", logs.All())
	}

	hostResource(&discovery.HostInfo{PID: 43, Name: "true", Exe: "/usr/bin/true"}, logger)
	if n := logs.FilterMessageSnippet("script interpreter").Len(); n != 1 {
		t.Errorf("native host produced an interpreter warning (%d total)", n)
	}
}

func TestPrintExports(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}
	r, err := symbols.NewResolver(os.Getpid(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	name := filepath.Base(exe)
	targets := []*demo.Resolved{{ModuleName: name}, {ModuleName: name}}

	var out bytes.Buffer
	if err := printExports(&out, r, targets); err != nil {
		t.Fatalf("printExports: %v", err)
	}
	if n := strings.Count(out.String(), "exports)"); n != 1 {
		t.Errorf("module listed %d times, want once:\n%s", n, out.String())
	}
	if !strings.Contains(out.String(), name+" (") {
		t.Errorf("output does not name %s:\n%s", name, out.String())
	}

	if err := printExports(&out, r, []*demo.Resolved{{ModuleName: "libmissing.so"}}); err == nil {
		t.Error("unknown module accepted")
	}
}

func TestMachineID(t *testing.T) {
	for _, tc := range []struct{ goos, goarch, want string }{
		{"linux", "amd64", "linux-x86_64"},
		{"linux", "arm64", "linux-arm64"},
		{"windows", "386", "windows-x86"},
		{"darwin", "arm64", "macos-arm64"},
	} {
		if got := machineID(tc.goos, tc.goarch); got != tc.want {
			t.Errorf("machineID(%s, %s) = %q, want %q", tc.goos, tc.goarch, got, tc.want)
		}
	}
}
