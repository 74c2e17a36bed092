package export

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func sampleInvocation() *Invocation {
	return &Invocation{
		Time:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Scenario: "posix",
		Hook:     "open",
		Function: "open",
		Module:   "libc.so.6",
		Address:  0x7f0000001234,
		Phase:    "enter",
		Arg:      `"/etc/hosts"`,
		Count:    1,
		PID:      4242,
		TID:      4242,
	}
}

func TestStdoutExporterText(t *testing.T) {
	var buf bytes.Buffer
	exp := NewStdoutExporter(&buf, "")

	if err := exp.ExportInvocations(context.Background(), []*Invocation{sampleInvocation()}); err != nil {
		t.Fatalf("ExportInvocations: %v", err)
	}

	line := buf.String()
	for _, want := range []string{"[HOOK]", "libc.so.6!open@0x7f0000001234", "pid=4242", "count=1", `open("/etc/hosts")`} {
		if !strings.Contains(line, want) {
			t.Errorf("output %q missing %q", line, want)
		}
	}
}

func TestStdoutExporterJSON(t *testing.T) {
	var buf bytes.Buffer
	exp := NewStdoutExporter(&buf, "json")
	exp.ExportInvocations(context.Background(), []*Invocation{sampleInvocation(), sampleInvocation()})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	var rec map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("invalid JSON %q: %v", lines[0], err)
	}
	if rec["_type"] != "invocation" || rec["hook"] != "open" || rec["address"] != "0x7f0000001234" {
		t.Errorf("record = %v", rec)
	}
	if rec["count"].(float64) != 1 {
		t.Errorf("count = %v", rec["count"])
	}
}
