// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// StdoutExporter prints invocation records, one per line.
type StdoutExporter struct {
	mu     sync.Mutex
	w      io.Writer
	format string // "text" or "json"
}

// NewStdoutExporter creates a stdout exporter writing to w, or to os.Stdout
// when w is nil.
func NewStdoutExporter(w io.Writer, format string) *StdoutExporter {
	if w == nil {
		w = os.Stdout
	}
	if format == "" {
		format = "text"
	}
	return &StdoutExporter{w: w, format: format}
}

// ExportInvocations writes invs to the underlying writer.
func (e *StdoutExporter) ExportInvocations(ctx context.Context, invs []*Invocation) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, inv := range invs {
		var err error
		if e.format == "json" {
			err = e.printJSON(inv)
		} else {
			_, err = fmt.Fprintf(e.w,
				"[HOOK] %-5s %-12s %s!%s@0x%x pid=%d tid=%d count=%d %s\n",
				inv.Phase, inv.Hook, inv.Module, inv.Function, inv.Address,
				inv.PID, inv.TID, inv.Count, inv.Summary(),
			)
		}
		if err != nil {
			return fmt.Errorf("write invocation: %w", err)
		}
	}
	return nil
}

// Shutdown is a no-op for stdout.
func (e *StdoutExporter) Shutdown(ctx context.Context) error {
	return nil
}

func (e *StdoutExporter) printJSON(inv *Invocation) error {
	b, err := json.Marshal(map[string]interface{}{
		"_type":     "invocation",
		"timestamp": inv.Time.Format(time.RFC3339Nano),
		"scenario":  inv.Scenario,
		"hook":      inv.Hook,
		"function":  inv.Function,
		"module":    inv.Module,
		"address":   fmt.Sprintf("0x%x", inv.Address),
		"phase":     inv.Phase,
		"arg":       inv.Arg,
		"count":     inv.Count,
		"pid":       inv.PID,
		"tid":       inv.TID,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(e.w, "%s\n", b)
	return err
}
