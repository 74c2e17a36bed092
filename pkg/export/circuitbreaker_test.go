// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"testing"
	"time"
)

// fakeClock is advanced by hand.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker(threshold, 30*time.Second)
	cb.now = clock.now
	return cb, clock
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3)
	if !cb.Allow() || cb.State() != CircuitClosed {
		t.Fatalf("new breaker state = %v", cb.State())
	}

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitClosed {
		t.Errorf("state after 2/3 failures = %v, want closed", cb.State())
	}
	cb.RecordFailure()
	if cb.State() != CircuitOpen || cb.Allow() {
		t.Errorf("state after 3/3 failures = %v, want open", cb.State())
	}
}

func TestCircuitBreakerProbe(t *testing.T) {
	for _, tc := range []struct {
		name      string
		probeOK   bool
		wantState CircuitState
	}{
		{"probe succeeds", true, CircuitClosed},
		{"probe fails", false, CircuitOpen},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cb, clock := newTestBreaker(2)
			cb.RecordFailure()
			cb.RecordFailure()

			clock.advance(29 * time.Second)
			if cb.Allow() {
				t.Fatal("allowed before reset timeout")
			}
			clock.advance(time.Second)
			if !cb.Allow() || cb.State() != CircuitHalfOpen {
				t.Fatalf("state after reset timeout = %v, want half-open", cb.State())
			}

			if tc.probeOK {
				cb.RecordSuccess()
			} else {
				cb.RecordFailure()
			}
			if cb.State() != tc.wantState {
				t.Errorf("state = %v, want %v", cb.State(), tc.wantState)
			}
		})
	}
}

func TestCircuitBreakerSuccessResetsCount(t *testing.T) {
	cb, _ := newTestBreaker(5)
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	if cb.FailureCount() != 0 {
		t.Errorf("FailureCount = %d, want 0", cb.FailureCount())
	}
}

func TestCircuitStateString(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half-open"},
		{CircuitState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("CircuitState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
