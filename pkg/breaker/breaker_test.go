// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

var errBoom = errors.New("boom")

func fail() error { return errBoom }
func pass() error { return nil }

func TestBreakerOpensAfterFailures(t *testing.T) {
	mock := clock.NewMock()
	cb := New(Config{MaxFailures: 3, ResetTimeout: time.Minute, Clock: mock})

	for i := 0; i < 3; i++ {
		if err := cb.Call(fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d error = %v, want errBoom", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("State() = %v, want open", cb.State())
	}

	called := false
	err := cb.Call(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Errorf("open breaker must short-circuit, err = %v, called = %v", err, called)
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	cb := New(Config{MaxFailures: 2, Clock: clock.NewMock()})

	_ = cb.Call(fail)
	_ = cb.Call(pass)
	_ = cb.Call(fail)

	if state, failures, _ := cb.Stats(); state != StateClosed || failures != 1 {
		t.Errorf("Stats() = %v, %d; want closed, 1", state, failures)
	}
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	cb := New(Config{MaxFailures: 1, Clock: clock.NewMock()})

	canceled := func() error { return fmt.Errorf("lookup: %w", context.Canceled) }
	for i := 0; i < 3; i++ {
		if err := cb.Call(canceled); !errors.Is(err, context.Canceled) {
			t.Fatalf("call %d error = %v, want context.Canceled", i, err)
		}
	}
	if state, failures, _ := cb.Stats(); state != StateClosed || failures != 0 {
		t.Errorf("Stats() = %v, %d; want closed, 0", state, failures)
	}

	custom := New(Config{MaxFailures: 1, Clock: clock.NewMock(), IsFailure: func(error) bool { return true }})
	_ = custom.Call(canceled)
	if custom.State() != StateOpen {
		t.Errorf("State() = %v, want open when every error counts", custom.State())
	}
}

func TestBreakerRecovery(t *testing.T) {
	tests := []struct {
		name  string
		probe []func() error
		want  State
	}{
		{name: "closes after successes", probe: []func() error{pass, pass}, want: StateClosed},
		{name: "stays half open", probe: []func() error{pass}, want: StateHalfOpen},
		{name: "reopens on failure", probe: []func() error{pass, fail}, want: StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := clock.NewMock()
			cb := New(Config{MaxFailures: 1, ResetTimeout: time.Minute, SuccessThreshold: 2, Clock: mock})

			_ = cb.Call(fail)
			mock.Add(time.Minute)

			for _, fn := range tt.probe {
				_ = cb.Call(fn)
			}
			if cb.State() != tt.want {
				t.Errorf("State() = %v, want %v", cb.State(), tt.want)
			}
		})
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	mock := clock.NewMock()
	cb := New(Config{MaxFailures: 1, ResetTimeout: time.Second, SuccessThreshold: 1, Clock: mock})

	var got []string
	cb.OnStateChange(func(from, to State) {
		// Callback may query the breaker without deadlocking.
		_ = cb.State()
		got = append(got, from.String()+">"+to.String())
	})

	_ = cb.Call(fail)
	mock.Add(time.Second)
	_ = cb.Call(pass)

	want := []string{"closed>open", "open>half_open", "half_open>closed"}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNilBreaker(t *testing.T) {
	var cb *CircuitBreaker
	if err := cb.Call(fail); !errors.Is(err, errBoom) {
		t.Errorf("nil breaker Call() = %v, want errBoom", err)
	}
}

func TestStateString(t *testing.T) {
	if StateClosed.String() != "closed" || StateHalfOpen.String() != "half_open" ||
		StateOpen.String() != "open" || State(9).String() != "unknown" {
		t.Error("unexpected state strings")
	}
}
