package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

var errTest = errors.New("backend unavailable")

func fail() error { return errTest }
func pass() error { return nil }

// run feeds the outcomes through cb in order.
func run(cb *CircuitBreaker, outcomes ...func() error) {
	for _, fn := range outcomes {
		_ = cb.Execute(fn)
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "llm/openrouter"})
	if cb.maxFailures != 5 || cb.resetTimeout != 30*time.Second || cb.halfOpenMax != 3 {
		t.Errorf("defaults: want 5/30s/3, got %d/%v/%d", cb.maxFailures, cb.resetTimeout, cb.halfOpenMax)
	}
	if got := cb.State(); got != StateClosed {
		t.Errorf("initial state: want closed, got %v", got)
	}
}

func TestCircuitBreaker_ClosedCounting(t *testing.T) {
	t.Parallel()

	canceled := func() error { return fmt.Errorf("stream: %w", context.Canceled) }
	cases := []struct {
		name     string
		outcomes []func() error
		want     State
	}{
		{name: "no calls", want: StateClosed},
		{name: "below threshold", outcomes: []func() error{fail, fail}, want: StateClosed},
		{name: "threshold reached", outcomes: []func() error{fail, fail, fail}, want: StateOpen},
		{name: "success resets count", outcomes: []func() error{fail, fail, pass, fail, fail}, want: StateClosed},
		{name: "cancellations are neutral", outcomes: []func() error{canceled, canceled, canceled, canceled}, want: StateClosed},
		{name: "cancellation does not reset count", outcomes: []func() error{fail, fail, canceled, fail}, want: StateOpen},
	}
	for _, tc := range cases {
		cb := NewCircuitBreaker(CircuitBreakerConfig{Name: tc.name, MaxFailures: 3, ResetTimeout: time.Hour})
		run(cb, tc.outcomes...)
		if got := cb.State(); got != tc.want {
			t.Errorf("%s: want %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestCircuitBreaker_OpenRejects(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	run(cb, fail)

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err: want ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("fn ran while the breaker was open")
	}
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		probes []func() error
		want   State
	}{
		{name: "probes succeed", probes: []func() error{pass, pass}, want: StateClosed},
		{name: "one probe succeeds", probes: []func() error{pass}, want: StateHalfOpen},
		{name: "probe fails", probes: []func() error{pass, fail}, want: StateOpen},
	}
	for _, tc := range cases {
		cb := NewCircuitBreaker(CircuitBreakerConfig{Name: tc.name, MaxFailures: 1, ResetTimeout: 20 * time.Millisecond, HalfOpenMax: 2})
		run(cb, fail)
		time.Sleep(30 * time.Millisecond)
		if got := cb.State(); got != StateHalfOpen {
			t.Fatalf("%s: after reset timeout: want half-open, got %v", tc.name, got)
		}

		run(cb, tc.probes...)
		cb.mu.Lock()
		got := cb.state
		cb.mu.Unlock()
		if got != tc.want {
			t.Errorf("%s: want %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestCircuitBreaker_HalfOpenProbeBudget(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMax: 1})
	run(cb, fail)
	time.Sleep(20 * time.Millisecond)

	// Hold the only probe slot open while a second call arrives.
	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error {
			close(inProbe)
			<-release
			return nil
		})
	}()
	<-inProbe
	if err := cb.Execute(pass); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second probe: want ErrCircuitOpen, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Errorf("after probe: want closed, got %v", got)
	}
}

func TestCircuitBreaker_CanceledProbeReturnsSlot(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMax: 1})
	run(cb, fail)
	time.Sleep(20 * time.Millisecond)

	run(cb, func() error { return context.Canceled })
	if err := cb.Execute(pass); err != nil {
		t.Fatalf("probe after cancelled probe: %v", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Errorf("want closed, got %v", got)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	run(cb, fail, fail)
	if got := cb.State(); got != StateOpen {
		t.Fatalf("want open, got %v", got)
	}

	cb.Reset()
	if got := cb.State(); got != StateClosed {
		t.Errorf("after Reset: want closed, got %v", got)
	}
	if err := cb.Execute(pass); err != nil {
		t.Errorf("after Reset: %v", err)
	}
	// One failure is not enough after the counters were cleared.
	run(cb, fail)
	if got := cb.State(); got != StateClosed {
		t.Errorf("one failure after Reset: want closed, got %v", got)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	cases := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(-1), "unknown"},
		{State(99), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d): want %q, got %q", int(tc.state), tc.want, got)
		}
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	t.Parallel()
	type transition struct {
		name     string
		from, to State
	}
	var got []transition
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "tts/cartesia",
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  1,
		OnStateChange: func(name string, from, to State) {
			got = append(got, transition{name, from, to})
		},
	})

	run(cb, fail)
	time.Sleep(20 * time.Millisecond)
	run(cb, pass)

	want := []transition{
		{"tts/cartesia", StateClosed, StateOpen},
		{"tts/cartesia", StateOpen, StateHalfOpen},
		{"tts/cartesia", StateHalfOpen, StateClosed},
	}
	if len(got) != len(want) {
		t.Fatalf("transitions: want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d: want %v, got %v", i, want[i], got[i])
		}
	}
}
