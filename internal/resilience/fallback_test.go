package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func newGroup(maxFailures int) *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "llm/openrouter", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: maxFailures, ResetTimeout: time.Hour},
	})
	fg.AddFallback("llm/anthropic", "secondary")
	return fg
}

func TestFallbackGroup_Execute(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		failing   []string
		wantCalls []string
		wantErr   error
	}{
		{name: "primary serves", wantCalls: []string{"primary"}},
		{name: "fails over", failing: []string{"primary"}, wantCalls: []string{"primary", "secondary"}},
		{name: "all fail", failing: []string{"primary", "secondary"}, wantCalls: []string{"primary", "secondary"}, wantErr: ErrAllFailed},
	}
	for _, tc := range cases {
		fg := newGroup(3)
		var calls []string
		err := fg.Execute(func(v string) error {
			calls = append(calls, v)
			if slices.Contains(tc.failing, v) {
				return errTest
			}
			return nil
		})
		if !errors.Is(err, tc.wantErr) {
			t.Errorf("%s: err: want %v, got %v", tc.name, tc.wantErr, err)
		}
		if tc.wantErr != nil && !errors.Is(err, errTest) {
			t.Errorf("%s: err should wrap the last failure, got %v", tc.name, err)
		}
		if !slices.Equal(calls, tc.wantCalls) {
			t.Errorf("%s: calls: want %v, got %v", tc.name, tc.wantCalls, calls)
		}
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()
	fg := newGroup(2)
	primaryDown := func(v string) error {
		if v == "primary" {
			return errTest
		}
		return nil
	}
	_ = fg.Execute(primaryDown)
	_ = fg.Execute(primaryDown)

	var calls []string
	if err := fg.Execute(func(v string) error { calls = append(calls, v); return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !slices.Equal(calls, []string{"secondary"}) {
		t.Errorf("calls: want [secondary], got %v", calls)
	}
}

func TestFallbackGroup_CancelStopsFailover(t *testing.T) {
	t.Parallel()
	fg := newGroup(1)

	var calls []string
	err := fg.Execute(func(v string) error {
		calls = append(calls, v)
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrAllFailed) {
		t.Errorf("err: want bare context.Canceled, got %v", err)
	}
	if !slices.Equal(calls, []string{"primary"}) {
		t.Errorf("calls: want [primary], got %v", calls)
	}
	// MaxFailures is 1, so a counted failure would have opened the breaker.
	if got := fg.members[0].breaker.State(); got != StateClosed {
		t.Errorf("primary breaker: want closed, got %v", got)
	}
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup(16000, "stt/assemblyai", FallbackConfig{})
	fg.AddFallback("stt/deepgram", 24000)

	got, err := ExecuteWithResult(fg, func(rate int) (string, error) {
		if rate == 16000 {
			return "", errTest
		}
		return "deepgram", nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "deepgram" {
		t.Errorf("result: want deepgram, got %q", got)
	}
	if names := fg.Names(); !slices.Equal(names, []string{"stt/assemblyai", "stt/deepgram"}) {
		t.Errorf("Names: want [stt/assemblyai stt/deepgram], got %v", names)
	}
}
