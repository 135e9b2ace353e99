package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReconnect_SucceedsAfterFailures(t *testing.T) {
	t.Parallel()

	attempts := 0
	got, err := Reconnect(context.Background(), BackoffConfig{
		Name:       "stt",
		MaxRetries: 5,
		Backoff:    time.Millisecond,
		MaxBackoff: 2 * time.Millisecond,
	}, func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("refused")
		}
		return "session", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "session" {
		t.Errorf("result = %q, want session", got)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestReconnect_Exhausted(t *testing.T) {
	t.Parallel()

	cause := errors.New("refused")
	attempts := 0
	_, err := Reconnect(context.Background(), BackoffConfig{MaxRetries: 3, Backoff: time.Millisecond},
		func(context.Context) (int, error) {
			attempts++
			return 0, cause
		})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("err = %v, want ErrRetriesExhausted", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("err = %v, want wrapped cause", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestReconnect_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	_, err := Reconnect(ctx, BackoffConfig{MaxRetries: 10, Backoff: time.Hour},
		func(context.Context) (int, error) {
			cancel()
			return 0, errors.New("refused")
		})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
