package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 5
	defaultBackoff    = 250 * time.Millisecond
	defaultMaxBackoff = 5 * time.Second
)

// ErrRetriesExhausted is returned by [Reconnect] when every attempt failed.
var ErrRetriesExhausted = errors.New("reconnection failed after max retries")

// BackoffConfig configures [Reconnect].
type BackoffConfig struct {
	// Name labels log messages.
	Name string

	// MaxRetries is the maximum number of attempts. Defaults to 5 if zero.
	MaxRetries int

	// Backoff is the initial delay between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 250ms if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the delay. Defaults to 5s if zero.
	MaxBackoff time.Duration
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	return c
}

// Reconnect calls connect until it succeeds, waiting with exponential backoff
// between attempts. It returns ctx.Err() when ctx is cancelled and an error
// wrapping [ErrRetriesExhausted] and the last failure when the attempts run
// out.
func Reconnect[T any](ctx context.Context, cfg BackoffConfig, connect func(context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	var (
		zero    T
		lastErr error
	)
	backoff := cfg.Backoff
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		slog.Info("attempting reconnection",
			"name", cfg.Name,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
		)

		v, err := connect(ctx)
		if err == nil {
			slog.Info("reconnection successful", "name", cfg.Name, "attempt", attempt)
			return v, nil
		}
		lastErr = err
		slog.Warn("reconnection attempt failed",
			"name", cfg.Name,
			"attempt", attempt,
			"error", err,
		)
		if attempt == cfg.MaxRetries {
			break
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}

		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	slog.Error("reconnection failed after max retries", "name", cfg.Name, "max_retries", cfg.MaxRetries)
	return zero, fmt.Errorf("%w: %s: %w", ErrRetriesExhausted, cfg.Name, lastErr)
}
