package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no entry of a [FallbackGroup] could serve a
// call.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig is the breaker template applied to every entry of a
// [FallbackGroup]; each entry gets its own breaker named after it.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds equivalent backends in preference order. Entries must
// be added before the group is shared; calls are then safe for concurrent
// use.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group whose first choice is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a backend tried after every earlier one.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	fg.members = append(fg.members, member[T]{name: name, value: fallback, breaker: NewCircuitBreaker(bc)})
}

// Names returns the entry names in preference order.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.members))
	for i, m := range fg.members {
		names[i] = m.name
	}
	return names
}

// Execute runs fn against the entries in order until one succeeds.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult runs fn against the entries of fg in order and returns
// the first successful result. Entries with an open breaker are skipped. A
// [context.Canceled] error is returned as is without trying further entries;
// any other total failure wraps [ErrAllFailed] and the last error.
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for _, m := range fg.members {
		var res R
		err := m.breaker.Execute(func() error {
			var err error
			res, err = fn(m.value)
			return err
		})
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, context.Canceled):
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("provider skipped, circuit open", "provider", m.name)
		default:
			slog.Warn("provider failed, trying next", "provider", m.name, "err", err)
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
