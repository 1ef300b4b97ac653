// Package retry provides a small exponential-backoff helper used around
// every outbound planner and tool call.
package retry

import (
	"context"
	"time"
)

// Config controls how many times an operation is retried and how long the
// initial pause between attempts lasts. The delay doubles after every failed
// attempt.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultConfig mirrors the engine-wide defaults: three retries starting at
// one second.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, BaseDelay: time.Second}
}

func (c Config) normalized() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	return c
}

// Do invokes fn up to MaxRetries+1 times. Between failures it sleeps
// BaseDelay * 2^attempt, honouring context cancellation. The last error is
// returned once all attempts are exhausted.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	_, err := DoWithResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithResult is the value-returning variant of Do.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.normalized()

	var zero T
	var lastErr error
	delay := cfg.BaseDelay
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if attempt == cfg.MaxRetries {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
		delay *= 2
	}
	return zero, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
