package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(maxRetries int) Config {
	return Config{MaxRetries: maxRetries, BaseDelay: time.Millisecond}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func(context.Context) error {
		calls++
		if calls <= 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("期望重试后成功, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 calls, got %d", calls)
	}
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	final := errors.New("attempt 4")
	err := Do(context.Background(), fastConfig(3), func(context.Context) error {
		calls++
		if calls == 4 {
			return final
		}
		return errors.New("transient")
	})
	if !errors.Is(err, final) {
		t.Fatalf("expected final error, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected maxRetries+1 calls, got %d", calls)
	}
}

func TestDoWithResultReturnsValue(t *testing.T) {
	calls := 0
	value, err := DoWithResult(context.Background(), fastConfig(2), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "ok" {
		t.Fatalf("expected ok, got %q", value)
	}
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, fastConfig(5), func(context.Context) error {
		calls++
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if calls != 0 {
		t.Fatalf("取消后不应再调用, calls=%d", calls)
	}
}

func TestDoBackoffDoubles(t *testing.T) {
	cfg := Config{MaxRetries: 2, BaseDelay: 10 * time.Millisecond}
	start := time.Now()
	_ = Do(context.Background(), cfg, func(context.Context) error {
		return errors.New("always")
	})
	// 10ms + 20ms of backoff at minimum.
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("backoff too short: %v", elapsed)
	}
}
