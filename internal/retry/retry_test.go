package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		InitialWait: time.Millisecond,
		MaxWait:     2 * time.Millisecond,
		Multiplier:  2,
	}
}

func TestDoSucceedsAfterRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("busy"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	perm := errors.New("access denied")
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return perm
	})
	if !errors.Is(err, perm) {
		t.Errorf("err = %v, want %v", err, perm)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoIsBounded(t *testing.T) {
	calls := 0
	retries := 0
	cfg := fastConfig(4)
	cfg.OnRetry = func(int, time.Duration, error) { retries++ }
	err := Do(context.Background(), cfg, func() error {
		calls++
		return Retryable(errors.New("busy"))
	})
	if err == nil || !IsRetryable(err) {
		t.Errorf("err = %v, want retryable", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
	if retries != 3 {
		t.Errorf("OnRetry called %d times, want 3", retries)
	}
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, fastConfig(3), func() error {
		return Retryable(errors.New("busy"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestBackoff(t *testing.T) {
	cfg := Config{InitialWait: 100 * time.Millisecond, MaxWait: time.Second, Multiplier: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
	}
	for _, tt := range tests {
		if got := cfg.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDoWithResult(t *testing.T) {
	got, err := DoWithResult(context.Background(), fastConfig(2), func() (int, error) {
		return 7, nil
	})
	if err != nil || got != 7 {
		t.Errorf("DoWithResult = %d, %v", got, err)
	}
	if Retryable(nil) != nil {
		t.Error("Retryable(nil) should be nil")
	}
}
