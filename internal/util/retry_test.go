package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryErrWithContext_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryErrWithContext(ctx, 5, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestBackoff_DelayGrowsAndCaps(t *testing.T) {
	b := Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 10 * time.Millisecond},
		{attempt: 1, want: 20 * time.Millisecond},
		{attempt: 2, want: 40 * time.Millisecond},
		{attempt: 3, want: 50 * time.Millisecond},
		{attempt: 10, want: 50 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Fatalf("attempt %d: expected %v, got %v", tt.attempt, tt.want, got)
		}
	}
}

func TestBackoff_JitterStaysBelowBase(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Multiplier: 2, Jitter: 0.5}
	for i := 0; i < 50; i++ {
		d := b.Delay(1)
		if d > 200*time.Millisecond || d < 100*time.Millisecond {
			t.Fatalf("expected delay in [100ms, 200ms], got %v", d)
		}
	}
}

func TestRetryWithBackoff_SuccessAfterRetries(t *testing.T) {
	b := Backoff{MaxTries: 3, Initial: time.Millisecond, Multiplier: 2}
	calls := 0
	result, err := RetryWithBackoff(context.Background(), b, nil, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected ok, got %q", result)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryWithBackoff_PermanentErrorStops(t *testing.T) {
	permanentErr := errors.New("bad input")
	b := Backoff{MaxTries: 5, Initial: time.Millisecond}
	calls := 0
	_, err := RetryWithBackoff(context.Background(), b, func(err error) bool {
		return errors.Is(err, permanentErr)
	}, func(ctx context.Context) (int, error) {
		calls++
		return 0, permanentErr
	})
	if !errors.Is(err, permanentErr) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryWithBackoff_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	b := Backoff{MaxTries: 3, Initial: time.Second}
	_, err := RetryWithBackoff(ctx, b, nil, func(ctx context.Context) (int, error) {
		return 0, errors.New("transient")
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}
