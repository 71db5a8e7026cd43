package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), RetryConfig{}, func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" || calls != 1 {
		t.Errorf("got %q after %d calls, want ok after 1", got, calls)
	}
}

func TestDo_RetriesRetryable(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	}, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, Retryable(errTest)
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 || calls != 3 {
		t.Errorf("got %d after %d calls, want 42 after 3", got, calls)
	}
}

func TestDo_AbortsNonRetryable(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond},
		func(ctx context.Context) (int, error) {
			calls++
			return 0, Permanent(errTest)
		})
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want errTest", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (non-retryable must abort)", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond},
		func(ctx context.Context) (int, error) {
			calls++
			return 0, Retryable(errTest)
		})
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want errTest after exhaustion", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_HonoursCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	start := time.Now()
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := Do(ctx, RetryConfig{MaxAttempts: 5, BaseDelay: 10 * time.Second},
		func(ctx context.Context) (int, error) {
			calls++
			return 0, Retryable(errTest)
		})
	if Classify(err) != ClassCancelled {
		t.Fatalf("err = %v, want cancelled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if time.Since(start) > time.Second {
		t.Error("cancel during backoff wait was not honoured promptly")
	}
}

func TestDo_RespectsRetryAfterHint(t *testing.T) {
	calls := 0
	var gap time.Duration
	last := time.Now()
	_, err := Do(context.Background(), RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond},
		func(ctx context.Context) (int, error) {
			if calls == 1 {
				gap = time.Since(last)
			}
			calls++
			last = time.Now()
			return 0, RateLimited(errTest, 50*time.Millisecond)
		})
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want errTest", err)
	}
	if gap < 45*time.Millisecond {
		t.Errorf("gap between attempts = %v, want >= Retry-After hint", gap)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"retryable", Retryable(errTest), ClassRetryable},
		{"rate limited", RateLimited(errTest, time.Second), ClassRetryable},
		{"permanent", Permanent(errTest), ClassNonRetryable},
		{"cancelled wrapper", Cancelled(errTest), ClassCancelled},
		{"context canceled", context.Canceled, ClassCancelled},
		{"deadline exceeded", context.DeadlineExceeded, ClassCancelled},
		{"plain error", errTest, ClassNonRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSleep_Cancellable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	if err := Sleep(ctx, 10*time.Second); err == nil {
		t.Fatal("expected cancellation error")
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep did not return promptly on cancel")
	}
}
