package habitkit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastRetryConfig(maxAttempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       maxAttempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            0,
	}
}

func TestRetryerSucceedsFirstAttempt(t *testing.T) {
	r := NewRetryer(fastRetryConfig(3))

	calls := 0
	result := r.Do(context.Background(), func() error {
		calls++
		return nil
	})

	if result.LastErr != nil {
		t.Errorf("unexpected error: %v", result.LastErr)
	}
	if result.Attempts != 1 || calls != 1 {
		t.Errorf("expected a single attempt, got attempts=%d calls=%d", result.Attempts, calls)
	}
}

func TestRetryerRetriesUntilSuccess(t *testing.T) {
	r := NewRetryer(fastRetryConfig(5))

	calls := 0
	result := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: flaky", ErrRemoteUnavailable)
		}
		return nil
	})

	if result.LastErr != nil {
		t.Errorf("unexpected error: %v", result.LastErr)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestRetryerExhaustsAttempts(t *testing.T) {
	r := NewRetryer(fastRetryConfig(3))
	boom := fmt.Errorf("%w: down", ErrRemoteUnavailable)

	calls := 0
	result := r.Do(context.Background(), func() error {
		calls++
		return boom
	})

	if !errors.Is(result.LastErr, ErrRemoteUnavailable) {
		t.Errorf("expected last error surfaced, got %v", result.LastErr)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryerStopsOnNonRetryable(t *testing.T) {
	cfg := fastRetryConfig(5)
	cfg.RetryIf = IsRetryable
	r := NewRetryer(cfg)

	calls := 0
	result := r.Do(context.Background(), func() error {
		calls++
		return fmt.Errorf("%w: bad payload", ErrRemoteRejected)
	})

	if calls != 1 {
		t.Errorf("non-retryable error must not be retried, got %d calls", calls)
	}
	if !errors.Is(result.LastErr, ErrRemoteRejected) {
		t.Errorf("expected rejection surfaced, got %v", result.LastErr)
	}
}

func TestRetryerHonorsContextCancel(t *testing.T) {
	cfg := fastRetryConfig(10)
	cfg.InitialBackoff = 50 * time.Millisecond
	r := NewRetryer(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result := r.Do(ctx, func() error {
		calls++
		return fmt.Errorf("%w: down", ErrRemoteUnavailable)
	})

	if !errors.Is(result.LastErr, context.Canceled) {
		t.Errorf("expected context cancellation, got %v", result.LastErr)
	}
	if calls < 1 || calls > 2 {
		t.Errorf("expected retries to stop promptly, got %d calls", calls)
	}
}

func TestDoWithResultReturnsValue(t *testing.T) {
	r := NewRetryer(fastRetryConfig(3))

	calls := 0
	val, result := r.DoWithResult(context.Background(), func() (any, error) {
		calls++
		if calls < 2 {
			return nil, fmt.Errorf("%w: flaky", ErrRemoteUnavailable)
		}
		return "payload", nil
	})

	if result.LastErr != nil {
		t.Fatalf("unexpected error: %v", result.LastErr)
	}
	if val != "payload" {
		t.Errorf("expected payload, got %v", val)
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker(2, 20*time.Millisecond)
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("expected failure %d passed through, got %v", i, err)
		}
	}
	if cb.State() != "open" {
		t.Fatalf("expected open circuit, got %s", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Errorf("expected half-open probe to succeed, got %v", err)
	}
	if cb.State() != "closed" {
		t.Errorf("expected closed circuit after success, got %s", cb.State())
	}
}
