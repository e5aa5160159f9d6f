package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/acoustio/beamline/internal/resilience"
)

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()
	calls := 0
	err := resilience.Retry(context.Background(), resilience.RetryConfig{
		Name:      "test",
		Attempts:  5,
		BaseDelay: time.Millisecond,
	}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_ExhaustsBudget(t *testing.T) {
	t.Parallel()
	sentinel := errors.New("still down")
	calls := 0
	err := resilience.Retry(context.Background(), resilience.RetryConfig{
		Attempts:  3,
		BaseDelay: time.Millisecond,
	}, func(context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want %v", err, sentinel)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_PermanentErrorStopsImmediately(t *testing.T) {
	t.Parallel()
	sentinel := errors.New("bad credentials")
	calls := 0
	err := resilience.Retry(context.Background(), resilience.RetryConfig{
		Attempts:  5,
		BaseDelay: time.Millisecond,
	}, func(context.Context) error {
		calls++
		return resilience.Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want %v", err, sentinel)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_ContextCancellationStopsWaiting(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := resilience.Retry(ctx, resilience.RetryConfig{
		Attempts:  3,
		BaseDelay: 10 * time.Second,
	}, func(context.Context) error {
		return errors.New("down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Retry waited %v after cancellation", elapsed)
	}
}

func TestIsPermanent(t *testing.T) {
	t.Parallel()
	if resilience.IsPermanent(errors.New("plain")) {
		t.Error("plain error reported permanent")
	}
	if !resilience.IsPermanent(resilience.Permanent(errors.New("wrapped"))) {
		t.Error("wrapped error not reported permanent")
	}
	if resilience.Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
