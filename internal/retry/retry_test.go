package retry

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoSucceedsOnFirstAttempt(t *testing.T) {
	t.Parallel()

	var attempts int32
	err := Do(context.Background(), DefaultConfig(), "test-op", func(_ context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return nil
	})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", atomic.LoadInt32(&attempts))
	}
}

func TestDoRetriesOnTransientError(t *testing.T) {
	t.Parallel()

	var attempts int32
	cfg := Config{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		MaxElapsed:   5 * time.Second,
		MaxAttempts:  5,
	}

	err := Do(context.Background(), cfg, "test-retry", func(_ context.Context) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return errors.New("transient error")
		}
		return nil // succeed on 3rd attempt
	})

	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", atomic.LoadInt32(&attempts))
	}
}

func TestDoExhaustsMaxAttempts(t *testing.T) {
	t.Parallel()

	var attempts int32
	cfg := Config{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		MaxElapsed:   10 * time.Second,
		MaxAttempts:  3,
	}

	err := Do(context.Background(), cfg, "test-exhaust", func(_ context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("persistent failure")
	})

	if err == nil {
		t.Fatal("expected error when retries exhausted")
	}
	if !strings.Contains(err.Error(), "retries exhausted") {
		t.Fatalf("expected 'retries exhausted' in error, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", atomic.LoadInt32(&attempts))
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	var attempts int32
	boom := errors.New("bad credentials")

	err := Do(context.Background(), DefaultConfig(), "test-permanent", func(_ context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return Permanent(boom)
	})

	if !errors.Is(err, boom) {
		t.Fatalf("expected underlying error, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", atomic.LoadInt32(&attempts))
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		InitialDelay: 1 * time.Second,
		MaxDelay:     2 * time.Second,
		MaxElapsed:   time.Minute,
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, "test-cancel", func(_ context.Context) error {
		return errors.New("always fails")
	})

	if err == nil || !strings.Contains(err.Error(), "context cancelled") {
		t.Fatalf("expected context cancellation error, got %v", err)
	}
}
