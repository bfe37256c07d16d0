package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     1.1,
		JitterFraction: 0,
	}
}

func TestDoVal_SucceedsFirstTry(t *testing.T) {
	calls := 0
	got, err := DoVal(context.Background(), fastRetry(3), func(_ context.Context) (string, error) {
		calls++
		return "layout", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "layout" || calls != 1 {
		t.Errorf("got (%q, %d calls), want (layout, 1)", got, calls)
	}
}

func TestDoVal_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	got, err := DoVal(context.Background(), fastRetry(3), func(_ context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, NewTransientError(errors.New("overloaded"), 529)
		}
		return 7, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 7 || calls != 3 {
		t.Errorf("got (%d, %d calls), want (7, 3)", got, calls)
	}
}

func TestDoVal_StopsOnPermanentError(t *testing.T) {
	calls := 0
	refused := NewPermanentError(errors.New("model refused image"))
	_, err := DoVal(context.Background(), fastRetry(5), func(_ context.Context) (int, error) {
		calls++
		return 0, refused
	})
	if !errors.Is(err, refused) {
		t.Fatalf("expected refusal error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("permanent error retried: %d calls", calls)
	}
}

func TestDoVal_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := DoVal(context.Background(), fastRetry(3), func(_ context.Context) (int, error) {
		calls++
		return 0, NewTransientError(errors.New("timeout"), 504)
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestDoVal_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := DoVal(ctx, fastRetry(10), func(_ context.Context) (int, error) {
		calls++
		cancel()
		return 0, NewTransientError(errors.New("slow"), 503)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancellation stopped retries, got %d", calls)
	}
}

func TestDo_WrapsDoVal(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetry(2), func(_ context.Context) error {
		calls++
		if calls == 1 {
			return NewTransientError(errors.New("busy"), 429)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDoVal_OnRetryCallback(t *testing.T) {
	var attempts []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, _ error) { attempts = append(attempts, attempt) }

	_, _ = DoVal(context.Background(), cfg, func(_ context.Context) (int, error) {
		return 0, NewTransientError(errors.New("flaky"), 500)
	})

	if len(attempts) != 2 {
		t.Fatalf("expected 2 retry callbacks, got %d", len(attempts))
	}
	if attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("unexpected attempt numbers: %v", attempts)
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     3 * time.Second,
		Multiplier:     10,
		JitterFraction: 0,
	}
	cfg = withDefaults(cfg)

	if d := backoff(0, cfg); d != time.Second {
		t.Errorf("attempt 0: got %s, want 1s", d)
	}
	if d := backoff(5, cfg); d != 3*time.Second {
		t.Errorf("attempt 5: got %s, want capped 3s", d)
	}
}

func TestRetryFor(t *testing.T) {
	cfg := RetryFor("claude-fast", 2)
	if cfg.MaxAttempts != 3 {
		t.Errorf("2 retries should mean 3 attempts, got %d", cfg.MaxAttempts)
	}
	if cfg.OnRetry == nil {
		t.Error("expected retry logging callback")
	}

	if got := RetryFor("claude-fast", 0).MaxAttempts; got != 1 {
		t.Errorf("0 retries should mean a single attempt, got %d", got)
	}
}
