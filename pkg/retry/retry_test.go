package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	attempts := 0
	wantErr := errors.New("always failing")
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want the last error", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	retryable := errors.New("transient")
	fatal := errors.New("fatal")

	cfg := fastConfig()
	cfg.RetryableErrors = []error{retryable}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Errorf("error = %v, want fatal", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, non-retryable errors must not retry", attempts)
	}
}

func TestDoRetriesListedErrors(t *testing.T) {
	retryable := errors.New("transient")

	cfg := fastConfig()
	cfg.RetryableErrors = []error{retryable}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return retryable
	})
	if !errors.Is(err, retryable) {
		t.Errorf("error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	cfg := fastConfig()
	cfg.InitialDelay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Do(ctx, cfg, func() error {
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("retry loop did not observe cancellation promptly")
	}
}

func TestDoWithResult(t *testing.T) {
	attempts := 0
	value, err := DoWithResult(context.Background(), fastConfig(), func() (int, error) {
		attempts++
		if attempts < 2 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != 42 {
		t.Errorf("value = %d, want 42", value)
	}
}

func TestDoAppliesDefaultsToZeroConfig(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{InitialDelay: time.Millisecond}, func() error {
		attempts++
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected the last error")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, zero MaxAttempts must default to 3", attempts)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxAttempts != 3 || cfg.Multiplier != 2.0 || cfg.Logger == nil {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestAddJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		jittered := addJitter(base, 0.1)
		if jittered < 90*time.Millisecond || jittered > 110*time.Millisecond {
			t.Fatalf("jittered delay %v outside 10%% band", jittered)
		}
	}
	if addJitter(base, 0) != base {
		t.Error("zero jitter must return the base delay")
	}
}
