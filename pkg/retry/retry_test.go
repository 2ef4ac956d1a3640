package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, fastConfig(5))

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	want := errors.New("still failing")
	err := Do(context.Background(), func() error {
		calls++
		return want
	}, fastConfig(3))

	if !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return Permanent(errors.New("unknown symbol"))
	}, fastConfig(5))

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	var perm *PermanentError
	if !errors.As(err, &perm) {
		t.Errorf("expected PermanentError, got %T", err)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, func() error {
		calls++
		return nil
	}, fastConfig(3))

	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("operation must not run on cancelled context, calls = %d", calls)
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	v, err := DoWithResult(context.Background(), func() (float64, error) {
		calls++
		if calls == 1 {
			return 0, Temporary(errors.New("timeout"))
		}
		return 101.5, nil
	}, fastConfig(3))

	if err != nil || v != 101.5 {
		t.Errorf("got (%v, %v), want (101.5, nil)", v, err)
	}
}

func TestOnRetryCallback(t *testing.T) {
	var attempts []int
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}

	_ = Do(context.Background(), func() error { return errors.New("x") }, cfg)

	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", attempts)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("x"), true},
		{"permanent", Permanent(errors.New("x")), false},
		{"temporary", Temporary(errors.New("x")), true},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDelayBounded(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}
	cfg.normalize()

	if d := cfg.delay(0); d != 100*time.Millisecond {
		t.Errorf("delay(0) = %v", d)
	}
	if d := cfg.delay(5); d != 300*time.Millisecond {
		t.Errorf("delay(5) = %v, want capped 300ms", d)
	}
}

func TestPermanentTemporaryNil(t *testing.T) {
	if Permanent(nil) != nil || Temporary(nil) != nil {
		t.Error("wrapping nil must return nil")
	}
}
