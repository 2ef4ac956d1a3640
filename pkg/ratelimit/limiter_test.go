package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiter_Burst(t *testing.T) {
	rl := NewRateLimiter(1, 3)

	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("request %d should be allowed within burst", i+1)
		}
	}
	if rl.Allow() {
		t.Error("fourth request should be rejected")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	if rl.rate != 10 || rl.burst != 20 {
		t.Errorf("defaults = (%v, %v), want (10, 20)", rl.rate, rl.burst)
	}
}

func TestRateLimiter_WaitRefills(t *testing.T) {
	rl := NewRateLimiter(100, 100)
	rl.WaitN(context.Background(), 100)

	start := time.Now()
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Wait took too long for a 100/s limiter")
	}
}

func TestRateLimiter_WaitCancelled(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	rl.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestRateLimiter_WeightAboveBurst(t *testing.T) {
	rl := NewRateLimiter(10, 20)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := rl.WaitN(ctx, 50); err != nil {
		t.Errorf("heavy request must be capped to burst, got %v", err)
	}
}

func TestMultiLimiter(t *testing.T) {
	ml := NewMultiLimiter()
	ml.Add(CategoryOrders, 1, 1)

	if ml.Get(CategoryOrders) == nil {
		t.Fatal("orders limiter missing")
	}
	if ml.Get(CategoryMarket) != nil {
		t.Error("market limiter must be absent")
	}

	ctx := context.Background()
	if err := ml.Wait(ctx, CategoryMarket); err != nil {
		t.Errorf("unlimited category must not block: %v", err)
	}
	if err := ml.Wait(ctx, CategoryOrders); err != nil {
		t.Errorf("first order must pass: %v", err)
	}
}
