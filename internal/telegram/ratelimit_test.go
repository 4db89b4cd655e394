package telegram

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxRequests:       5,
		Window:            300 * time.Millisecond,
		MinDelay:          time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 1.5,
	}
}

func TestRateLimiterWindowInvariant(t *testing.T) {
	rl := NewRateLimiter(testConfig())
	ctx := context.Background()

	// more acquisitions than the window allows
	for i := 0; i < 8; i++ {
		if err := rl.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		used, max := rl.Usage()
		if used > max {
			t.Fatalf("window overflow: %d > %d", used, max)
		}
	}
}

func TestRateLimiterBlocksWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRequests = 2
	rl := NewRateLimiter(cfg)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := rl.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	// third acquire had to wait for the first slot to leave the window
	if elapsed := time.Since(start); elapsed < cfg.Window/2 {
		t.Errorf("expected third acquire to block, elapsed %v", elapsed)
	}
}

func TestRateLimiterCooldownClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want time.Duration
	}{
		{"flood", errors.New("rpc error code 420: FLOOD_WAIT_10"), 5 * time.Minute},
		{"too many requests", errors.New("too many requests"), 5 * time.Minute},
		{"timeout", errors.New("context deadline exceeded"), 30 * time.Second},
		{"generic", errors.New("internal server error"), 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyCooldown(tt.err); got != tt.want {
				t.Errorf("classifyCooldown(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRateLimiterReportErrorBlocksAcquire(t *testing.T) {
	rl := NewRateLimiter(testConfig())
	rl.ReportError(errors.New("timeout"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := rl.Acquire(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected acquire to block during cooldown, got %v", err)
	}
}

func TestRateLimiterReset(t *testing.T) {
	rl := NewRateLimiter(testConfig())
	rl.ReportError(errors.New("flood"))
	rl.Reset()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := rl.Acquire(ctx); err != nil {
		t.Fatalf("acquire after reset: %v", err)
	}
	used, _ := rl.Usage()
	if used != 1 {
		t.Errorf("expected 1 request after reset+acquire, got %d", used)
	}
}

func TestRateLimiterSetCooldownKeepsLonger(t *testing.T) {
	rl := NewRateLimiter(testConfig())
	rl.SetCooldown(time.Hour)
	rl.SetCooldown(time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := rl.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("shorter cooldown must not override a longer one, got %v", err)
	}
}

func TestCheckFloodWait(t *testing.T) {
	if got := checkFloodWait(errors.New("rpc error: code 420: FLOOD_WAIT_15 (caused by request)")); got != 15 {
		t.Errorf("want 15, got %d", got)
	}
	if got := checkFloodWait(errors.New("some other error")); got != 0 {
		t.Errorf("want 0, got %d", got)
	}
	if got := checkFloodWait(nil); got != 0 {
		t.Errorf("want 0 for nil, got %d", got)
	}
}
