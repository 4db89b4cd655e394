package telegram

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/carscout/carscout/internal/logger"
)

// RateLimiterConfig tunes the adaptive limiter.
type RateLimiterConfig struct {
	MaxRequests       int           // requests allowed per window
	Window            time.Duration // sliding window size
	MinDelay          time.Duration // delay floor between requests
	MaxDelay          time.Duration // delay ceiling between requests
	BackoffMultiplier float64       // delay growth factor as the window fills
}

// DefaultRateLimiterConfig returns the limits tuned for telegram api calls.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxRequests:       20,
		Window:            60 * time.Second,
		MinDelay:          1 * time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 1.5,
	}
}

// error cooldowns applied by ReportError
const (
	floodCooldown   = 5 * time.Minute
	timeoutCooldown = 30 * time.Second
	defaultCooldown = 60 * time.Second
)

// RateLimiter is an adaptive sliding-window limiter for outgoing api calls.
// The delay between requests grows as the window fills and shrinks back
// when traffic is light. Server-side errors push the limiter into a
// cooldown during which all acquisitions block.
type RateLimiter struct {
	cfg RateLimiterConfig
	log *logger.Logger

	mu            sync.Mutex
	requests      []time.Time
	currentDelay  time.Duration
	cooldownUntil time.Time

	now func() time.Time
}

// NewRateLimiter creates a limiter with the given config.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	return &RateLimiter{
		cfg:          cfg,
		log:          logger.Get().Component("ratelimit"),
		currentDelay: cfg.MinDelay,
		now:          time.Now,
	}
}

// Acquire blocks until a request slot is available, then reserves it.
// It returns early only when ctx is canceled. The wait is unbounded by
// design: callers queue up behind cooldowns and full windows.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := r.now()

		if wait := r.cooldownUntil.Sub(now); wait > 0 {
			r.mu.Unlock()
			r.log.Debug().Dur("wait", wait).Msg("in cooldown, waiting")
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			continue
		}

		r.prune(now)

		if len(r.requests) >= r.cfg.MaxRequests {
			// wait until the oldest request leaves the window
			wait := r.requests[0].Add(r.cfg.Window).Sub(now)
			r.mu.Unlock()
			r.log.Debug().Dur("wait", wait).Msg("window full, waiting")
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			continue
		}

		var delay time.Duration
		if len(r.requests) > 0 {
			r.adapt()
			delay = jitter(r.currentDelay)
		}
		r.requests = append(r.requests, now)
		r.mu.Unlock()

		if delay > 0 {
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
		}
		return nil
	}
}

// adapt recalculates the pacing delay from window utilization.
// Caller must hold r.mu.
func (r *RateLimiter) adapt() {
	usage := float64(len(r.requests)) / float64(r.cfg.MaxRequests)
	switch {
	case usage > 0.8:
		r.currentDelay = time.Duration(float64(r.currentDelay) * r.cfg.BackoffMultiplier)
		if r.currentDelay > r.cfg.MaxDelay {
			r.currentDelay = r.cfg.MaxDelay
		}
	case usage < 0.5:
		r.currentDelay = time.Duration(float64(r.currentDelay) / r.cfg.BackoffMultiplier)
		if r.currentDelay < r.cfg.MinDelay {
			r.currentDelay = r.cfg.MinDelay
		}
	}
}

// prune drops requests that left the window. Caller must hold r.mu.
func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.cfg.Window)
	i := 0
	for i < len(r.requests) && !r.requests[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.requests = append(r.requests[:0], r.requests[i:]...)
	}
}

// ReportError classifies an api error and puts the limiter into cooldown.
// The pacing delay is also pushed to its maximum so traffic resumes slowly.
func (r *RateLimiter) ReportError(err error) {
	if err == nil {
		return
	}
	cooldown := classifyCooldown(err)

	r.mu.Lock()
	r.cooldownUntil = r.now().Add(cooldown)
	r.currentDelay = r.cfg.MaxDelay
	r.mu.Unlock()

	r.log.Warn().Err(err).Dur("cooldown", cooldown).Msg("api error, entering cooldown")
}

func classifyCooldown(err error) time.Duration {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "flood"), strings.Contains(msg, "too many requests"):
		return floodCooldown
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return timeoutCooldown
	default:
		return defaultCooldown
	}
}

// SetCooldown forces a cooldown of the given length, used when the server
// names an exact wait (FLOOD_WAIT_N).
func (r *RateLimiter) SetCooldown(d time.Duration) {
	r.mu.Lock()
	until := r.now().Add(d)
	if until.After(r.cooldownUntil) {
		r.cooldownUntil = until
	}
	r.currentDelay = r.cfg.MaxDelay
	r.mu.Unlock()

	r.log.Warn().Dur("cooldown", d).Msg("server requested cooldown")
}

// Reset clears the window, the cooldown and the adaptive delay.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	r.requests = r.requests[:0]
	r.currentDelay = r.cfg.MinDelay
	r.cooldownUntil = time.Time{}
	r.mu.Unlock()

	r.log.Info().Msg("rate limiter reset")
}

// Usage returns the current window occupancy and its capacity.
func (r *RateLimiter) Usage() (used, max int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(r.now())
	return len(r.requests), r.cfg.MaxRequests
}

// jitter spreads d by +-20% so concurrent workers do not sync up.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * f)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
