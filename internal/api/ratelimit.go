package api

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PhoneRateLimiter limits login calls per phone number.
type PhoneRateLimiter struct {
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewPhoneRateLimiter allows burst calls per phone, refilling one per window.
// A zero window selects one minute.
func NewPhoneRateLimiter(burst int, window time.Duration) *PhoneRateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &PhoneRateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Every(window),
		burst:    burst,
		idle:     time.Hour,
		now:      time.Now,
	}
}

// Allow reports whether a call for phone may proceed now.
func (rl *PhoneRateLimiter) Allow(phone string) bool {
	now := rl.now()
	rl.mu.Lock()
	entry, ok := rl.limiters[phone]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[phone] = entry
	}
	entry.lastAccess = now
	limiter := entry.limiter
	rl.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// Len returns the number of phones being tracked.
func (rl *PhoneRateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *PhoneRateLimiter) cleanup() {
	threshold := rl.now().Add(-rl.idle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for phone, entry := range rl.limiters {
		if entry.lastAccess.Before(threshold) {
			delete(rl.limiters, phone)
		}
	}
}

// Serve drops idle limiters every few minutes until ctx is done.
// It implements suture.Service.
func (rl *PhoneRateLimiter) Serve(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *PhoneRateLimiter) String() string {
	return "login-rate-limiter"
}
