// Package restart decides whether and when a crashed worker is relaunched.
//
// A Scheduler holds only counters. It starts no goroutines and owns no
// timers; the caller arms a timer for Decision.Delay and serializes calls.
package restart

import (
	"math"
	"time"
)

// Policy bounds how often a worker may be relaunched.
type Policy struct {
	// MaxAttempts is the number of consecutive unexpected exits tolerated.
	MaxAttempts int `json:"max_attempts"`
	// InitialDelay is the wait before the first restart.
	InitialDelay time.Duration `json:"initial_delay"`
	// Multiplier grows the delay per attempt. Values <= 1 keep the delay flat.
	Multiplier float64 `json:"multiplier,omitempty"`
	// MaxDelay caps the grown delay. Zero means no cap.
	MaxDelay time.Duration `json:"max_delay,omitempty"`
	// HealthyRunThreshold is how long a run must last before the attempt count resets.
	HealthyRunThreshold time.Duration `json:"healthy_run_threshold"`
}

// DefaultPolicy is a flat 5s delay with a budget of 5 restarts.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:         5,
		InitialDelay:        5 * time.Second,
		Multiplier:          1,
		HealthyRunThreshold: 60 * time.Second,
	}
}

// Decision is the outcome of an exit.
type Decision struct {
	Restart bool
	Delay   time.Duration
	Attempt int
}

// GiveUp reports whether no restart should be scheduled.
func (d Decision) GiveUp() bool {
	return !d.Restart
}

// Scheduler tracks consecutive unexpected exits against a Policy.
// It is not safe for concurrent use.
type Scheduler struct {
	policy    Policy
	attempts  int
	exhausted bool
}

// NewScheduler returns a Scheduler with zero attempts.
func NewScheduler(policy Policy) *Scheduler {
	if policy.MaxAttempts < 0 {
		policy.MaxAttempts = 0
	}
	if policy.InitialDelay < 0 {
		policy.InitialDelay = 0
	}
	return &Scheduler{policy: policy}
}

// Policy returns the policy in effect.
func (s *Scheduler) Policy() Policy {
	return s.policy
}

// OnExit records an exit and decides whether to restart.
// A deliberate exit never restarts and does not consume an attempt.
func (s *Scheduler) OnExit(deliberate bool) Decision {
	if deliberate || s.exhausted {
		return Decision{Attempt: s.attempts}
	}

	s.attempts++
	if s.attempts > s.policy.MaxAttempts {
		s.attempts = s.policy.MaxAttempts
		s.exhausted = true
		return Decision{Attempt: s.attempts}
	}

	return Decision{
		Restart: true,
		Delay:   s.delay(s.attempts),
		Attempt: s.attempts,
	}
}

// OnHealthySince resets the attempt count once a run has lasted long enough.
// Exhaustion is only cleared by Reset.
func (s *Scheduler) OnHealthySince(uptime time.Duration) bool {
	if s.exhausted || uptime < s.policy.HealthyRunThreshold {
		return false
	}
	reset := s.attempts > 0
	s.attempts = 0
	return reset
}

// Reset clears attempts and exhaustion.
func (s *Scheduler) Reset() {
	s.attempts = 0
	s.exhausted = false
}

// Attempts returns the consecutive unexpected exits counted so far.
func (s *Scheduler) Attempts() int {
	return s.attempts
}

// Exhausted reports whether the budget has been spent.
func (s *Scheduler) Exhausted() bool {
	return s.exhausted
}

func (s *Scheduler) delay(attempt int) time.Duration {
	base := s.policy.InitialDelay
	if s.policy.Multiplier <= 1 || attempt <= 1 {
		return base
	}

	d := float64(base) * math.Pow(s.policy.Multiplier, float64(attempt-1))
	if s.policy.MaxDelay > 0 && d > float64(s.policy.MaxDelay) {
		return s.policy.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
