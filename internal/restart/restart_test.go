package restart

import (
	"testing"
	"time"
)

func TestFlatDelayUntilExhausted(t *testing.T) {
	s := NewScheduler(Policy{MaxAttempts: 3, InitialDelay: time.Second})

	for i := 1; i <= 3; i++ {
		d := s.OnExit(false)
		if !d.Restart {
			t.Fatalf("attempt %d: expected restart", i)
		}
		if d.Delay != time.Second {
			t.Errorf("attempt %d: expected delay 1s, got %v", i, d.Delay)
		}
		if d.Attempt != i {
			t.Errorf("expected attempt %d, got %d", i, d.Attempt)
		}
	}

	d := s.OnExit(false)
	if !d.GiveUp() {
		t.Fatal("expected give up after 3 attempts")
	}
	if !s.Exhausted() {
		t.Error("expected exhausted")
	}
	if s.Attempts() != 3 {
		t.Errorf("expected attempts clamped to 3, got %d", s.Attempts())
	}

	// Stays exhausted until Reset
	if d := s.OnExit(false); d.Restart {
		t.Error("expected no restart while exhausted")
	}
}

func TestDeliberateExitNeverRestarts(t *testing.T) {
	s := NewScheduler(Policy{MaxAttempts: 3, InitialDelay: time.Second})
	s.OnExit(false)

	d := s.OnExit(true)
	if d.Restart {
		t.Error("deliberate exit must not restart")
	}
	if s.Attempts() != 1 {
		t.Errorf("deliberate exit must not consume an attempt, got %d", s.Attempts())
	}
	if s.Exhausted() {
		t.Error("deliberate exit must not exhaust")
	}
}

func TestZeroMaxAttempts(t *testing.T) {
	s := NewScheduler(Policy{MaxAttempts: 0, InitialDelay: time.Second})

	if d := s.OnExit(false); d.Restart {
		t.Error("expected immediate give up")
	}
	if !s.Exhausted() {
		t.Error("expected exhausted")
	}
	if s.Attempts() != 0 {
		t.Errorf("expected 0 attempts, got %d", s.Attempts())
	}
}

func TestHealthyRunResetsAttempts(t *testing.T) {
	s := NewScheduler(Policy{MaxAttempts: 3, InitialDelay: time.Second, HealthyRunThreshold: 30 * time.Second})
	s.OnExit(false)
	s.OnExit(false)

	if s.OnHealthySince(10 * time.Second) {
		t.Error("short run must not reset")
	}
	if s.Attempts() != 2 {
		t.Errorf("expected 2 attempts, got %d", s.Attempts())
	}

	if !s.OnHealthySince(30 * time.Second) {
		t.Error("expected reset at threshold")
	}
	if s.Attempts() != 0 {
		t.Errorf("expected 0 attempts, got %d", s.Attempts())
	}

	// Full budget available again
	for i := 1; i <= 3; i++ {
		if d := s.OnExit(false); !d.Restart || d.Attempt != i {
			t.Fatalf("attempt %d: unexpected decision %+v", i, d)
		}
	}
}

func TestHealthyRunDoesNotClearExhaustion(t *testing.T) {
	s := NewScheduler(Policy{MaxAttempts: 1, HealthyRunThreshold: time.Second})
	s.OnExit(false)
	s.OnExit(false)

	s.OnHealthySince(time.Hour)
	if !s.Exhausted() {
		t.Error("exhaustion must survive health reset")
	}

	s.Reset()
	if s.Exhausted() || s.Attempts() != 0 {
		t.Error("Reset must clear exhaustion and attempts")
	}
}

func TestExponentialBackoff(t *testing.T) {
	s := NewScheduler(Policy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     5 * time.Second,
	})

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if d := s.OnExit(false); d.Delay != w {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w, d.Delay)
		}
	}
}

func TestAttemptsNeverExceedMax(t *testing.T) {
	s := NewScheduler(Policy{MaxAttempts: 2})
	for range 10 {
		s.OnExit(false)
		if s.Attempts() > 2 {
			t.Fatalf("attempts %d exceeded max", s.Attempts())
		}
	}
}
