// Package readiness polls an HTTP health endpoint until it answers.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/smazurov/tgrelay/internal/metrics"
)

// ErrTimeout matches every *TimeoutError.
var ErrTimeout = errors.New("readiness timeout")

// TimeoutError reports that the endpoint never answered successfully.
type TimeoutError struct {
	Endpoint string
	Attempts int
	LastErr  error
}

func (e *TimeoutError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("%s not ready after %d attempts: %v", e.Endpoint, e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("%s not ready after %d attempts", e.Endpoint, e.Attempts)
}

func (e *TimeoutError) Unwrap() error {
	return e.LastErr
}

// Is makes errors.Is(err, ErrTimeout) true.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Gate polls Endpoint until a 2xx response or MaxAttempts polls.
type Gate struct {
	Client      *http.Client
	Endpoint    string
	Interval    time.Duration
	MaxAttempts int
	// PollTimeout bounds each request. Defaults to Interval, at least one second.
	PollTimeout time.Duration
	// Target labels the readiness metrics.
	Target string
	// OnAttempt observes each poll result.
	OnAttempt func(attempt int, err error)
}

// WaitUntilReady polls exactly MaxAttempts times, sleeping Interval between
// polls but not after the last one. It returns nil on the first success,
// a *TimeoutError when every poll failed, or ctx.Err() when cancelled.
func (g *Gate) WaitUntilReady(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= g.MaxAttempts; attempt++ {
		lastErr = g.poll(ctx)
		if g.Target != "" {
			metrics.IncReadinessPoll(g.Target, lastErr == nil)
		}
		if g.OnAttempt != nil {
			g.OnAttempt(attempt, lastErr)
		}
		if lastErr == nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt == g.MaxAttempts {
			break
		}

		t := time.NewTimer(g.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	return &TimeoutError{Endpoint: g.Endpoint, Attempts: max(g.MaxAttempts, 0), LastErr: lastErr}
}

func (g *Gate) poll(ctx context.Context) error {
	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}

	timeout := g.PollTimeout
	if timeout <= 0 {
		timeout = max(g.Interval, time.Second)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.Endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// WaitUntilReady is a convenience wrapper around Gate.
func WaitUntilReady(ctx context.Context, client *http.Client, endpoint string, interval time.Duration, maxAttempts int) error {
	g := &Gate{Client: client, Endpoint: endpoint, Interval: interval, MaxAttempts: maxAttempts}
	return g.WaitUntilReady(ctx)
}
