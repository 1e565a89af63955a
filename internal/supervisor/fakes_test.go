package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/tgrelay/internal/process"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProcess is a controllable process.Process.
type fakeProcess struct {
	pid   int
	done  chan struct{}
	lines chan process.Line
	once  sync.Once

	mu         sync.Mutex
	exit       process.ExitStatus
	terminated int
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{
		pid:   pid,
		done:  make(chan struct{}),
		lines: make(chan process.Line, 16),
	}
}

func (f *fakeProcess) exitWith(status process.ExitStatus) {
	f.once.Do(func() {
		f.mu.Lock()
		f.exit = status
		f.mu.Unlock()
		close(f.lines)
		close(f.done)
	})
}

func (f *fakeProcess) PID() int {
	select {
	case <-f.done:
		return 0
	default:
		return f.pid
	}
}

func (f *fakeProcess) Done() <-chan struct{}      { return f.done }
func (f *fakeProcess) Lines() <-chan process.Line { return f.lines }
func (f *fakeProcess) Dropped() uint64            { return 0 }

func (f *fakeProcess) Exit() process.ExitStatus {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exit
}

func (f *fakeProcess) Terminate(_ os.Signal, _ time.Duration) error {
	f.mu.Lock()
	f.terminated++
	f.mu.Unlock()
	f.exitWith(process.ExitStatus{Code: 143, Signal: "terminated"})
	return nil
}

func (f *fakeProcess) terminations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}

// fakeSpawner hands out fakeProcesses and records every launch.
type fakeSpawner struct {
	mu       sync.Mutex
	procs    []*fakeProcess
	commands []process.Command
	failNext int
}

var errSpawnRefused = errors.New("permission denied")

func (s *fakeSpawner) spawn(cmd process.Command, _ process.Options) (process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
	if s.failNext > 0 {
		s.failNext--
		return nil, &process.SpawnError{Path: cmd.Path, Err: errSpawnRefused}
	}
	p := newFakeProcess(1000 + len(s.procs))
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *fakeSpawner) attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commands)
}

func (s *fakeSpawner) last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

// fakeClock records timers and fires them on demand.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 27, 10, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// pending returns the durations of timers that are still armed.
func (c *fakeClock) pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.d)
		}
	}
	return out
}

// fire runs the oldest armed timer with duration d. Returns false if none.
func (c *fakeClock) fire(d time.Duration) bool {
	c.mu.Lock()
	var target *fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.d == d {
			target = t
			break
		}
	}
	if target != nil {
		target.fired = true
	}
	c.mu.Unlock()

	if target == nil {
		return false
	}
	target.f()
	return true
}

func waitState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for state %s, got %s", want, s.State())
}

func stopCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}
