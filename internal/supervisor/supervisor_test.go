package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/tgrelay/internal/events"
	"github.com/smazurov/tgrelay/internal/process"
	"github.com/smazurov/tgrelay/internal/restart"
)

var botCmd = process.Command{Path: "python3", Args: []string{"-u", "main.py"}}

func newTestSupervisor(policy restart.Policy, opts ...Option) (*Supervisor, *fakeSpawner, *fakeClock) {
	sp := &fakeSpawner{}
	clock := newFakeClock()
	base := []Option{
		WithSpawner(sp.spawn),
		WithClock(clock),
		WithLogger(testLogger()),
		WithOutputLogger(testLogger()),
	}
	s := New("bot", botCmd, policy, append(base, opts...)...)
	return s, sp, clock
}

func crash(p *fakeProcess) {
	p.exitWith(process.ExitStatus{Code: 1})
}

func TestStartIsNoOpWhileRunning(t *testing.T) {
	s, sp, _ := newTestSupervisor(restart.Policy{MaxAttempts: 3, InitialDelay: time.Second})

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	if sp.count() != 1 {
		t.Errorf("expected 1 spawn, got %d", sp.count())
	}
	if st := s.Status(); st.State != StateRunning || st.PID != 1000 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestCrashLoopExhaustsBudget(t *testing.T) {
	s, sp, clock := newTestSupervisor(restart.Policy{MaxAttempts: 3, InitialDelay: time.Second})

	bus := events.New()
	exhausted := make(chan events.WorkerExhaustedEvent, 1)
	unsub := bus.Subscribe(func(e events.WorkerExhaustedEvent) { exhausted <- e })
	defer unsub()
	s.bus = bus

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 3; i++ {
		crash(sp.last())
		waitState(t, s, StateRestarting)

		if pending := clock.pending(); len(pending) != 1 || pending[0] != time.Second {
			t.Fatalf("attempt %d: expected one 1s restart timer, got %v", i, pending)
		}
		if !clock.fire(time.Second) {
			t.Fatal("restart timer missing")
		}
		waitState(t, s, StateRunning)
	}

	crash(sp.last())
	waitState(t, s, StateExhausted)

	if sp.count() != 4 {
		t.Errorf("expected 4 spawns, got %d", sp.count())
	}
	if pending := clock.pending(); len(pending) != 0 {
		t.Errorf("expected no timers after exhaustion, got %v", pending)
	}

	st := s.Status()
	if st.RestartsTotal != 3 || st.Attempts != 3 {
		t.Errorf("unexpected status %+v", st)
	}
	if !st.Offline() {
		t.Error("expected offline status")
	}

	select {
	case e := <-exhausted:
		if e.Worker != "bot" || e.Attempts != 3 {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Error("expected exhausted event")
	}
}

func TestDeliberateStopNeverRestarts(t *testing.T) {
	s, sp, clock := newTestSupervisor(restart.Policy{MaxAttempts: 3, InitialDelay: time.Second})

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	p := sp.last()

	if err := s.Stop(stopCtx(t)); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	s.Wait()

	if s.State() != StateStopped {
		t.Errorf("expected stopped, got %s", s.State())
	}
	if p.terminations() != 1 {
		t.Errorf("expected 1 termination, got %d", p.terminations())
	}
	if pending := clock.pending(); len(pending) != 0 {
		t.Errorf("expected no timers, got %v", pending)
	}
	if sp.count() != 1 {
		t.Errorf("expected no respawn, got %d spawns", sp.count())
	}

	st := s.Status()
	if st.LastExit == nil || !st.LastExit.Deliberate {
		t.Errorf("expected deliberate last exit, got %+v", st.LastExit)
	}
}

func TestStopIdempotent(t *testing.T) {
	s, sp, _ := newTestSupervisor(restart.Policy{MaxAttempts: 3, InitialDelay: time.Second})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Stop(stopCtx(t)); err != nil {
				t.Errorf("Stop() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if err := s.Stop(stopCtx(t)); err != nil {
		t.Errorf("Stop() after stop error = %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("expected stopped, got %s", s.State())
	}
	if sp.count() != 1 {
		t.Errorf("expected 1 spawn, got %d", sp.count())
	}
}

func TestStopBeforeStart(t *testing.T) {
	s, sp, _ := newTestSupervisor(restart.DefaultPolicy())

	if err := s.Stop(stopCtx(t)); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateStopped {
		t.Errorf("expected stopped, got %s", s.State())
	}
	if sp.attempts() != 0 {
		t.Errorf("expected no spawn, got %d", sp.attempts())
	}
}

func TestStopDuringRestartDelay(t *testing.T) {
	s, sp, clock := newTestSupervisor(restart.Policy{MaxAttempts: 3, InitialDelay: time.Second})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	crash(sp.last())
	waitState(t, s, StateRestarting)

	// Capture the armed callback before Stop cancels it.
	clock.mu.Lock()
	stale := clock.timers[len(clock.timers)-1].f
	clock.mu.Unlock()

	if err := s.Stop(stopCtx(t)); err != nil {
		t.Fatal(err)
	}
	if pending := clock.pending(); len(pending) != 0 {
		t.Errorf("expected restart timer cancelled, got %v", pending)
	}

	// A timer that already fired must still be ignored.
	stale()
	if s.State() != StateStopped {
		t.Errorf("expected stopped, got %s", s.State())
	}
	if sp.count() != 1 {
		t.Errorf("expected no respawn, got %d spawns", sp.count())
	}
}

func TestHealthyRunResetsAttempts(t *testing.T) {
	policy := restart.Policy{MaxAttempts: 2, InitialDelay: time.Second, HealthyRunThreshold: 30 * time.Second}
	s, sp, clock := newTestSupervisor(policy)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	crash(sp.last())
	waitState(t, s, StateRestarting)
	clock.fire(time.Second)
	waitState(t, s, StateRunning)

	if got := s.Status().Attempts; got != 1 {
		t.Fatalf("expected 1 attempt, got %d", got)
	}

	clock.Advance(30 * time.Second)
	if !clock.fire(30 * time.Second) {
		t.Fatal("health timer missing")
	}
	if got := s.Status().Attempts; got != 0 {
		t.Errorf("expected attempts reset, got %d", got)
	}

	// The full budget is available again.
	for range 2 {
		crash(sp.last())
		waitState(t, s, StateRestarting)
		clock.fire(time.Second)
		waitState(t, s, StateRunning)
	}
	crash(sp.last())
	waitState(t, s, StateExhausted)
}

func TestHealthTimerCancelledOnExit(t *testing.T) {
	policy := restart.Policy{MaxAttempts: 2, InitialDelay: time.Second, HealthyRunThreshold: 30 * time.Second}
	s, sp, clock := newTestSupervisor(policy)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	crash(sp.last())
	waitState(t, s, StateRestarting)

	for _, d := range clock.pending() {
		if d == 30*time.Second {
			t.Error("health timer should be cancelled after exit")
		}
	}
}

func TestSpawnFailureConsumesAttempt(t *testing.T) {
	s, sp, clock := newTestSupervisor(restart.Policy{MaxAttempts: 3, InitialDelay: time.Second})
	sp.failNext = 1

	err := s.Start()
	var spawnErr *process.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected *process.SpawnError, got %v", err)
	}
	if s.State() != StateRestarting {
		t.Fatalf("expected restarting, got %s", s.State())
	}
	if got := s.Status().Attempts; got != 1 {
		t.Errorf("expected 1 attempt, got %d", got)
	}

	clock.fire(time.Second)
	if s.State() != StateRunning {
		t.Errorf("expected running after retry, got %s", s.State())
	}

	st := s.Status()
	if st.LastExit == nil || st.LastExit.Error == "" {
		t.Errorf("expected spawn failure recorded, got %+v", st.LastExit)
	}
}

func TestSpawnFailureWithZeroBudget(t *testing.T) {
	s, sp, clock := newTestSupervisor(restart.Policy{MaxAttempts: 0, InitialDelay: time.Second})
	sp.failNext = 1

	if err := s.Start(); err == nil {
		t.Fatal("expected spawn error")
	}
	if s.State() != StateExhausted {
		t.Errorf("expected exhausted, got %s", s.State())
	}
	if pending := clock.pending(); len(pending) != 0 {
		t.Errorf("expected no timers, got %v", pending)
	}
}

func TestStartAfterExhaustedResetsBudget(t *testing.T) {
	s, sp, _ := newTestSupervisor(restart.Policy{MaxAttempts: 0, InitialDelay: time.Second})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	crash(sp.last())
	waitState(t, s, StateExhausted)

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateRunning {
		t.Errorf("expected running, got %s", s.State())
	}
	if got := s.Status().Attempts; got != 0 {
		t.Errorf("expected attempts reset, got %d", got)
	}
}

func TestManualStartDuringRestartDelay(t *testing.T) {
	s, sp, clock := newTestSupervisor(restart.Policy{MaxAttempts: 3, InitialDelay: time.Second})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	crash(sp.last())
	waitState(t, s, StateRestarting)

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if pending := clock.pending(); len(pending) != 0 {
		t.Errorf("expected restart timer cancelled, got %v", pending)
	}
	if sp.count() != 2 {
		t.Errorf("expected 2 spawns, got %d", sp.count())
	}
}

func TestRestartWithNewCommand(t *testing.T) {
	s, sp, _ := newTestSupervisor(restart.Policy{MaxAttempts: 3, InitialDelay: time.Second})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	first := sp.last()

	next := process.Command{Path: "uv", Args: []string{"run", "python", "-u", "main.py"}}
	if err := s.Restart(stopCtx(t), next); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}

	if first.terminations() != 1 {
		t.Errorf("expected old instance terminated once, got %d", first.terminations())
	}
	if sp.count() != 2 {
		t.Fatalf("expected 2 spawns, got %d", sp.count())
	}
	if !sp.commands[1].Equal(next) {
		t.Errorf("expected new command, got %+v", sp.commands[1])
	}
	if s.State() != StateRunning {
		t.Errorf("expected running, got %s", s.State())
	}
}

func TestStopRespectsContext(t *testing.T) {
	s, _, _ := newTestSupervisor(restart.DefaultPolicy(), WithSpawner(func(process.Command, process.Options) (process.Process, error) {
		return &stuckProcess{fakeProcess: newFakeProcess(1)}, nil
	}))
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

// stuckProcess ignores termination.
type stuckProcess struct {
	*fakeProcess
}

func (p *stuckProcess) Terminate(_ os.Signal, _ time.Duration) error {
	return nil
}

func TestOutputLinesLogged(t *testing.T) {
	h := &captureHandler{}
	s, sp, _ := newTestSupervisor(restart.DefaultPolicy(),
		WithOutputLogger(slog.New(h)),
		WithLogParser(func(line string) (string, string) {
			if line == "boom" {
				return "error", "boom!"
			}
			return "info", line
		}),
	)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	p := sp.last()
	p.lines <- process.Line{Stream: process.StreamStdout, Text: "hello"}
	p.lines <- process.Line{Stream: process.StreamStderr, Text: "boom"}
	crash(p)
	if err := s.Stop(stopCtx(t)); err != nil {
		t.Fatal(err)
	}
	s.Wait()

	records := h.snapshot()
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[1].Level != slog.LevelError || records[1].Message != "boom!" {
		t.Errorf("unexpected record %+v", records[1])
	}
}

type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func (h *captureHandler) snapshot() []slog.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]slog.Record(nil), h.records...)
}

func TestRealProcessCrashLoop(t *testing.T) {
	s := New("crasher", process.Command{Path: "sh", Args: []string{"-c", "echo starting; exit 3"}},
		restart.Policy{MaxAttempts: 2, InitialDelay: 10 * time.Millisecond},
		WithLogger(testLogger()),
		WithOutputLogger(testLogger()),
	)

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	waitState(t, s, StateExhausted)
	s.Wait()

	st := s.Status()
	if st.RestartsTotal != 2 {
		t.Errorf("expected 2 restarts, got %d", st.RestartsTotal)
	}
	if st.LastExit == nil || st.LastExit.Code != 3 {
		t.Errorf("expected last exit code 3, got %+v", st.LastExit)
	}
}

func TestRealProcessStop(t *testing.T) {
	s := New("sleeper", process.Command{Path: "sh", Args: []string{"-c", "trap 'exit 0' TERM; while :; do sleep 0.1; done"}},
		restart.Policy{MaxAttempts: 2, InitialDelay: 10 * time.Millisecond},
		WithLogger(testLogger()),
		WithOutputLogger(testLogger()),
		WithGracePeriod(time.Second),
	)

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := s.Stop(stopCtx(t)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	if s.State() != StateStopped {
		t.Errorf("expected stopped, got %s", s.State())
	}
	if st := s.Status(); st.RestartsTotal != 0 || st.PID != 0 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestSetCommandAppliesOnNextSpawn(t *testing.T) {
	s, sp, _ := newTestSupervisor(restart.Policy{MaxAttempts: 3, InitialDelay: time.Second})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	next := process.Command{Path: "python3", Args: []string{"-u", "other.py"}}
	s.SetCommand(next)
	if sp.count() != 1 {
		t.Fatalf("SetCommand must not respawn, got %d spawns", sp.count())
	}
	if !s.Command().Equal(next) {
		t.Errorf("Command() = %s, want %s", s.Command(), next)
	}

	if err := s.Stop(stopCtx(t)); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	sp.mu.Lock()
	got := sp.commands[len(sp.commands)-1]
	sp.mu.Unlock()
	if !got.Equal(next) {
		t.Errorf("spawned %s, want %s", got, next)
	}
}
