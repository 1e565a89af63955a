// Package supervisor keeps one long-running worker process alive.
//
// A Supervisor launches a process.Command, relaunches it after unexpected
// exits according to a restart.Policy, and never relaunches after Stop.
// At most one child exists at any time: a new instance is only spawned
// after the previous one has been observed to exit.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/smazurov/tgrelay/internal/events"
	"github.com/smazurov/tgrelay/internal/logging"
	"github.com/smazurov/tgrelay/internal/metrics"
	"github.com/smazurov/tgrelay/internal/process"
	"github.com/smazurov/tgrelay/internal/restart"
)

// ErrBusy is returned by Start while a previous instance is still terminating.
var ErrBusy = errors.New("previous instance is still terminating")

// LogParser extracts a level and message from one output line.
type LogParser func(line string) (level, msg string)

// Supervisor manages the lifecycle of one named worker.
type Supervisor struct {
	name string

	mu            sync.Mutex
	cmd           process.Command
	state         State
	sched         *restart.Scheduler
	proc          process.Process
	gen           uint64
	startedAt     time.Time
	lastExit      *ExitInfo
	restartsTotal int
	deliberate    bool
	restartTimer  Timer
	healthTimer   Timer

	spawn        process.Spawner
	clock        Clock
	logger       logging.Logger
	outputLogger *slog.Logger
	parser       LogParser
	bus          *events.Bus
	grace        time.Duration
	lineBuffer   int

	wg sync.WaitGroup
}

// New creates a Supervisor in the idle state. Nothing is spawned until Start.
func New(name string, cmd process.Command, policy restart.Policy, opts ...Option) *Supervisor {
	s := &Supervisor{
		name:  name,
		cmd:   cmd,
		state: StateIdle,
		sched: restart.NewScheduler(policy),
		spawn: process.DefaultSpawner,
		clock: realClock{},
		grace: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.GetLogger("supervisor").With("worker", name)
	}
	if s.outputLogger == nil {
		s.outputLogger = logging.GetLogger(name + "-output")
	}
	metrics.SetWorkerState(name, string(StateIdle))
	return s
}

// Name returns the worker name.
func (s *Supervisor) Name() string {
	return s.name
}

// Start launches the worker. It is a no-op while starting or running.
// Starting from exhausted or stopped resets the restart budget.
// A spawn failure is returned and also handed to the restart policy.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateStarting, StateRunning:
		return nil
	case StateRestarting:
		stopTimer(s.restartTimer)
		s.restartTimer = nil
	case StateExhausted, StateStopped:
		if s.proc != nil {
			return ErrBusy
		}
		s.sched.Reset()
	}

	s.deliberate = false
	return s.spawnLocked()
}

// Stop terminates the worker and cancels any pending restart. The eventual
// exit is treated as deliberate. Safe to call repeatedly and concurrently.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.deliberate = true
	stopTimer(s.restartTimer)
	stopTimer(s.healthTimer)
	s.restartTimer = nil
	s.healthTimer = nil
	if s.state != StateStopped {
		s.setStateLocked(StateStopped)
	}
	p := s.proc
	s.mu.Unlock()

	if p == nil {
		return nil
	}

	s.logger.Info("Stopping worker", "pid", p.PID())
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Terminate(syscall.SIGTERM, s.grace)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("stop %s: %w", s.name, err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.waitReleased(ctx)
}

// Restart stops the worker, swaps in cmd, resets the restart budget and starts again.
func (s *Supervisor) Restart(ctx context.Context, cmd process.Command) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	s.logger.Info("Restarting worker", "command", cmd.String())
	return s.Start()
}

// SetCommand replaces the command used for the next spawn without touching
// the running instance.
func (s *Supervisor) SetCommand(cmd process.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmd = cmd
}

// Command returns the command used for the next spawn.
func (s *Supervisor) Command() process.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd
}

// Running reports whether the worker is alive or about to be (re)spawned.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateStarting, StateRunning, StateRestarting:
		return true
	}
	return false
}

// State returns the current supervisor state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot for reporting.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Name:          s.name,
		State:         s.state,
		Attempts:      s.sched.Attempts(),
		MaxAttempts:   s.sched.Policy().MaxAttempts,
		RestartsTotal: s.restartsTotal,
		Command:       s.cmd.String(),
	}
	if s.proc != nil {
		st.PID = s.proc.PID()
		st.StartedAt = s.startedAt
	}
	if s.lastExit != nil {
		exit := *s.lastExit
		st.LastExit = &exit
	}
	return st
}

// Wait blocks until all goroutines started for past instances have finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// waitReleased waits until the previous instance's exit has been processed.
func (s *Supervisor) waitReleased(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		released := s.proc == nil
		s.mu.Unlock()
		if released {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) spawnLocked() error {
	s.setStateLocked(StateStarting)
	s.gen++
	gen := s.gen

	p, err := s.spawn(s.cmd, process.Options{
		LineBuffer: s.lineBuffer,
		Logger:     s.logger,
	})
	if err != nil {
		s.logger.Error("Failed to spawn worker", "error", err, "command", s.cmd.String())
		metrics.IncWorkerSpawnFailures(s.name)
		s.handleExitLocked(gen, ExitInfo{Code: -1, Error: err.Error(), At: s.clock.Now()}, 0)
		return err
	}

	s.proc = p
	s.startedAt = s.clock.Now()
	s.setStateLocked(StateRunning)
	metrics.SetWorkerStartTime(s.name, float64(s.startedAt.Unix()))

	if threshold := s.sched.Policy().HealthyRunThreshold; threshold > 0 {
		s.healthTimer = s.clock.AfterFunc(threshold, func() { s.onHealthy(gen) })
	}

	s.wg.Add(2)
	go s.pumpOutput(p)
	go s.watch(gen, p)
	return nil
}

// watch waits for one instance to exit and feeds the result to the policy.
func (s *Supervisor) watch(gen uint64, p process.Process) {
	defer s.wg.Done()
	<-p.Done()
	status := p.Exit()

	metrics.AddWorkerDroppedLines(s.name, p.Dropped())

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}

	info := ExitInfo{Code: status.Code, Signal: status.Signal, At: s.clock.Now()}
	uptime := info.At.Sub(s.startedAt)
	s.handleExitLocked(gen, info, uptime)
}

// handleExitLocked consults the restart policy after an exit or failed spawn.
func (s *Supervisor) handleExitLocked(gen uint64, info ExitInfo, uptime time.Duration) {
	s.proc = nil
	stopTimer(s.healthTimer)
	s.healthTimer = nil

	deliberate := s.deliberate || s.state == StateStopped
	info.Deliberate = deliberate
	s.lastExit = &info

	metrics.IncWorkerExits(s.name, deliberate)
	s.bus.Publish(events.WorkerExitedEvent{
		Worker:     s.name,
		ExitCode:   info.Code,
		Signal:     info.Signal,
		Deliberate: deliberate,
		Uptime:     uptime.Round(time.Millisecond).String(),
		Timestamp:  info.At.Format(time.RFC3339),
	})

	d := s.sched.OnExit(deliberate)
	if deliberate {
		s.logger.Info("Worker stopped", "exit", info.String())
		if s.state != StateStopped {
			s.setStateLocked(StateStopped)
		}
		return
	}

	if !d.Restart {
		s.logger.Error("Worker restart budget exhausted, giving up",
			"severity", "fatal", "attempts", d.Attempt, "exit", info.String())
		s.setStateLocked(StateExhausted)
		s.bus.Publish(events.WorkerExhaustedEvent{
			Worker:    s.name,
			Attempts:  d.Attempt,
			LastExit:  info.String(),
			Timestamp: info.At.Format(time.RFC3339),
		})
		return
	}

	s.logger.Warn("Worker exited unexpectedly, scheduling restart",
		"exit", info.String(), "uptime", uptime, "attempt", d.Attempt, "delay", d.Delay)
	s.setStateLocked(StateRestarting)
	s.restartTimer = s.clock.AfterFunc(d.Delay, func() { s.onRestartTimer(gen) })
}

// onRestartTimer fires the scheduled relaunch unless it went stale.
func (s *Supervisor) onRestartTimer(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != StateRestarting {
		return
	}
	s.restartTimer = nil
	s.restartsTotal++
	metrics.IncWorkerRestarts(s.name)
	s.logger.Info("Restarting worker", "attempt", s.sched.Attempts())
	_ = s.spawnLocked()
}

// onHealthy resets the attempt count once an instance has run long enough.
func (s *Supervisor) onHealthy(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != StateRunning {
		return
	}
	if s.sched.OnHealthySince(s.clock.Now().Sub(s.startedAt)) {
		s.logger.Info("Worker healthy, restart budget reset")
	}
}

func (s *Supervisor) pumpOutput(p process.Process) {
	defer s.wg.Done()
	for line := range p.Lines() {
		level, msg := "info", line.Text
		if s.parser != nil {
			level, msg = s.parser(line.Text)
		}

		switch level {
		case "fatal":
			s.outputLogger.Error(msg, "stream", line.Stream, "severity", "fatal")
		case "error":
			s.outputLogger.Error(msg, "stream", line.Stream)
		case "warning":
			s.outputLogger.Warn(msg, "stream", line.Stream)
		case "debug", "trace":
			s.outputLogger.Debug(msg, "stream", line.Stream)
		default:
			s.outputLogger.Info(msg, "stream", line.Stream)
		}
	}
}

func (s *Supervisor) setStateLocked(state State) {
	prev := s.state
	s.state = state
	metrics.SetWorkerState(s.name, string(state))

	pid := 0
	if s.proc != nil {
		pid = s.proc.PID()
	}
	s.logger.Debug("Worker state changed", "from", prev, "to", state)
	s.bus.Publish(events.WorkerStateChangedEvent{
		Worker:        s.name,
		State:         string(state),
		PreviousState: string(prev),
		PID:           pid,
		Attempt:       s.sched.Attempts(),
		Timestamp:     s.clock.Now().Format(time.RFC3339),
	})
}

func stopTimer(t Timer) {
	if t != nil {
		t.Stop()
	}
}
