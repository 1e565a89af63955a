// Package authsvc runs the userbot authentication service and proxies login calls to it.
//
// The Manager owns the service process and a readiness flag. RPCs are only
// forwarded once the service has answered its health endpoint; before that,
// and after any exit, calls fail fast with ErrServiceUnavailable.
package authsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/smazurov/tgrelay/internal/events"
	"github.com/smazurov/tgrelay/internal/logging"
	"github.com/smazurov/tgrelay/internal/metrics"
	"github.com/smazurov/tgrelay/internal/process"
	"github.com/smazurov/tgrelay/internal/readiness"
	"github.com/smazurov/tgrelay/internal/restart"
	"github.com/smazurov/tgrelay/internal/version"
)

// State represents the auth service lifecycle.
type State string

// Manager states.
const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateRestarting State = "restarting"
	StateFailed     State = "failed"
)

// Config describes how to run and reach the auth service.
type Config struct {
	Command        process.Command
	BaseURL        string
	HealthInterval time.Duration
	HealthAttempts int
	RPCTimeout     time.Duration
	GracePeriod    time.Duration
	Restart        restart.Policy
}

// Status is a point-in-time view of the manager.
type Status struct {
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	BaseURL   string    `json:"base_url"`
	ReadyAt   time.Time `json:"ready_at,omitzero"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	Breaker   string    `json:"breaker"`
}

// Manager supervises the auth service process and gates RPCs on readiness.
type Manager struct {
	cfg    Config
	client *Client

	mu           sync.Mutex
	state        State
	proc         process.Process
	gen          uint64
	deliberate   bool
	sched        *restart.Scheduler
	cancelGate   context.CancelFunc
	restartTimer *time.Timer
	healthTimer  *time.Timer
	readyAt      time.Time
	lastErr      error

	spawn        process.Spawner
	httpClient   *http.Client
	logger       logging.Logger
	outputLogger *slog.Logger
	parser       func(string) (string, string)
	bus          *events.Bus
	wg           sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithSpawner replaces the process launcher.
func WithSpawner(spawn process.Spawner) Option {
	return func(m *Manager) { m.spawn = spawn }
}

// WithLogger sets the lifecycle logger.
func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithOutputLogger sets the logger for service output lines.
func WithOutputLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.outputLogger = logger }
}

// WithLogParser sets the level extractor for service output.
func WithLogParser(parser func(string) (string, string)) Option {
	return func(m *Manager) { m.parser = parser }
}

// WithEventBus publishes state changes on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithHTTPClient sets the client used for health polls and RPCs.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// NewManager creates a stopped Manager.
func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = time.Second
	}
	if cfg.HealthAttempts <= 0 {
		cfg.HealthAttempts = 30
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}

	m := &Manager{
		cfg:        cfg,
		state:      StateStopped,
		sched:      restart.NewScheduler(cfg.Restart),
		spawn:      process.DefaultSpawner,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.GetLogger("auth")
	}
	if m.outputLogger == nil {
		m.outputLogger = logging.GetLogger("auth-service")
	}
	m.client = NewClient(cfg.BaseURL, cfg.RPCTimeout,
		WithClientHTTPClient(m.httpClient),
		WithClientLogger(m.logger),
		WithUserAgent(version.UserAgent()),
	)
	metrics.SetAuthReady(false)
	return m
}

// Start launches the service and blocks until it is ready, the readiness
// gate gives up, or ctx is cancelled. It is a no-op while starting or ready.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateReady || m.state == StateStarting {
		m.mu.Unlock()
		return nil
	}
	busy := m.proc != nil
	m.mu.Unlock()

	if busy {
		if err := m.waitReleased(ctx); err != nil {
			return fmt.Errorf("start auth service: previous instance still terminating: %w", err)
		}
	}

	m.mu.Lock()
	if m.state == StateReady || m.state == StateStarting {
		m.mu.Unlock()
		return nil
	}
	stopTimer(m.restartTimer)
	m.restartTimer = nil
	m.sched.Reset()
	m.deliberate = false

	gateCtx, gen, err := m.spawnLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("start auth service: %w", err)
	}
	return m.awaitReady(gateCtx, gen)
}

// Stop terminates the service and cancels any readiness wait or pending
// restart. Safe to call repeatedly and concurrently.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.deliberate = true
	m.cancelGateLocked()
	stopTimer(m.restartTimer)
	stopTimer(m.healthTimer)
	m.restartTimer = nil
	m.healthTimer = nil
	if m.state != StateStopped {
		m.setStateLocked(StateStopped, nil)
	}
	p := m.proc
	m.mu.Unlock()

	if p == nil {
		return nil
	}

	m.logger.Info("Stopping auth service", "pid", p.PID())
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Terminate(syscall.SIGTERM, m.cfg.GracePeriod)
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("stop auth service: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.waitReleased(ctx)
}

// waitReleased waits until the previous instance's exit has been processed.
func (m *Manager) waitReleased(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.mu.Lock()
		released := m.proc == nil
		m.mu.Unlock()
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

// Ready reports whether RPCs are accepted.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateReady
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot for reporting.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:    m.state,
		BaseURL:  m.cfg.BaseURL,
		ReadyAt:  m.readyAt,
		Attempts: m.sched.Attempts(),
		Breaker:  m.client.BreakerState(),
	}
	if m.proc != nil {
		st.PID = m.proc.PID()
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// Wait blocks until goroutines for past instances have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// StartLogin forwards to the service once ready.
func (m *Manager) StartLogin(ctx context.Context, phone string) (*LoginResult, error) {
	c, err := m.readyClient()
	if err != nil {
		return nil, err
	}
	return c.StartLogin(ctx, phone)
}

// VerifyCode forwards to the service once ready.
func (m *Manager) VerifyCode(ctx context.Context, phone, code string) (*LoginResult, error) {
	c, err := m.readyClient()
	if err != nil {
		return nil, err
	}
	return c.VerifyCode(ctx, phone, code)
}

// Verify2FA forwards to the service once ready.
func (m *Manager) Verify2FA(ctx context.Context, phone, password string) (*LoginResult, error) {
	c, err := m.readyClient()
	if err != nil {
		return nil, err
	}
	return c.Verify2FA(ctx, phone, password)
}

// CancelLogin forwards to the service once ready.
func (m *Manager) CancelLogin(ctx context.Context, phone string) (*LoginResult, error) {
	c, err := m.readyClient()
	if err != nil {
		return nil, err
	}
	return c.CancelLogin(ctx, phone)
}

// Logout forwards to the service once ready.
func (m *Manager) Logout(ctx context.Context, phone *string) (*LoginResult, error) {
	c, err := m.readyClient()
	if err != nil {
		return nil, err
	}
	return c.Logout(ctx, phone)
}

// LoginStatus forwards to the service once ready.
func (m *Manager) LoginStatus(ctx context.Context, phone string) (*StatusResult, error) {
	c, err := m.readyClient()
	if err != nil {
		return nil, err
	}
	return c.LoginStatus(ctx, phone)
}

func (m *Manager) readyClient() (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReady {
		return nil, ErrServiceUnavailable
	}
	return m.client, nil
}

// spawnLocked launches one instance and returns the context its readiness wait should use.
func (m *Manager) spawnLocked(parent context.Context) (context.Context, uint64, error) {
	m.setStateLocked(StateStarting, nil)
	m.gen++
	gen := m.gen

	p, err := m.spawn(m.cfg.Command, process.Options{Logger: m.logger})
	if err != nil {
		m.logger.Error("Failed to spawn auth service", "error", err, "command", m.cfg.Command.String())
		m.setStateLocked(StateFailed, err)
		return nil, gen, err
	}
	m.proc = p

	gateCtx, cancel := context.WithCancel(parent)
	m.cancelGate = cancel

	m.wg.Add(2)
	go m.pumpOutput(p)
	go m.watch(gen, p)
	return gateCtx, gen, nil
}

// awaitReady runs the readiness gate for instance gen.
func (m *Manager) awaitReady(ctx context.Context, gen uint64) error {
	gate := &readiness.Gate{
		Client:      m.httpClient,
		Endpoint:    m.client.HealthURL(),
		Interval:    m.cfg.HealthInterval,
		MaxAttempts: m.cfg.HealthAttempts,
		Target:      "auth",
		OnAttempt: func(attempt int, err error) {
			if err != nil {
				m.logger.Debug("Auth service not ready yet", "attempt", attempt, "error", err)
			}
		},
	}
	err := gate.WaitUntilReady(ctx)

	m.mu.Lock()
	if gen != m.gen || m.state != StateStarting {
		state := m.state
		m.mu.Unlock()
		if state == StateStopped {
			return fmt.Errorf("%w: stopped during startup", ErrServiceUnavailable)
		}
		return fmt.Errorf("%w: exited during startup", ErrServiceUnavailable)
	}

	if err != nil {
		m.logger.Error("Auth service did not become ready", "error", err)
		m.setStateLocked(StateFailed, err)
		m.deliberate = true
		m.cancelGateLocked()
		p := m.proc
		m.mu.Unlock()
		if p != nil {
			if termErr := p.Terminate(syscall.SIGTERM, m.cfg.GracePeriod); termErr != nil {
				m.logger.Warn("Failed to stop unready auth service", "error", termErr)
			}
		}
		return fmt.Errorf("auth service readiness: %w", err)
	}

	m.cancelGateLocked()
	m.readyAt = time.Now()
	m.setStateLocked(StateReady, nil)
	if threshold := m.sched.Policy().HealthyRunThreshold; threshold > 0 {
		m.healthTimer = time.AfterFunc(threshold, func() { m.onHealthy(gen) })
	}
	m.mu.Unlock()

	m.logger.Info("Auth service ready", "url", m.cfg.BaseURL)
	return nil
}

// watch handles the exit of instance gen.
func (m *Manager) watch(gen uint64, p process.Process) {
	defer m.wg.Done()
	<-p.Done()
	status := p.Exit()

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.proc = nil
	stopTimer(m.healthTimer)
	m.healthTimer = nil

	if m.deliberate || m.state == StateStopped || m.state == StateFailed {
		m.logger.Info("Auth service exited", "exit", status.String())
		return
	}

	m.cancelGateLocked()
	m.scheduleRestartLocked(fmt.Errorf("auth service exited unexpectedly: %s", status.String()))
}

// scheduleRestartLocked consults the restart policy after the current instance failed.
func (m *Manager) scheduleRestartLocked(cause error) {
	gen := m.gen
	d := m.sched.OnExit(false)
	if !d.Restart {
		m.logger.Error("Auth service restart budget exhausted", "attempts", d.Attempt, "error", cause)
		m.setStateLocked(StateFailed, cause)
		return
	}

	m.logger.Warn("Auth service failed, scheduling restart",
		"error", cause, "attempt", d.Attempt, "delay", d.Delay)
	m.setStateLocked(StateRestarting, cause)
	m.restartTimer = time.AfterFunc(d.Delay, func() { m.onRestartTimer(gen) })
}

func (m *Manager) onRestartTimer(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateRestarting {
		m.mu.Unlock()
		return
	}
	m.restartTimer = nil
	gateCtx, newGen, err := m.spawnLocked(context.Background())
	if err != nil {
		m.scheduleRestartLocked(err)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.awaitReady(gateCtx, newGen); err != nil {
			m.logger.Warn("Auth service restart did not become ready", "error", err)
		}
	}()
}

func (m *Manager) onHealthy(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != StateReady {
		return
	}
	m.sched.OnHealthySince(time.Since(m.readyAt))
}

func (m *Manager) pumpOutput(p process.Process) {
	defer m.wg.Done()
	for line := range p.Lines() {
		level, msg := "info", line.Text
		if m.parser != nil {
			level, msg = m.parser(line.Text)
		}
		switch level {
		case "fatal", "error":
			m.outputLogger.Error(msg, "stream", line.Stream)
		case "warning":
			m.outputLogger.Warn(msg, "stream", line.Stream)
		case "debug":
			m.outputLogger.Debug(msg, "stream", line.Stream)
		default:
			m.outputLogger.Info(msg, "stream", line.Stream)
		}
	}
}

func (m *Manager) cancelGateLocked() {
	if m.cancelGate != nil {
		m.cancelGate()
		m.cancelGate = nil
	}
}

func (m *Manager) setStateLocked(state State, err error) {
	prev := m.state
	m.state = state
	if err != nil {
		m.lastErr = err
	} else if state == StateReady {
		m.lastErr = nil
	}
	metrics.SetAuthReady(state == StateReady)

	ev := events.AuthStateChangedEvent{
		State:         string(state),
		PreviousState: string(prev),
		Timestamp:     time.Now().Format(time.RFC3339),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	m.bus.Publish(ev)
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// IsUnavailable reports whether err means the service could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable)
}
