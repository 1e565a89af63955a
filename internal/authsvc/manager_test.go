package authsvc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smazurov/tgrelay/internal/process"
	"github.com/smazurov/tgrelay/internal/readiness"
	"github.com/smazurov/tgrelay/internal/restart"
)

// fakeService stands in for the auth service HTTP API.
type fakeService struct {
	healthy    atomic.Bool
	healthHits atomic.Int32
	loginHits  atomic.Int32
	srv        *httptest.Server
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()
	fs := &fakeService{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fs.healthHits.Add(1)
		if !fs.healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/start-login", func(w http.ResponseWriter, _ *http.Request) {
		fs.loginHits.Add(1)
		w.Write([]byte(`{"status":"code_sent","phone_code_hash":"h"}`))
	})
	fs.srv = httptest.NewServer(mux)
	t.Cleanup(fs.srv.Close)
	return fs
}

// fakeProcess is a controllable process.Process.
type fakeProcess struct {
	done       chan struct{}
	lines      chan process.Line
	once       sync.Once
	terminated atomic.Int32
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{}), lines: make(chan process.Line)}
}

func (f *fakeProcess) exit() {
	f.once.Do(func() {
		close(f.lines)
		close(f.done)
	})
}

func (f *fakeProcess) PID() int                   { return 4242 }
func (f *fakeProcess) Done() <-chan struct{}      { return f.done }
func (f *fakeProcess) Lines() <-chan process.Line { return f.lines }
func (f *fakeProcess) Dropped() uint64            { return 0 }

func (f *fakeProcess) Exit() process.ExitStatus {
	<-f.done
	return process.ExitStatus{Code: 1}
}

func (f *fakeProcess) Terminate(os.Signal, time.Duration) error {
	f.terminated.Add(1)
	f.exit()
	return nil
}

type fakeSpawner struct {
	mu    sync.Mutex
	procs []*fakeProcess
	err   error
}

func (s *fakeSpawner) spawn(process.Command, process.Options) (process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p := newFakeProcess()
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *fakeSpawner) last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[len(s.procs)-1]
}

func newTestManager(t *testing.T, fs *fakeService, policy restart.Policy) (*Manager, *fakeSpawner) {
	t.Helper()
	sp := &fakeSpawner{}
	m := NewManager(Config{
		Command:        process.Command{Path: "python3", Args: []string{"-u", "auth_service.py"}},
		BaseURL:        fs.srv.URL,
		HealthInterval: 10 * time.Millisecond,
		HealthAttempts: 3,
		RPCTimeout:     time.Second,
		GracePeriod:    100 * time.Millisecond,
		Restart:        policy,
	},
		WithSpawner(sp.spawn),
		WithLogger(testLogger()),
		WithOutputLogger(testLogger()),
		WithHTTPClient(fs.srv.Client()),
	)
	t.Cleanup(func() {
		_ = m.Stop(context.Background())
	})
	return m, sp
}

func waitAuthState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for state %s, got %s", want, m.State())
}

func TestRPCBeforeReadyFailsFast(t *testing.T) {
	fs := newFakeService(t)
	m, _ := newTestManager(t, fs, restart.Policy{})

	_, err := m.StartLogin(context.Background(), "+15551234567")
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	if _, err := m.LoginStatus(context.Background(), "+1"); !IsUnavailable(err) {
		t.Errorf("expected unavailable, got %v", err)
	}
	if fs.loginHits.Load() != 0 {
		t.Error("no request may reach the service before readiness")
	}
}

func TestStartBecomesReady(t *testing.T) {
	fs := newFakeService(t)
	fs.healthy.Store(true)
	m, sp := newTestManager(t, fs, restart.Policy{})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !m.Ready() {
		t.Fatal("expected ready")
	}

	res, err := m.StartLogin(context.Background(), "+15551234567")
	if err != nil {
		t.Fatalf("StartLogin() error = %v", err)
	}
	if res.Step() != StepAwaitingCode {
		t.Errorf("unexpected step %s", res.Step())
	}

	// Second Start is a no-op.
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sp.count() != 1 {
		t.Errorf("expected 1 spawn, got %d", sp.count())
	}
}

func TestStartReadinessTimeout(t *testing.T) {
	fs := newFakeService(t)
	m, sp := newTestManager(t, fs, restart.Policy{})

	err := m.Start(context.Background())
	if !errors.Is(err, readiness.ErrTimeout) {
		t.Fatalf("expected readiness.ErrTimeout, got %v", err)
	}
	if fs.healthHits.Load() != 3 {
		t.Errorf("expected 3 health polls, got %d", fs.healthHits.Load())
	}
	if m.State() != StateFailed {
		t.Errorf("expected failed, got %s", m.State())
	}
	if sp.last().terminated.Load() != 1 {
		t.Error("expected unready instance to be terminated")
	}
	if _, err := m.StartLogin(context.Background(), "+1"); !errors.Is(err, ErrServiceUnavailable) {
		t.Errorf("expected ErrServiceUnavailable, got %v", err)
	}

	// A retry after the service recovers succeeds.
	fs.healthy.Store(true)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("retry Start() error = %v", err)
	}
	if !m.Ready() {
		t.Error("expected ready after retry")
	}
}

func TestStartSpawnFailure(t *testing.T) {
	fs := newFakeService(t)
	m, sp := newTestManager(t, fs, restart.Policy{})
	sp.err = &process.SpawnError{Path: "python3", Err: os.ErrPermission}

	err := m.Start(context.Background())
	var spawnErr *process.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected *process.SpawnError, got %v", err)
	}
	if m.State() != StateFailed {
		t.Errorf("expected failed, got %s", m.State())
	}
	if fs.healthHits.Load() != 0 {
		t.Error("no health poll expected after spawn failure")
	}
}

func TestStopCancelsReadinessWait(t *testing.T) {
	fs := newFakeService(t)
	sp := &fakeSpawner{}
	m := NewManager(Config{
		Command:        process.Command{Path: "python3"},
		BaseURL:        fs.srv.URL,
		HealthInterval: 50 * time.Millisecond,
		HealthAttempts: 1000,
	}, WithSpawner(sp.spawn), WithLogger(testLogger()), WithOutputLogger(testLogger()))

	errCh := make(chan error, 1)
	go func() { errCh <- m.Start(context.Background()) }()

	waitAuthState(t, m, StateStarting)
	time.Sleep(20 * time.Millisecond)
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrServiceUnavailable) {
			t.Errorf("expected ErrServiceUnavailable, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if m.State() != StateStopped {
		t.Errorf("expected stopped, got %s", m.State())
	}
}

func TestStopIdempotent(t *testing.T) {
	fs := newFakeService(t)
	fs.healthy.Store(true)
	m, sp := newTestManager(t, fs, restart.Policy{})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	for range 3 {
		if err := m.Stop(context.Background()); err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	}
	if m.State() != StateStopped {
		t.Errorf("expected stopped, got %s", m.State())
	}
	if got := sp.last().terminated.Load(); got != 1 {
		t.Errorf("expected 1 termination, got %d", got)
	}
}

func TestRPCAfterStopIsUnavailable(t *testing.T) {
	fs := newFakeService(t)
	fs.healthy.Store(true)
	m, _ := newTestManager(t, fs, restart.Policy{})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	_, err := m.StartLogin(context.Background(), "+15551234567")
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	if _, err := m.VerifyCode(context.Background(), "+15551234567", "12345"); !IsUnavailable(err) {
		t.Errorf("expected unavailable, got %v", err)
	}
	if fs.loginHits.Load() != 0 {
		t.Error("no request may reach the service after stop")
	}
}

func TestUnexpectedExitRestarts(t *testing.T) {
	fs := newFakeService(t)
	fs.healthy.Store(true)
	m, sp := newTestManager(t, fs, restart.Policy{MaxAttempts: 2, InitialDelay: 300 * time.Millisecond})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	sp.last().exit()
	waitAuthState(t, m, StateRestarting)

	if _, err := m.StartLogin(context.Background(), "+1"); !errors.Is(err, ErrServiceUnavailable) {
		t.Errorf("expected fail-fast while restarting, got %v", err)
	}

	waitAuthState(t, m, StateReady)
	if sp.count() != 2 {
		t.Errorf("expected 2 spawns, got %d", sp.count())
	}
	if m.Status().Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", m.Status().Attempts)
	}
}

func TestUnexpectedExitWithoutBudget(t *testing.T) {
	fs := newFakeService(t)
	fs.healthy.Store(true)
	m, sp := newTestManager(t, fs, restart.Policy{MaxAttempts: 0})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	sp.last().exit()
	waitAuthState(t, m, StateFailed)

	if st := m.Status(); st.LastError == "" {
		t.Error("expected last error recorded")
	}
	if sp.count() != 1 {
		t.Errorf("expected no respawn, got %d spawns", sp.count())
	}
}
