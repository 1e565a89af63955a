package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type testConfig struct {
	Name  string `toml:"name"`
	Value int    `toml:"value"`
}

func loadTestConfig(path string) (testConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return testConfig{}, err
	}
	var cfg testConfig
	err = toml.Unmarshal(data, &cfg)
	return cfg, err
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// serve runs w until the test ends and returns a function that stops it
// early and reports Serve's error.
func serve[T any](t *testing.T, w *Watcher[T]) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Serve(ctx) }()

	select {
	case <-w.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("Serve() returned early: %v", err)
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("watcher did not become ready")
	}

	var once sync.Once
	var serveErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			serveErr = <-errCh
		})
		return serveErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func TestConfigWatcher_BasicReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "name = \"initial\"\nvalue = 1\n")

	received := make(chan testConfig, 1)
	w := NewConfigWatcher(path, loadTestConfig, newTestLogger(), WithDebounce[testConfig](50*time.Millisecond))
	w.OnReload(func(cfg testConfig) { received <- cfg })
	serve(t, w)

	writeFile(t, path, "name = \"updated\"\nvalue = 42\n")

	select {
	case cfg := <-received:
		if cfg.Name != "updated" || cfg.Value != 42 {
			t.Errorf("got %+v, want name=updated, value=42", cfg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for config reload")
	}
}

func TestConfigWatcher_AtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, "value = 1\n")

	received := make(chan testConfig, 4)
	w := NewConfigWatcher(path, loadTestConfig, newTestLogger(), WithDebounce[testConfig](50*time.Millisecond))
	w.OnReload(func(cfg testConfig) { received <- cfg })
	serve(t, w)

	tmp := filepath.Join(dir, ".config.toml.swp")
	writeFile(t, tmp, "value = 7\n")
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-received:
		if cfg.Value != 7 {
			t.Errorf("got value %d, want 7", cfg.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload after rename")
	}
}

func TestConfigWatcher_IgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, "value = 1\n")

	var count atomic.Int32
	w := NewConfigWatcher(path, loadTestConfig, newTestLogger(), WithDebounce[testConfig](20*time.Millisecond))
	w.OnReload(func(testConfig) { count.Add(1) })
	serve(t, w)

	writeFile(t, filepath.Join(dir, "other.toml"), "value = 2\n")
	time.Sleep(200 * time.Millisecond)

	if got := count.Load(); got != 0 {
		t.Errorf("expected no reload for sibling file, got %d", got)
	}
}

func TestConfigWatcher_MultipleHandlersSameSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "name = \"test\"\nvalue = 1\n")

	var loads atomic.Int32
	loader := func(p string) (testConfig, error) {
		loads.Add(1)
		return loadTestConfig(p)
	}

	var mu sync.Mutex
	var configs []testConfig
	done := make(chan struct{}, 3)

	w := NewConfigWatcher(path, loader, newTestLogger(), WithDebounce[testConfig](50*time.Millisecond))
	for range 3 {
		w.OnReload(func(cfg testConfig) {
			mu.Lock()
			configs = append(configs, cfg)
			mu.Unlock()
			done <- struct{}{}
		})
	}
	serve(t, w)

	writeFile(t, path, "name = \"new\"\nvalue = 2\n")
	for range 3 {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for handlers")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, cfg := range configs {
		if cfg.Name != "new" || cfg.Value != 2 {
			t.Errorf("handler %d got wrong config: %+v", i, cfg)
		}
	}
	if got := loads.Load(); got != 1 {
		t.Errorf("expected a single load shared by all handlers, got %d", got)
	}
}

func TestConfigWatcher_Unsubscribe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "value = 1\n")

	var count1, count2 atomic.Int32
	w := NewConfigWatcher(path, loadTestConfig, newTestLogger())
	w.OnReload(func(testConfig) { count1.Add(1) })
	unsub := w.OnReload(func(testConfig) { count2.Add(1) })

	w.Reload()
	unsub()
	unsub()
	w.Reload()

	if got := count1.Load(); got != 2 {
		t.Errorf("handler1: expected 2 calls, got %d", got)
	}
	if got := count2.Load(); got != 1 {
		t.Errorf("handler2: expected 1 call, got %d", got)
	}
}

func TestConfigWatcher_ErrorHandler(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "name = \"valid\"\nvalue = 1\n")

	errorReceived := make(chan error, 1)
	configReceived := make(chan testConfig, 1)

	w := NewConfigWatcher(path, loadTestConfig, newTestLogger(),
		WithDebounce[testConfig](50*time.Millisecond),
		WithErrorHandler[testConfig](func(err error) { errorReceived <- err }),
	)
	w.OnReload(func(cfg testConfig) { configReceived <- cfg })
	serve(t, w)

	writeFile(t, path, "invalid toml [[[")

	select {
	case <-errorReceived:
	case <-configReceived:
		t.Fatal("config handler should not be called on error")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for error handler")
	}
}

func TestConfigWatcher_Debounce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "value = 0\n")

	var count, lastValue atomic.Int32
	w := NewConfigWatcher(path, loadTestConfig, newTestLogger(), WithDebounce[testConfig](200*time.Millisecond))
	w.OnReload(func(cfg testConfig) {
		count.Add(1)
		lastValue.Store(int32(cfg.Value))
	})
	serve(t, w)

	for i := 1; i <= 5; i++ {
		writeFile(t, path, fmt.Sprintf("value = %d\n", i))
		time.Sleep(50 * time.Millisecond)
	}
	time.Sleep(500 * time.Millisecond)

	if got := count.Load(); got != 1 {
		t.Errorf("expected 1 debounced call, got %d", got)
	}
	if got := lastValue.Load(); got != 5 {
		t.Errorf("expected final value 5, got %d", got)
	}
}

func TestConfigWatcher_ServeStopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "value = 1\n")

	var count atomic.Int32
	w := NewConfigWatcher(path, loadTestConfig, newTestLogger(), WithDebounce[testConfig](20*time.Millisecond))
	w.OnReload(func(testConfig) { count.Add(1) })
	stop := serve(t, w)

	if err := stop(); !errors.Is(err, context.Canceled) {
		t.Errorf("Serve() = %v, want context.Canceled", err)
	}

	writeFile(t, path, "value = 99\n")
	time.Sleep(150 * time.Millisecond)
	if got := count.Load(); got != 0 {
		t.Errorf("expected 0 calls after stop, got %d", got)
	}
}

func TestConfigWatcher_MissingDirectory(t *testing.T) {
	w := NewConfigWatcher(filepath.Join(t.TempDir(), "nope", "config.toml"), loadTestConfig, newTestLogger())
	if err := w.Serve(context.Background()); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestConfigWatcher_WorkerSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[workers]\nmode = \"dev\"\n")

	base := DefaultWorkerSettings()
	received := make(chan WorkerSettings, 1)
	w := NewConfigWatcher(path, func(p string) (WorkerSettings, error) {
		return LoadWorkerSettings(p, base)
	}, newTestLogger(), WithDebounce[WorkerSettings](50*time.Millisecond))
	w.OnReload(func(s WorkerSettings) { received <- s })
	serve(t, w)

	writeFile(t, path, "[workers]\nmode = \"production\"\nbot_command = \"./bot --fast\"\n")

	select {
	case s := <-received:
		if s.Mode != ModeProduction || s.BotCommand != "./bot --fast" {
			t.Errorf("unexpected settings %+v", s)
		}
		if s.AuthPort != 8765 {
			t.Errorf("AuthPort = %d, want base value 8765", s.AuthPort)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for worker settings reload")
	}
}
