// Package host owns the worker managers and drives boot and shutdown.
//
// A Lifecycle is built once in main and passed to anything that needs the
// managers; there is no package-level registry.
package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/smazurov/tgrelay/internal/logging"
)

// Worker is the bot supervisor as seen by the host.
type Worker interface {
	Start() error
	Stop(ctx context.Context) error
}

// AuthService is the auth service manager as seen by the host.
type AuthService interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Notifier receives service-manager notifications.
type Notifier interface {
	Ready(status string) error
	Stopping() error
	Status(status string) error
}

// Config controls boot and shutdown.
type Config struct {
	// RequireAuth makes an auth service boot failure fatal to Run.
	RequireAuth bool
	// ShutdownTimeout bounds Shutdown when Run triggers it. Zero selects 30s.
	ShutdownTimeout time.Duration
	// Signals that trigger shutdown. Empty selects SIGINT and SIGTERM.
	Signals []os.Signal
}

// BootResult reports what Boot managed to start.
type BootResult struct {
	AuthErr error
	BotErr  error
}

// Err joins both failures, or returns nil.
func (r BootResult) Err() error {
	return errors.Join(r.AuthErr, r.BotErr)
}

// Degraded reports whether the host runs without a ready auth service.
func (r BootResult) Degraded() bool {
	return r.AuthErr != nil
}

// ErrShutdownPanic wraps a panic recovered during shutdown.
var ErrShutdownPanic = errors.New("panic during shutdown")

// Lifecycle sequences the managers and the service tree.
type Lifecycle struct {
	cfg      Config
	bot      Worker
	auth     AuthService
	tree     *Tree
	notifier Notifier
	logger   logging.Logger
	signals  <-chan os.Signal

	mu         sync.Mutex
	treeCancel context.CancelFunc
	treeDone   chan struct{}
	treeResult error

	shutdownOnce sync.Once
	shutdownDone chan struct{}
	shutdownErr  error
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithTree runs tree alongside the workers.
func WithTree(tree *Tree) Option {
	return func(l *Lifecycle) { l.tree = tree }
}

// WithNotifier reports readiness and shutdown to n.
func WithNotifier(n Notifier) Option {
	return func(l *Lifecycle) { l.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(l *Lifecycle) { l.logger = logger }
}

// WithSignalChannel replaces OS signal delivery.
func WithSignalChannel(ch <-chan os.Signal) Option {
	return func(l *Lifecycle) { l.signals = ch }
}

// New creates a Lifecycle. Nothing runs until Boot or Run.
func New(cfg Config, bot Worker, auth AuthService, opts ...Option) *Lifecycle {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	l := &Lifecycle{
		cfg:          cfg,
		bot:          bot,
		auth:         auth,
		shutdownDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = logging.GetLogger("host")
	}
	return l
}

// Boot starts the auth service, then the bot regardless of the auth outcome.
// Failures are returned, not raised; the caller decides what is fatal.
func (l *Lifecycle) Boot(ctx context.Context) BootResult {
	var res BootResult

	if err := l.auth.Start(ctx); err != nil {
		res.AuthErr = fmt.Errorf("auth service: %w", err)
		l.logger.Error("Auth service failed to start, continuing without login support", "error", err)
	} else {
		l.logger.Info("Auth service ready")
	}

	if err := l.bot.Start(); err != nil {
		res.BotErr = fmt.Errorf("bot worker: %w", err)
		l.logger.Error("Bot worker failed to start", "error", err)
	} else {
		l.logger.Info("Bot worker started")
	}
	return res
}

// Run boots the workers, serves the tree and blocks until a signal, ctx
// cancellation or a tree failure, then shuts down.
func (l *Lifecycle) Run(ctx context.Context) error {
	sigCh := l.signals
	if sigCh == nil {
		ch := make(chan os.Signal, 2)
		signal.Notify(ch, l.cfg.Signals...)
		defer signal.Stop(ch)
		sigCh = ch
	}

	l.startTree()

	res := l.Boot(ctx)
	if l.cfg.RequireAuth && res.AuthErr != nil {
		l.logger.Error("Auth service is required, aborting boot")
		_ = l.shutdownWithTimeout()
		return res.AuthErr
	}
	l.notifyReady(res)

	var runErr error
	select {
	case sig := <-sigCh:
		l.logger.Info("Received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
		l.logger.Info("Context cancelled, shutting down")
	case <-l.treeStopped():
		if err := l.treeResult; err != nil && !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("service tree: %w", err)
			l.logger.Error("Service tree stopped", "error", err)
		}
	}

	// Further signals while shutting down are logged and ignored.
	stopIgnoring := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigCh:
				l.logger.Warn("Shutdown already in progress, ignoring signal", "signal", sig.String())
			case <-stopIgnoring:
				return
			}
		}
	}()
	defer close(stopIgnoring)

	return errors.Join(runErr, l.shutdownWithTimeout())
}

func (l *Lifecycle) shutdownWithTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ShutdownTimeout)
	defer cancel()
	return l.Shutdown(ctx)
}

// Shutdown stops the bot, then the auth service, then the tree.
// Concurrent and repeated calls wait for the first one and share its result.
// ctx only bounds how long this caller waits.
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	l.shutdownOnce.Do(func() {
		go func() {
			defer close(l.shutdownDone)
			l.shutdownErr = l.shutdown(ctx)
		}()
	})

	select {
	case <-l.shutdownDone:
		return l.shutdownErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once shutdown has completed.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.shutdownDone
}

func (l *Lifecycle) shutdown(ctx context.Context) error {
	l.logger.Info("Shutting down")
	if l.notifier != nil {
		if err := l.notifier.Stopping(); err != nil {
			l.logger.Debug("Failed to notify stopping", "error", err)
		}
	}

	// Worker first: forwarding is what users notice.
	errs := []error{
		l.step("stop bot worker", func() error { return l.bot.Stop(ctx) }),
		l.step("stop auth service", func() error { return l.auth.Stop(ctx) }),
		l.step("stop service tree", func() error { l.stopTree(); return nil }),
	}

	l.logger.Info("Shutdown complete")
	return errors.Join(errs...)
}

// step runs one shutdown step, turning a panic into an error so the
// remaining steps still run.
func (l *Lifecycle) step(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Recovered panic during shutdown", "step", name, "panic", r)
			err = fmt.Errorf("%s: %w: %v", name, ErrShutdownPanic, r)
		}
	}()
	if err := fn(); err != nil {
		l.logger.Error("Shutdown step failed", "step", name, "error", err)
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (l *Lifecycle) startTree() {
	if l.tree == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	result := l.tree.ServeBackground(ctx)
	go func() {
		l.treeResult = <-result
		close(done)
	}()

	l.mu.Lock()
	l.treeCancel = cancel
	l.treeDone = done
	l.mu.Unlock()
}

// treeStopped is closed once the tree has returned; nil without a tree.
func (l *Lifecycle) treeStopped() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.treeDone
}

func (l *Lifecycle) stopTree() {
	l.mu.Lock()
	cancel, done := l.treeCancel, l.treeDone
	l.treeCancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	if err := l.treeResult; err != nil && !errors.Is(err, context.Canceled) {
		l.logger.Warn("Service tree stopped with error", "error", err)
	}
	if report, err := l.tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		l.logger.Warn("Services did not stop in time", "count", len(report))
	}
}

func (l *Lifecycle) notifyReady(res BootResult) {
	if l.notifier == nil {
		return
	}
	status := "bot and auth service running"
	switch {
	case res.AuthErr != nil && res.BotErr != nil:
		status = "degraded: bot and auth service failed to start"
	case res.AuthErr != nil:
		status = "degraded: auth service unavailable"
	case res.BotErr != nil:
		status = "degraded: bot worker failed to start"
	}
	if err := l.notifier.Ready(status); err != nil {
		l.logger.Debug("Failed to notify ready", "error", err)
	}
}
