// Package systemd reports service state to systemd via sd_notify.
//
// Outside a systemd unit (NOTIFY_SOCKET unset) every call is a no-op.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/smazurov/tgrelay/internal/logging"
)

// SendFunc matches daemon.SdNotify.
type SendFunc func(unsetEnvironment bool, state string) (bool, error)

// Notifier sends state notifications to the service manager.
type Notifier struct {
	send   SendFunc
	logger logging.Logger
}

// NewNotifier returns a Notifier backed by daemon.SdNotify.
func NewNotifier(logger logging.Logger) *Notifier {
	return NewNotifierWithSender(daemon.SdNotify, logger)
}

// NewNotifierWithSender returns a Notifier that hands messages to send.
func NewNotifierWithSender(send SendFunc, logger logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.GetLogger("systemd")
	}
	return &Notifier{send: send, logger: logger}
}

// Ready reports that startup has finished.
func (n *Notifier) Ready(status string) error {
	return n.notify(daemon.SdNotifyReady + "\nSTATUS=" + status)
}

// Stopping reports that shutdown has begun.
func (n *Notifier) Stopping() error {
	return n.notify(daemon.SdNotifyStopping)
}

// Status updates the free-form status line shown by systemctl status.
func (n *Notifier) Status(status string) error {
	return n.notify("STATUS=" + status)
}

// Watchdog pings the service watchdog.
func (n *Notifier) Watchdog() error {
	return n.notify(daemon.SdNotifyWatchdog)
}

func (n *Notifier) notify(state string) error {
	sent, err := n.send(false, state)
	if err != nil {
		return fmt.Errorf("sd_notify: %w", err)
	}
	if sent {
		n.logger.Debug("Notified systemd", "state", state)
	}
	return nil
}

// WatchdogInterval returns how often to ping, or zero when the unit has no
// WatchdogSec. The interval is half the configured timeout.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// WatchdogService pings the watchdog on a fixed interval while Check passes.
// It implements suture.Service.
type WatchdogService struct {
	Notifier *Notifier
	Interval time.Duration
	// Check, when set, must succeed for a ping to be sent.
	Check func() error
}

// Serve pings until ctx is cancelled.
func (w *WatchdogService) Serve(ctx context.Context) error {
	if w.Interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if w.Check != nil {
				if err := w.Check(); err != nil {
					w.Notifier.logger.Warn("Skipping watchdog ping", "error", err)
					continue
				}
			}
			if err := w.Notifier.Watchdog(); err != nil {
				w.Notifier.logger.Warn("Watchdog ping failed", "error", err)
			}
		}
	}
}

// String names the service for the supervision tree.
func (w *WatchdogService) String() string {
	return "systemd-watchdog"
}
