package host

import (
	"context"
	"time"

	"github.com/smazurov/tgrelay/internal/config"
	"github.com/smazurov/tgrelay/internal/logging"
	"github.com/smazurov/tgrelay/internal/process"
)

// Reloadable is a worker whose command can be swapped at runtime.
type Reloadable interface {
	Command() process.Command
	SetCommand(cmd process.Command)
	Restart(ctx context.Context, cmd process.Command) error
	Running() bool
}

// BotReloader applies worker settings changes to the bot worker.
// The auth service is left alone: restarting it would drop in-flight logins.
type BotReloader struct {
	bot     Reloadable
	timeout time.Duration
	logger  logging.Logger
}

// NewBotReloader creates a reloader. timeout bounds each restart; zero selects 30s.
func NewBotReloader(bot Reloadable, timeout time.Duration, logger logging.Logger) *BotReloader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.GetLogger("host")
	}
	return &BotReloader{bot: bot, timeout: timeout, logger: logger}
}

// Apply recomputes the bot command from s. A running bot is restarted only
// when its command changed; a stopped bot just picks up the new command.
func (r *BotReloader) Apply(s config.WorkerSettings) error {
	next, _, err := config.WorkerCommands(s)
	if err != nil {
		r.logger.Error("Ignoring invalid worker settings", "error", err)
		return err
	}
	if r.bot.Command().Equal(next) {
		r.logger.Debug("Bot command unchanged")
		return nil
	}

	if !r.bot.Running() {
		r.bot.SetCommand(next)
		r.logger.Info("Bot command updated", "command", next.String())
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	r.logger.Info("Bot command changed, restarting", "command", next.String())
	if err := r.bot.Restart(ctx, next); err != nil {
		r.logger.Error("Bot restart after reload failed", "error", err)
		return err
	}
	return nil
}

// Handle adapts Apply to config.Watcher's OnReload.
func (r *BotReloader) Handle(s config.WorkerSettings) {
	_ = r.Apply(s)
}
