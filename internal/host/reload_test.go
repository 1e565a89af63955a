package host

import (
	"context"
	"errors"
	"testing"

	"github.com/smazurov/tgrelay/internal/config"
	"github.com/smazurov/tgrelay/internal/process"
)

type fakeReloadable struct {
	cmd      process.Command
	running  bool
	restarts []process.Command
	sets     int
	err      error
}

func (f *fakeReloadable) Command() process.Command { return f.cmd }
func (f *fakeReloadable) Running() bool            { return f.running }

func (f *fakeReloadable) SetCommand(cmd process.Command) {
	f.sets++
	f.cmd = cmd
}

func (f *fakeReloadable) Restart(_ context.Context, cmd process.Command) error {
	if f.err != nil {
		return f.err
	}
	f.restarts = append(f.restarts, cmd)
	f.cmd = cmd
	return nil
}

func botCommand(t *testing.T, s config.WorkerSettings) process.Command {
	t.Helper()
	bot, _, err := config.WorkerCommands(s)
	if err != nil {
		t.Fatal(err)
	}
	return bot
}

func TestBotReloaderUnchanged(t *testing.T) {
	s := config.DefaultWorkerSettings()
	bot := &fakeReloadable{cmd: botCommand(t, s), running: true}

	if err := NewBotReloader(bot, 0, testLogger()).Apply(s); err != nil {
		t.Fatal(err)
	}
	if len(bot.restarts) != 0 || bot.sets != 0 {
		t.Errorf("unchanged settings must not touch the bot: %+v", bot)
	}
}

func TestBotReloaderRestartsRunningBot(t *testing.T) {
	s := config.DefaultWorkerSettings()
	bot := &fakeReloadable{cmd: botCommand(t, s), running: true}

	s.Mode = config.ModeProduction
	if err := NewBotReloader(bot, 0, testLogger()).Apply(s); err != nil {
		t.Fatal(err)
	}
	if len(bot.restarts) != 1 || bot.restarts[0].Path != "uv" {
		t.Errorf("restarts = %v", bot.restarts)
	}
}

func TestBotReloaderUpdatesStoppedBot(t *testing.T) {
	s := config.DefaultWorkerSettings()
	bot := &fakeReloadable{cmd: botCommand(t, s)}

	s.Env = map[string]string{"BOT_TOKEN": "new"}
	if err := NewBotReloader(bot, 0, testLogger()).Apply(s); err != nil {
		t.Fatal(err)
	}
	if len(bot.restarts) != 0 || bot.sets != 1 {
		t.Errorf("stopped bot should only get SetCommand: %+v", bot)
	}
	if bot.cmd.Env["BOT_TOKEN"] != "new" {
		t.Errorf("env = %v", bot.cmd.Env)
	}
}

func TestBotReloaderInvalidSettings(t *testing.T) {
	s := config.DefaultWorkerSettings()
	bot := &fakeReloadable{cmd: botCommand(t, s), running: true}

	s.AuthPort = 0
	if err := NewBotReloader(bot, 0, testLogger()).Apply(s); err == nil {
		t.Fatal("expected validation error")
	}
	if len(bot.restarts) != 0 || bot.sets != 0 {
		t.Error("invalid settings must not reach the bot")
	}
}

func TestBotReloaderRestartError(t *testing.T) {
	s := config.DefaultWorkerSettings()
	bot := &fakeReloadable{cmd: botCommand(t, s), running: true, err: errors.New("stop timed out")}

	s.Python = "python3.12"
	if err := NewBotReloader(bot, 0, testLogger()).Apply(s); !errors.Is(err, bot.err) {
		t.Errorf("Apply() error = %v", err)
	}
}
