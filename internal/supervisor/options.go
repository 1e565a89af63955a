package supervisor

import (
	"log/slog"
	"time"

	"github.com/smazurov/tgrelay/internal/events"
	"github.com/smazurov/tgrelay/internal/logging"
	"github.com/smazurov/tgrelay/internal/process"
)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithSpawner replaces the process launcher.
func WithSpawner(spawn process.Spawner) Option {
	return func(s *Supervisor) {
		s.spawn = spawn
	}
}

// WithLogger sets the logger for lifecycle messages.
func WithLogger(logger logging.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithOutputLogger sets the logger that receives worker output lines.
func WithOutputLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		s.outputLogger = logger
	}
}

// WithLogParser sets the level extractor for worker output.
func WithLogParser(parser LogParser) Option {
	return func(s *Supervisor) {
		s.parser = parser
	}
}

// WithEventBus publishes state changes and exits on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(s *Supervisor) {
		s.bus = bus
	}
}

// WithGracePeriod sets how long Stop waits before SIGKILL.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithLineBuffer sets the per-instance output buffer size.
func WithLineBuffer(n int) Option {
	return func(s *Supervisor) {
		s.lineBuffer = n
	}
}

// WithClock replaces the time source for restart and health timers.
func WithClock(c Clock) Option {
	return func(s *Supervisor) {
		s.clock = c
	}
}
