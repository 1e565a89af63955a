package process

import (
	"os"
	"time"
)

// Process is the view of a running instance that supervisors depend on.
// *Handle implements it; tests substitute fakes.
type Process interface {
	PID() int
	Done() <-chan struct{}
	Exit() ExitStatus
	Lines() <-chan Line
	Dropped() uint64
	Terminate(sig os.Signal, grace time.Duration) error
}

// Spawner starts a Process for a Command.
type Spawner func(Command, Options) (Process, error)

// DefaultSpawner spawns real child processes.
func DefaultSpawner(command Command, opts Options) (Process, error) {
	h, err := Spawn(command, opts)
	if err != nil {
		return nil, err
	}
	return h, nil
}
