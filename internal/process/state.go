package process

// State represents the lifecycle phase of a single spawned instance.
type State string

// Handle states.
const (
	StateStopped  State = "stopped"  // Terminated on request
	StateStarting State = "starting" // exec in progress
	StateRunning  State = "running"  // Child is alive
	StateStopping State = "stopping" // Stop signal sent, waiting for exit
	StateExited   State = "exited"   // Child exited on its own
)

// Alive reports whether a child process may still exist in this state.
func (s State) Alive() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}
