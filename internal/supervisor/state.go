package supervisor

import (
	"fmt"
	"time"
)

// State represents the supervisor lifecycle.
type State string

// Supervisor states.
const (
	StateIdle       State = "idle"       // Never started
	StateStarting   State = "starting"   // Spawn in progress
	StateRunning    State = "running"    // Child alive
	StateRestarting State = "restarting" // Waiting out the restart delay
	StateExhausted  State = "exhausted"  // Restart budget spent
	StateStopped    State = "stopped"    // Stopped on request
)

// ExitInfo describes the most recent exit or failed spawn.
type ExitInfo struct {
	Code       int       `json:"code"`
	Signal     string    `json:"signal,omitempty"`
	Error      string    `json:"error,omitempty"`
	Deliberate bool      `json:"deliberate"`
	At         time.Time `json:"at"`
}

func (e ExitInfo) String() string {
	switch {
	case e.Error != "":
		return "spawn failed: " + e.Error
	case e.Signal != "":
		return fmt.Sprintf("killed by %s", e.Signal)
	default:
		return fmt.Sprintf("exit code %d", e.Code)
	}
}

// Status is a point-in-time view of a supervisor.
type Status struct {
	Name          string    `json:"name"`
	State         State     `json:"state"`
	PID           int       `json:"pid,omitempty"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"max_attempts"`
	RestartsTotal int       `json:"restarts_total"`
	LastExit      *ExitInfo `json:"last_exit,omitempty"`
	Command       string    `json:"command"`
}

// Offline reports whether the worker is down with no restart pending.
func (s Status) Offline() bool {
	return s.State == StateExhausted
}
