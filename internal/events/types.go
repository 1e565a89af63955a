package events

// Event type constants for kelindar/event.
const (
	TypeWorkerStateChanged uint32 = iota + 1
	TypeWorkerExited
	TypeWorkerExhausted
	TypeAuthStateChanged
	TypeLoginStep
	TypeLogEntry
	TypeWorkerMetrics
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// WorkerStateChangedEvent is published on every supervisor state transition.
type WorkerStateChangedEvent struct {
	Worker        string `json:"worker" example:"bot" doc:"Worker name"`
	State         string `json:"state" example:"running" doc:"New supervisor state"`
	PreviousState string `json:"previous_state" example:"starting" doc:"Previous supervisor state"`
	PID           int    `json:"pid,omitempty" example:"4242" doc:"Process id when a child is alive"`
	Attempt       int    `json:"attempt" example:"1" doc:"Consecutive restart attempts"`
	Timestamp     string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for WorkerStateChangedEvent.
func (e WorkerStateChangedEvent) Type() uint32 { return TypeWorkerStateChanged }

// WorkerExitedEvent is published when a worker process ends.
type WorkerExitedEvent struct {
	Worker     string `json:"worker" example:"bot" doc:"Worker name"`
	ExitCode   int    `json:"exit_code" example:"1" doc:"Exit code, 128+n when killed by signal n"`
	Signal     string `json:"signal,omitempty" example:"killed" doc:"Terminating signal"`
	Deliberate bool   `json:"deliberate" example:"false" doc:"Whether the exit was requested"`
	Uptime     string `json:"uptime" example:"42s" doc:"How long the instance ran"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for WorkerExitedEvent.
func (e WorkerExitedEvent) Type() uint32 { return TypeWorkerExited }

// WorkerExhaustedEvent is published when a worker's restart budget runs out.
type WorkerExhaustedEvent struct {
	Worker    string `json:"worker" example:"bot" doc:"Worker name"`
	Attempts  int    `json:"attempts" example:"5" doc:"Restart attempts made"`
	LastExit  string `json:"last_exit" example:"exit code 1" doc:"Description of the final exit"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for WorkerExhaustedEvent.
func (e WorkerExhaustedEvent) Type() uint32 { return TypeWorkerExhausted }

// AuthStateChangedEvent is published when the auth service manager changes state.
type AuthStateChangedEvent struct {
	State         string `json:"state" example:"ready" doc:"New auth service state"`
	PreviousState string `json:"previous_state" example:"starting" doc:"Previous auth service state"`
	Error         string `json:"error,omitempty" doc:"Failure reason, if any"`
	Timestamp     string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for AuthStateChangedEvent.
func (e AuthStateChangedEvent) Type() uint32 { return TypeAuthStateChanged }

// LoginStepEvent is published after each login RPC.
type LoginStepEvent struct {
	Phone     string `json:"phone" example:"+1555***67" doc:"Masked phone number"`
	Step      string `json:"step" example:"awaiting_code" doc:"Login step reached"`
	Status    string `json:"status" example:"code_sent" doc:"Raw status from the auth service"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for LoginStepEvent.
func (e LoginStepEvent) Type() uint32 { return TypeLoginStep }

// LogEntryEvent represents a log entry for SSE streaming.
type LogEntryEvent struct {
	Seq        uint64         `json:"seq" example:"42" doc:"Monotonic sequence number for deduplication"`
	Timestamp  string         `json:"timestamp" example:"2025-01-09T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"bot" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }

// WorkerMetricsEvent is a periodic snapshot of one worker for dashboards.
type WorkerMetricsEvent struct {
	Worker        string  `json:"worker" example:"bot" doc:"Worker name"`
	State         string  `json:"state" example:"running" doc:"Current state"`
	UptimeSeconds float64 `json:"uptime_seconds" example:"3600" doc:"Seconds since the current instance started, 0 when down"`
	Attempts      int     `json:"attempts" example:"0" doc:"Consecutive restart attempts"`
	RestartsTotal int     `json:"restarts_total" example:"2" doc:"Restarts since the host started"`
	Timestamp     string  `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Snapshot time"`
}

// Type returns the event type identifier for WorkerMetricsEvent.
func (e WorkerMetricsEvent) Type() uint32 { return TypeWorkerMetrics }
