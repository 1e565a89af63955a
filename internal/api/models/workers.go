package models

import "time"

// WorkerExit describes how a worker instance ended.
type WorkerExit struct {
	Code       int       `json:"code" example:"1" doc:"Exit code, 128+n when killed by signal n"`
	Signal     string    `json:"signal,omitempty" example:"killed" doc:"Terminating signal"`
	Error      string    `json:"error,omitempty" doc:"Spawn failure reason"`
	Deliberate bool      `json:"deliberate" example:"false" doc:"Whether the exit was requested"`
	At         time.Time `json:"at" doc:"When the exit was observed"`
}

// BotWorker is the supervisor view of the bot worker.
type BotWorker struct {
	State             string      `json:"state" enum:"idle,starting,running,restarting,exhausted,stopped" example:"running" doc:"Supervisor state"`
	PID               int         `json:"pid,omitempty" example:"4242" doc:"Process id while alive"`
	StartedAt         *time.Time  `json:"started_at,omitempty" doc:"When the current instance started"`
	Attempts          int         `json:"attempts" example:"0" doc:"Consecutive restart attempts"`
	MaxAttempts       int         `json:"max_attempts" example:"5" doc:"Restart budget"`
	RestartsTotal     int         `json:"restarts_total" example:"2" doc:"Restarts since the host started"`
	Command           string      `json:"command" example:"python3 -u main.py" doc:"Command line used for the next spawn"`
	LastExit          *WorkerExit `json:"last_exit,omitempty" doc:"Most recent exit"`
	ForwardingOffline bool        `json:"forwarding_offline" example:"false" doc:"True once the restart budget is spent"`
	Message           string      `json:"message,omitempty" example:"message forwarding is currently offline" doc:"Operator-facing notice"`
}

// AuthWorker is the manager view of the auth service.
type AuthWorker struct {
	State     string     `json:"state" enum:"stopped,starting,ready,restarting,failed" example:"ready" doc:"Auth service state"`
	PID       int        `json:"pid,omitempty" example:"4243" doc:"Process id while alive"`
	BaseURL   string     `json:"base_url" example:"http://127.0.0.1:8765" doc:"Where RPCs are sent"`
	ReadyAt   *time.Time `json:"ready_at,omitempty" doc:"When the service became ready"`
	Attempts  int        `json:"attempts" example:"0" doc:"Consecutive restart attempts"`
	LastError string     `json:"last_error,omitempty" doc:"Most recent failure"`
	Breaker   string     `json:"breaker" example:"closed" doc:"Circuit breaker state"`
}

type WorkersData struct {
	Bot  BotWorker  `json:"bot" doc:"Bot worker"`
	Auth AuthWorker `json:"auth" doc:"Auth service"`
}

type WorkersResponse struct {
	Body WorkersData
}

type BotWorkerResponse struct {
	Body BotWorker
}

type AuthWorkerResponse struct {
	Body AuthWorker
}
