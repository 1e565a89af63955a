package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/smazurov/tgrelay/internal/logging"
)

const (
	defaultLineBuffer  = 256
	defaultKillTimeout = 5 * time.Second
	defaultOutputDrain = 2 * time.Second
	maxLineLength      = 1024 * 1024
)

// Stream names carried on Line.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Line is one line of child output.
type Line struct {
	Stream string
	Text   string
	Time   time.Time
}

// ExitStatus describes how a child ended.
// Code is the exit code, or 128+signal when the child was killed by a signal.
type ExitStatus struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
	Err    error  `json:"-"`
}

// Signaled reports whether the child was terminated by a signal.
func (s ExitStatus) Signaled() bool {
	return s.Signal != ""
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return fmt.Sprintf("killed by %s (code %d)", s.Signal, s.Code)
	}
	if s.Err != nil && s.Code < 0 {
		return s.Err.Error()
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// Options tune a spawned Handle. Zero values select defaults.
type Options struct {
	// LineBuffer is the capacity of the Lines channel.
	LineBuffer int
	// KillTimeout bounds the wait after SIGKILL.
	KillTimeout time.Duration
	// OutputDrain bounds how long output readers run after the child exits.
	// Grandchildren holding the pipes open are cut off after this.
	OutputDrain time.Duration
	// OnExit is invoked once, after Done is closed.
	OnExit func(ExitStatus)
	Logger logging.Logger
}

// Handle is a single running instance of a Command.
type Handle struct {
	command Command
	cmd     *exec.Cmd
	logger  logging.Logger

	mu       sync.Mutex
	state    State
	pid      int
	stopping bool

	lines   chan Line
	dropped atomic.Uint64
	pipes   []*os.File

	done   chan struct{}
	exit   ExitStatus
	onExit func(ExitStatus)

	killTimeout time.Duration
	outputDrain time.Duration
}

// Spawn starts cmd and returns a Handle for it. A refused exec returns *SpawnError.
func Spawn(command Command, opts Options) (*Handle, error) {
	if command.Path == "" {
		return nil, &SpawnError{Err: ErrEmptyCommand}
	}

	h := &Handle{
		command:     command,
		logger:      opts.Logger,
		state:       StateStarting,
		done:        make(chan struct{}),
		onExit:      opts.OnExit,
		killTimeout: opts.KillTimeout,
		outputDrain: opts.OutputDrain,
	}
	if h.logger == nil {
		h.logger = logging.GetLogger("process")
	}
	if h.killTimeout <= 0 {
		h.killTimeout = defaultKillTimeout
	}
	if h.outputDrain <= 0 {
		h.outputDrain = defaultOutputDrain
	}
	bufSize := opts.LineBuffer
	if bufSize <= 0 {
		bufSize = defaultLineBuffer
	}
	h.lines = make(chan Line, bufSize)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Path: command.Path, Args: command.Args, Err: err}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, &SpawnError{Path: command.Path, Args: command.Args, Err: err}
	}

	h.cmd = exec.Command(command.Path, command.Args...)
	h.cmd.Dir = command.Dir
	h.cmd.Env = command.Environ()
	h.cmd.Stdout = stdoutW
	h.cmd.Stderr = stderrW
	h.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	startErr := h.cmd.Start()
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()
	if startErr != nil {
		stdoutR.Close()
		stderrR.Close()
		return nil, &SpawnError{Path: command.Path, Args: command.Args, Err: startErr}
	}

	h.mu.Lock()
	h.pid = h.cmd.Process.Pid
	h.state = StateRunning
	h.mu.Unlock()
	h.pipes = []*os.File{stdoutR, stderrR}

	h.logger.Info("Process started", "pid", h.pid, "command", command.String())

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		h.streamOutput(stdoutR, StreamStdout)
	}()
	go func() {
		defer readers.Done()
		h.streamOutput(stderrR, StreamStderr)
	}()

	readersDone := make(chan struct{})
	go func() {
		readers.Wait()
		close(h.lines)
		close(readersDone)
	}()

	go h.wait(readersDone)

	return h, nil
}

// Command returns the command this handle was spawned from.
func (h *Handle) Command() Command {
	return h.command
}

// PID returns the child's process id, or 0 once it has exited.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.state.Alive() {
		return 0
	}
	return h.pid
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Lines delivers child output. The channel is closed after both streams end.
func (h *Handle) Lines() <-chan Line {
	return h.lines
}

// Dropped returns how many lines were discarded because the consumer fell behind.
func (h *Handle) Dropped() uint64 {
	return h.dropped.Load()
}

// Done is closed once the child has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exit returns the exit status. Only meaningful after Done is closed.
func (h *Handle) Exit() ExitStatus {
	<-h.done
	return h.exit
}

// Terminate asks the child to exit with sig and escalates to SIGKILL after grace.
// Only the first call sends signals; later calls wait for the same exit.
func (h *Handle) Terminate(sig os.Signal, grace time.Duration) error {
	h.mu.Lock()
	if !h.state.Alive() {
		h.mu.Unlock()
		return nil
	}
	first := !h.stopping
	h.stopping = true
	h.state = StateStopping
	pid := h.pid
	h.mu.Unlock()

	if !first {
		return h.waitDone(grace + h.killTimeout)
	}

	h.logger.Info("Sending stop signal", "pid", pid, "signal", sig.String())
	if err := h.signalGroup(pid, sig); err != nil {
		h.logger.Warn("Failed to send stop signal", "pid", pid, "error", err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	}

	h.logger.Warn("Graceful shutdown timeout, forcing kill", "pid", pid, "timeout", grace)
	if err := h.signalGroup(pid, syscall.SIGKILL); err != nil {
		h.logger.Error("Failed to kill process", "pid", pid, "error", err)
	}
	return h.waitDone(h.killTimeout)
}

func (h *Handle) waitDone(timeout time.Duration) error {
	select {
	case <-h.done:
		return nil
	case <-time.After(timeout):
		return ErrKillTimeout
	}
}

// signalGroup signals the child's process group, falling back to the child alone.
func (h *Handle) signalGroup(pid int, sig os.Signal) error {
	if s, ok := sig.(syscall.Signal); ok {
		err := syscall.Kill(-pid, s)
		if err == nil || errors.Is(err, syscall.ESRCH) {
			return nil
		}
	}
	if err := h.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (h *Handle) wait(readersDone <-chan struct{}) {
	err := h.cmd.Wait()
	status := exitStatusFromError(err)

	// Give readers a bounded window to drain what the child already wrote.
	select {
	case <-readersDone:
	case <-time.After(h.outputDrain):
		h.logger.Debug("Output still open after exit, closing pipes", "pid", h.pid)
		for _, f := range h.pipes {
			f.Close()
		}
	}

	h.mu.Lock()
	h.exit = status
	if h.stopping {
		h.state = StateStopped
	} else {
		h.state = StateExited
	}
	pid := h.pid
	h.mu.Unlock()

	h.logger.Info("Process exited", "pid", pid, "exit_code", status.Code, "signal", status.Signal)
	close(h.done)

	if h.onExit != nil {
		h.onExit(status)
	}
}

// push enqueues a line, discarding the oldest buffered line when full.
func (h *Handle) push(l Line) {
	for {
		select {
		case h.lines <- l:
			return
		default:
		}
		select {
		case <-h.lines:
			h.dropped.Add(1)
		default:
		}
	}
}

func (h *Handle) streamOutput(f *os.File, stream string) {
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	for scanner.Scan() {
		h.push(Line{Stream: stream, Text: scanner.Text(), Time: time.Now()})
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		h.logger.Warn("Error reading output", "stream", stream, "error", err)
		// Keep the pipe drained so the child never blocks on write.
		_, _ = io.Copy(io.Discard, f)
	}
}

// exitStatusFromError converts the result of Wait into an ExitStatus.
func exitStatusFromError(err error) ExitStatus {
	if err == nil {
		return ExitStatus{}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitStatus{Code: 128 + int(ws.Signal()), Signal: ws.Signal().String(), Err: err}
		}
		return ExitStatus{Code: exitErr.ExitCode(), Err: err}
	}
	return ExitStatus{Code: -1, Err: err}
}
