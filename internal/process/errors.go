package process

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyCommand is returned when a command has no executable.
var ErrEmptyCommand = errors.New("empty command")

// ErrKillTimeout is returned by Terminate when the child survives SIGKILL
// for longer than the configured kill timeout.
var ErrKillTimeout = errors.New("process did not exit after kill signal")

// SpawnError reports that the operating system refused to start a command.
// The underlying exec error is preserved for errors.Is checks such as
// exec.ErrNotFound or fs.ErrPermission.
type SpawnError struct {
	Path string
	Args []string
	Err  error
}

func (e *SpawnError) Error() string {
	cmd := e.Path
	if len(e.Args) > 0 {
		cmd += " " + strings.Join(e.Args, " ")
	}
	return fmt.Sprintf("spawn %q: %v", cmd, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
