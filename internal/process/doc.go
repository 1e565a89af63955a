// Package process wraps os/exec for supervised worker processes.
//
// A Handle represents one running instance of a command:
//   - The child runs in its own process group so signals reach its whole tree
//   - stdout and stderr are delivered line by line on a bounded channel
//     that drops the oldest line when the consumer falls behind
//   - Done is closed exactly once when the child exits
//   - Terminate sends a stop signal, then SIGKILL after a grace period,
//     and is safe to call any number of times
//
// A Handle never restarts itself. Restart policy lives in the supervisor.
//
// Example:
//
//	h, err := process.Spawn(process.Command{Path: "python3", Args: []string{"-u", "main.py"}}, process.Options{})
//	if err != nil {
//	    return err
//	}
//	go func() {
//	    for line := range h.Lines() {
//	        log.Println(line.Stream, line.Text)
//	    }
//	}()
//	defer h.Terminate(syscall.SIGTERM, 5*time.Second)
package process
