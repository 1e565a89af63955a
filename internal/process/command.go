package process

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/shlex"
)

// Command describes how to launch a worker.
type Command struct {
	Path string            `json:"path"`
	Args []string          `json:"args,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
	Dir  string            `json:"dir,omitempty"`
}

// String renders the command line for logs.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, quoteArg(c.Path))
	for _, a := range c.Args {
		parts = append(parts, quoteArg(a))
	}
	return strings.Join(parts, " ")
}

// Equal reports whether two commands launch the same thing.
func (c Command) Equal(other Command) bool {
	if c.Path != other.Path || c.Dir != other.Dir {
		return false
	}
	if len(c.Args) != len(other.Args) || len(c.Env) != len(other.Env) {
		return false
	}
	for i := range c.Args {
		if c.Args[i] != other.Args[i] {
			return false
		}
	}
	for k, v := range c.Env {
		if ov, ok := other.Env[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Environ returns the host environment with the command overrides applied.
// Each key appears once; overrides win.
func (c Command) Environ() []string {
	return mergeEnv(os.Environ(), c.Env)
}

func mergeEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, replaced := overrides[key]; replaced {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

func quoteArg(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\"'\\") {
		return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
	}
	return s
}

// ParseCommand splits a command line into a Command using shell word rules.
// Single and double quotes group words; a backslash escapes the next rune.
func ParseCommand(line string) (Command, error) {
	args, err := shlex.Split(line)
	if err != nil {
		return Command{}, fmt.Errorf("parse command: %w", err)
	}
	if len(args) == 0 {
		return Command{}, ErrEmptyCommand
	}
	return Command{Path: args[0], Args: args[1:]}, nil
}
