package config

import (
	"errors"
	"fmt"
	"maps"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/smazurov/tgrelay/internal/process"
)

// Mode selects how the Python workers are launched.
type Mode string

// Deployment modes.
const (
	// ModeDev runs the scripts with a bare interpreter from the worker directory.
	// The auth app is still served by uvicorn so it binds the configured address.
	ModeDev Mode = "dev"
	// ModeProduction runs them through uv, with uvicorn serving the auth app.
	ModeProduction Mode = "production"
)

// ErrInvalidMode is returned by ParseMode for unknown values.
var ErrInvalidMode = errors.New("invalid mode")

// ParseMode accepts dev/development and prod/production, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "dev", "development":
		return ModeDev, nil
	case "prod", "production":
		return ModeProduction, nil
	default:
		return "", fmt.Errorf("%w %q (want dev or production)", ErrInvalidMode, s)
	}
}

// WorkerSettings is the input to WorkerCommands.
type WorkerSettings struct {
	Mode Mode `toml:"mode" json:"mode"`
	// Dir is the worker checkout containing main.py and auth_service.py.
	Dir string `toml:"dir" json:"dir"`
	// Python is the interpreter used in dev mode.
	Python string `toml:"python" json:"python"`
	// UV is the uv executable used in production mode.
	UV string `toml:"uv" json:"uv"`
	// AuthHost and AuthPort are where the auth service binds.
	AuthHost string `toml:"auth_host" json:"auth_host"`
	AuthPort int    `toml:"auth_port" json:"auth_port"`
	// BotCommand and AuthCommand replace the mode's default command line when set.
	BotCommand  string `toml:"bot_command" json:"bot_command,omitempty"`
	AuthCommand string `toml:"auth_command" json:"auth_command,omitempty"`
	// Env is added to both workers' environment.
	Env map[string]string `toml:"env" json:"env,omitempty"`
}

// DefaultWorkerSettings returns dev-mode settings for a checkout in the working directory.
func DefaultWorkerSettings() WorkerSettings {
	return WorkerSettings{
		Mode:     ModeDev,
		Dir:      ".",
		Python:   "python3",
		UV:       "uv",
		AuthHost: "127.0.0.1",
		AuthPort: 8765,
	}
}

// Validate reports the first invalid field.
func (s WorkerSettings) Validate() error {
	if _, err := ParseMode(string(s.Mode)); err != nil {
		return err
	}
	if s.AuthPort <= 0 || s.AuthPort > 65535 {
		return fmt.Errorf("auth port %d out of range", s.AuthPort)
	}
	if s.AuthHost == "" {
		return errors.New("auth host is empty")
	}
	return nil
}

// AuthBaseURL is the URL both the readiness gate and the RPC client use.
func (s WorkerSettings) AuthBaseURL() string {
	host := s.AuthHost
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	if host == "::" {
		host = "::1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(s.AuthPort))
}

// WorkerCommands resolves the bot and auth service launch commands for the
// configured mode. Nothing is spawned.
func WorkerCommands(s WorkerSettings) (bot, auth process.Command, err error) {
	if err := s.Validate(); err != nil {
		return process.Command{}, process.Command{}, err
	}
	mode, _ := ParseMode(string(s.Mode))

	dir := s.Dir
	if dir == "" {
		dir = "."
	}
	if abs, absErr := filepath.Abs(dir); absErr == nil {
		dir = abs
	}
	port := strconv.Itoa(s.AuthPort)

	env := map[string]string{
		"PYTHONUNBUFFERED":   "1",
		"AUTH_SERVICE_HOST":  s.AuthHost,
		"AUTH_SERVICE_PORT":  port,
		"AUTH_SERVICE_URL":   s.AuthBaseURL(),
		"TGRELAY_MODE":       string(mode),
		"TGRELAY_WORKER_DIR": dir,
	}
	maps.Copy(env, s.Env)

	switch mode {
	case ModeProduction:
		uv := orDefault(s.UV, "uv")
		bot = process.Command{Path: uv, Args: []string{"run", "--no-sync", "python", "-u", "main.py"}}
		auth = process.Command{Path: uv, Args: []string{
			"run", "--no-sync", "uvicorn", "auth_service:app",
			"--host", s.AuthHost, "--port", port, "--log-level", "info",
		}}
	default:
		python := orDefault(s.Python, "python3")
		bot = process.Command{Path: python, Args: []string{"-u", "main.py"}}
		auth = process.Command{Path: python, Args: []string{
			"-u", "-m", "uvicorn", "auth_service:app",
			"--host", s.AuthHost, "--port", port, "--log-level", "info",
		}}
	}

	if s.BotCommand != "" {
		if bot, err = process.ParseCommand(s.BotCommand); err != nil {
			return process.Command{}, process.Command{}, fmt.Errorf("bot command: %w", err)
		}
	}
	if s.AuthCommand != "" {
		if auth, err = process.ParseCommand(s.AuthCommand); err != nil {
			return process.Command{}, process.Command{}, fmt.Errorf("auth command: %w", err)
		}
	}

	bot.Dir, auth.Dir = dir, dir
	bot.Env = maps.Clone(env)
	auth.Env = maps.Clone(env)
	return bot, auth, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// LoadWorkerSettings overlays the [workers] table of the TOML file at path onto base.
// Keys absent from the file keep base's value.
func LoadWorkerSettings(path string, base WorkerSettings) (WorkerSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config %s: %w", path, err)
	}

	doc := struct {
		Workers WorkerSettings `toml:"workers"`
	}{Workers: base}
	doc.Workers.Env = maps.Clone(base.Env)
	if err := toml.Unmarshal(data, &doc); err != nil {
		return base, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := doc.Workers.Validate(); err != nil {
		return base, err
	}
	return doc.Workers, nil
}
